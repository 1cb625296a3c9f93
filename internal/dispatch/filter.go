package dispatch

import (
	"net/netip"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
)

type Verdict int

const (
	Accept Verdict = iota
	DropLocalLoop
	DropSpoofedLocalID
	DropCrossFamily
	DropBlacklisted
	DropFirewalledResponder
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case DropLocalLoop:
		return "local-loop"
	case DropSpoofedLocalID:
		return "spoofed-local-id"
	case DropCrossFamily:
		return "cross-family"
	case DropBlacklisted:
		return "blacklisted"
	case DropFirewalledResponder:
		return "firewalled-responder"
	default:
		return "unknown"
	}
}

// Filter decides whether an inbound message reaches correlation.
type Filter interface {
	Classify(src netip.AddrPort, m message.Message) Verdict
}

// Blacklist is satisfied by database.Blacklist.
type Blacklist interface {
	Contains(addr netip.Addr) bool
}

// DefaultFilter drops traffic the node must never act on: its own packets,
// messages impersonating it, the other address family, blacklisted hosts
// and responses from firewalled nodes.
type DefaultFilter struct {
	local     func() contact.Contact
	localAddr func() netip.AddrPort
	blacklist Blacklist
	// DropLoopback also drops loopback sources when bound elsewhere.
	DropLoopback bool
}

func NewDefaultFilter(local func() contact.Contact, localAddr func() netip.AddrPort, blacklist Blacklist) *DefaultFilter {
	return &DefaultFilter{local: local, localAddr: localAddr, blacklist: blacklist}
}

func (f *DefaultFilter) Classify(src netip.AddrPort, m message.Message) Verdict {
	bound := f.localAddr()
	srcIP := src.Addr().Unmap()

	if bound.IsValid() && contact.SameAddr(src, bound) {
		return DropLocalLoop
	}
	if f.DropLoopback && srcIP.IsLoopback() && bound.IsValid() && !bound.Addr().Unmap().IsLoopback() {
		return DropLocalLoop
	}

	if bound.IsValid() && !bound.Addr().IsUnspecified() {
		if bound.Addr().Unmap().Is4() != srcIP.Is4() {
			return DropCrossFamily
		}
	}

	if f.blacklist != nil && f.blacklist.Contains(srcIP) {
		return DropBlacklisted
	}

	sender := m.Head().Sender
	// the ping handler judges pongs carrying our id; a collision ping
	// expects exactly that
	if sender.ID == f.local().ID && m.Op() != message.OpPingResponse {
		return DropSpoofedLocalID
	}

	if !m.Op().IsRequest() && sender.IsFirewalled() {
		return DropFirewalledResponder
	}

	return Accept
}
