// Package contact describes a remote (or the local) DHT node as seen by
// this node: its id, where to reach it and how it has behaved.
package contact

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
)

type State int

const (
	StateUnknown State = iota
	StateAlive
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Flags advertised by a node in every message header.
type Flags uint8

const (
	FlagFirewalled Flags = 1 << iota
	FlagShutdown
)

// Contact is a value type. The routing table owns the authoritative copy;
// handlers work on snapshots.
type Contact struct {
	ID       kuid.KUID
	Addr     netip.AddrPort
	Flags    Flags
	State    State
	LastSeen time.Time
	Failures int
	RTT      time.Duration
}

func New(id kuid.KUID, addr netip.AddrPort) Contact {
	return Contact{ID: id, Addr: addr}
}

func (c Contact) IsFirewalled() bool { return c.Flags&FlagFirewalled != 0 }

func (c Contact) IsShutdown() bool { return c.Flags&FlagShutdown != 0 }

func (c Contact) IsAlive() bool { return c.State == StateAlive }

func (c Contact) IsDead() bool { return c.State == StateDead }

// HasValidAddr reports whether Addr can be sent to.
func (c Contact) HasValidAddr() bool {
	return IsValidAddr(c.Addr)
}

// IsValidAddr rejects zero, unspecified and multicast addresses and port 0.
func IsValidAddr(a netip.AddrPort) bool {
	if !a.IsValid() || a.Port() == 0 {
		return false
	}
	ip := a.Addr()
	return !ip.IsUnspecified() && !ip.IsMulticast()
}

// SameNode reports whether c and o have the same id and address.
func (c Contact) SameNode(o Contact) bool {
	return c.ID == o.ID && SameAddr(c.Addr, o.Addr)
}

// SameAddr compares addresses ignoring IPv4-in-IPv6 mapping.
func SameAddr(a, b netip.AddrPort) bool {
	return a.Addr().Unmap() == b.Addr().Unmap() && a.Port() == b.Port()
}

// AdaptiveTimeout returns how long to wait for this contact's reply.
// Contacts that are alive with a measured RTT get 2*RTT scaled by their
// failure count, clamped to [min, def]. Everyone else gets def.
func (c Contact) AdaptiveTimeout(def, min time.Duration) time.Duration {
	if c.State != StateAlive || c.RTT <= 0 {
		return def
	}
	t := 2 * c.RTT * time.Duration(c.Failures+1)
	if t < min {
		t = min
	}
	if t > def {
		t = def
	}
	return t
}

// Seen marks the contact alive as of now, resetting failures.
func (c Contact) Seen(now time.Time, rtt time.Duration) Contact {
	c.State = StateAlive
	c.LastSeen = now
	c.Failures = 0
	if rtt > 0 {
		if c.RTT <= 0 {
			c.RTT = rtt
		} else {
			// smoothed like TCP's SRTT with alpha = 1/8
			c.RTT = (7*c.RTT + rtt) / 8
		}
	}
	return c
}

func (c Contact) String() string {
	return fmt.Sprintf("%s@%s", c.ID.Short(), c.Addr)
}
