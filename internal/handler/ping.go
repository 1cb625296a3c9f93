package handler

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
)

// PingTarget is an address, optionally with the id expected to answer.
type PingTarget struct {
	Addr netip.AddrPort
	ID   kuid.KUID
}

func TargetOf(c contact.Contact) PingTarget {
	return PingTarget{Addr: c.Addr, ID: c.ID}
}

type PingResult struct {
	// Contact is the responder, addressed where it answered from.
	Contact       contact.Contact
	ExternalAddr  netip.AddrPort
	EstimatedSize uint64
	RTT           time.Duration
}

type pingTarget struct {
	PingTarget
	errors int
}

type ping struct {
	targets   []*pingTarget
	next      int
	inflight  map[message.ID]*pingTarget
	collision bool
	sender    kuid.KUID

	result *PingResult
	err    error
}

// Ping pings targets with bounded parallelism and resolves with the first
// valid pong. Each target is retried up to dht_ping_max_errors times.
func Ping(ctx context.Context, hc *Context, targets ...PingTarget) *Future[PingResult] {
	return Run[PingResult](ctx, hc, "ping", newPing(targets, false))
}

// CollisionPing checks whether another node uses the local id. It pings
// with a random sender id and succeeds only when a pong carries the local
// id.
func CollisionPing(ctx context.Context, hc *Context, targets ...PingTarget) *Future[PingResult] {
	p := newPing(targets, true)
	p.sender = kuid.Random()
	return Run[PingResult](ctx, hc, "collision_ping", p)
}

func newPing(targets []PingTarget, collision bool) *ping {
	p := &ping{inflight: make(map[message.ID]*pingTarget), collision: collision}
	for _, t := range targets {
		p.targets = append(p.targets, &pingTarget{PingTarget: t})
	}
	return p
}

func (p *ping) Start(x *Exchange) error {
	if len(p.targets) == 0 {
		return ErrNoTargets
	}
	p.fill(x)
	return nil
}

func (p *ping) fill(x *Exchange) {
	for p.result == nil && x.Outstanding() < x.Context().Config.PingParallelism && p.next < len(p.targets) {
		t := p.targets[p.next]
		p.next++
		p.send(x, t)
	}
}

func (p *ping) send(x *Exchange, t *pingTarget) {
	var req message.Request
	if p.collision {
		req = x.Factory().NewCollisionPingRequest(t.Addr, p.sender)
	} else {
		req = x.Factory().NewPingRequest(t.Addr)
	}

	timeout := x.Context().Config.RequestTimeout
	if c, ok := x.Context().Routes.Get(t.ID); ok && !t.ID.IsZero() {
		timeout = x.Timeout(c)
	}

	h, err := x.Send(t.ID, t.Addr, req, timeout)
	if err != nil {
		p.err = err
		return
	}
	p.inflight[h.ID()] = t
}

func (p *ping) Finished(x *Exchange) bool {
	return p.result != nil || (x.Outstanding() == 0 && p.next >= len(p.targets))
}

func (p *ping) OnResponse(x *Exchange, h message.RequestHandle, resp message.Response, rtt time.Duration) {
	delete(p.inflight, h.ID())

	pong, ok := resp.(*message.PingResponse)
	if !ok {
		p.fill(x)
		return
	}
	if err := p.check(x, h, pong); err != nil {
		x.Context().Logger.Warn(fmt.Sprintf("Rejected pong from %s: %v", h.Addr, err), "ping")
		p.err = err
		p.fill(x)
		return
	}

	responder := pong.Sender
	responder.Addr = h.Addr
	p.result = &PingResult{
		Contact:       responder,
		ExternalAddr:  pong.ExternalAddr,
		EstimatedSize: pong.EstimatedSize,
		RTT:           rtt,
	}
}

func (p *ping) check(x *Exchange, h message.RequestHandle, pong *message.PingResponse) error {
	local := x.Context().Local()
	claimsLocal := pong.Sender.ID == local.ID

	if p.collision {
		if !claimsLocal {
			return fmt.Errorf("%w: %s answered", ErrNoCollision, pong.Sender.ID.Short())
		}
		return nil
	}
	if claimsLocal {
		return badResponse("%s claims the local id", h.Addr)
	}
	if pong.ExternalAddr.IsValid() && contact.SameAddr(pong.ExternalAddr, h.Addr) {
		return badResponse("%s reported its own address as ours", h.Addr)
	}
	return nil
}

func (p *ping) OnTimeout(x *Exchange, h message.RequestHandle, elapsed time.Duration) {
	t := p.inflight[h.ID()]
	delete(p.inflight, h.ID())

	if t != nil && p.result == nil {
		t.errors++
		if t.errors <= x.Context().Config.PingMaxErrors {
			p.send(x, t)
			return
		}
	}
	if p.err == nil || errors.Is(p.err, ErrTimeout) {
		p.err = &TimeoutError{Handle: h, Elapsed: elapsed}
	}
	p.fill(x)
}

func (p *ping) OnError(x *Exchange, h message.RequestHandle, err error) {
	delete(p.inflight, h.ID())
	p.err = err
	p.fill(x)
}

func (p *ping) Result(x *Exchange) (PingResult, error) {
	if p.result != nil {
		return *p.result, nil
	}
	if p.collision && (p.err == nil || errors.Is(p.err, ErrTimeout)) {
		return PingResult{}, ErrNoCollision
	}
	if p.err == nil {
		p.err = ErrNoTargets
	}
	return PingResult{}, p.err
}
