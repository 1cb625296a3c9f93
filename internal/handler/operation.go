package handler

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/dispatch"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
	"github.com/Trustflow-Network-Labs/dht-node/internal/routing"
	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

// Sender is the part of the dispatcher operations use.
type Sender interface {
	Send(cb dispatch.Callback, contactID kuid.KUID, dst netip.AddrPort, req message.Request, timeout time.Duration) (message.RequestHandle, error)
	Forget(ids ...message.ID) int
	Factory() *message.Factory
}

// Context bundles the collaborators of every operation.
type Context struct {
	Sender   Sender
	Routes   routing.RouteTable
	Database database.Database
	Config   Config
	Logger   *utils.LogsManager
}

func (c *Context) Local() contact.Contact {
	return c.Routes.LocalNode()
}

// Events receives the outcome of each request an operation sent. Exactly
// one method is called per request, on the operation's goroutine.
type Events interface {
	OnResponse(x *Exchange, h message.RequestHandle, resp message.Response, rtt time.Duration)
	OnTimeout(x *Exchange, h message.RequestHandle, elapsed time.Duration)
	OnError(x *Exchange, h message.RequestHandle, err error)
}

// Strategy is the behaviour of one operation kind.
type Strategy[T any] interface {
	Events
	// Start issues the first requests.
	Start(x *Exchange) error
	// Finished is checked after Start and after every event.
	Finished(x *Exchange) bool
	Result(x *Exchange) (T, error)
}

// Ticker is implemented by strategies that want periodic OnTick calls.
type Ticker interface {
	TickInterval() time.Duration
	OnTick(x *Exchange)
}

// Exchange is the operation's handle on the network. It must only be used
// from the operation's own goroutine.
type Exchange struct {
	hc      *Context
	events  Events
	queue   chan func()
	done    chan struct{}
	pending map[message.ID]struct{}
	started time.Time
}

func (x *Exchange) Context() *Context { return x.hc }

func (x *Exchange) Factory() *message.Factory { return x.hc.Sender.Factory() }

// Outstanding is the number of requests without an outcome yet.
func (x *Exchange) Outstanding() int { return len(x.pending) }

func (x *Exchange) Elapsed() time.Duration { return time.Since(x.started) }

// Timeout is the adaptive timeout for c.
func (x *Exchange) Timeout(c contact.Contact) time.Duration {
	return c.AdaptiveTimeout(x.hc.Config.RequestTimeout, x.hc.Config.MinRequestTimeout)
}

// Send transmits req; its outcome arrives through the strategy's Events.
func (x *Exchange) Send(contactID kuid.KUID, dst netip.AddrPort, req message.Request, timeout time.Duration) (message.RequestHandle, error) {
	h, err := x.hc.Sender.Send(relay{x}, contactID, dst, req, timeout)
	if err != nil {
		return h, err
	}
	x.pending[h.ID()] = struct{}{}
	return h, nil
}

// SendTo is Send with the contact's id, address and adaptive timeout.
func (x *Exchange) SendTo(c contact.Contact, req message.Request) (message.RequestHandle, error) {
	return x.Send(c.ID, c.Addr, req, x.Timeout(c))
}

func (x *Exchange) post(fn func()) {
	select {
	case x.queue <- fn:
	case <-x.done:
	}
}

func (x *Exchange) settle(id message.ID) bool {
	if _, ok := x.pending[id]; !ok {
		return false
	}
	delete(x.pending, id)
	return true
}

func (x *Exchange) forgetAll() {
	if len(x.pending) == 0 {
		return
	}
	ids := make([]message.ID, 0, len(x.pending))
	for id := range x.pending {
		ids = append(ids, id)
	}
	x.hc.Sender.Forget(ids...)
	x.pending = make(map[message.ID]struct{})
}

// relay moves dispatcher callbacks onto the operation goroutine.
type relay struct{ x *Exchange }

func (r relay) OnResponse(h message.RequestHandle, resp message.Response, rtt time.Duration) {
	r.x.post(func() {
		if r.x.settle(h.ID()) {
			r.x.events.OnResponse(r.x, h, resp, rtt)
		}
	})
}

func (r relay) OnTimeout(h message.RequestHandle, elapsed time.Duration) {
	r.x.post(func() {
		if r.x.settle(h.ID()) {
			r.x.events.OnTimeout(r.x, h, elapsed)
		}
	})
}

func (r relay) OnError(h message.RequestHandle, err error) {
	r.x.post(func() {
		if r.x.settle(h.ID()) {
			r.x.events.OnError(r.x, h, err)
		}
	})
}

// Run starts s on its own goroutine. The goroutine owns all of s's state
// and exits when s is finished, its future is cancelled or ctx ends.
func Run[T any](ctx context.Context, hc *Context, name string, s Strategy[T]) *Future[T] {
	f := newFuture[T]()
	opCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	x := &Exchange{
		hc:      hc,
		events:  s,
		queue:   make(chan func(), 64),
		done:    make(chan struct{}),
		pending: make(map[message.ID]struct{}),
		started: time.Now(),
	}

	go func() {
		defer cancel()
		defer close(x.done)
		defer x.forgetAll()
		defer func() {
			if r := recover(); r != nil {
				hc.Logger.Error(fmt.Sprintf("%s operation panicked: %v", name, r), "handler")
				var zero T
				f.resolve(zero, fmt.Errorf("%s operation failed: %v", name, r))
			}
		}()

		var zero T
		if err := s.Start(x); err != nil {
			f.resolve(zero, err)
			return
		}

		var tick <-chan time.Time
		if t, ok := s.(Ticker); ok && t.TickInterval() > 0 {
			ticker := time.NewTicker(t.TickInterval())
			defer ticker.Stop()
			tick = ticker.C
		}

		for !s.Finished(x) {
			select {
			case fn := <-x.queue:
				fn()
			case <-tick:
				s.(Ticker).OnTick(x)
			case <-opCtx.Done():
				f.resolve(zero, fmt.Errorf("%w: %w", ErrCancelled, opCtx.Err()))
				return
			case <-f.done:
				// cancelled through the future
				return
			}
		}

		v, err := s.Result(x)
		f.resolve(v, err)
	}()

	return f
}
