// Package dispatch correlates requests with responses over an unreliable
// datagram transport and routes inbound requests to their handlers.
package dispatch

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
	"github.com/Trustflow-Network-Labs/dht-node/internal/p2p"
	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
	"github.com/Trustflow-Network-Labs/dht-node/internal/workers"
)

var (
	ErrDispatcherClosed   = errors.New("dispatcher closed")
	ErrDuplicateMessageID = errors.New("duplicate message id")
	ErrNotBound           = errors.New("dispatcher not bound")
	ErrLoopback           = errors.New("destination is this node")
)

// RequestHandler answers one kind of inbound request. src is the datagram
// source, which is where replies go.
type RequestHandler interface {
	HandleRequest(src netip.AddrPort, req message.Request)
}

type RequestHandlerFunc func(src netip.AddrPort, req message.Request)

func (f RequestHandlerFunc) HandleRequest(src netip.AddrPort, req message.Request) { f(src, req) }

// LateResponseHandler sees responses that arrived after their request was
// resolved, forgotten or never existed.
type LateResponseHandler func(src netip.AddrPort, resp message.Response, duplicate bool)

// ContactHook is told about every sender that passed the filter, with its
// address set to the datagram source. rtt is zero for requests.
type ContactHook func(c contact.Contact, rtt time.Duration)

// FailureHook is told about every request that timed out.
type FailureHook func(h message.RequestHandle)

type Dispatcher struct {
	transport p2p.Transport
	factory   *message.Factory
	requests  *RequestManager
	history   *ResponseHistory
	pool      *workers.WorkerPool
	logger    *utils.LogsManager
	counters  *Counters

	mu          sync.RWMutex
	handlers    map[message.OpCode]RequestHandler
	filter      Filter
	observer    Observer
	late        LateResponseHandler
	contactHook ContactHook
	failureHook FailureHook
	listeners   []Listener

	external atomic.Value // netip.AddrPort
	bound    atomic.Bool
	closed   atomic.Bool

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewDispatcher(transport p2p.Transport, factory *message.Factory, pool *workers.WorkerPool, config *utils.ConfigManager, logger *utils.LogsManager) (*Dispatcher, error) {
	history, err := NewResponseHistory(config.GetConfigInt("dht_response_history_size", 1024, 1, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to create response history: %w", err)
	}

	counters := &Counters{}
	d := &Dispatcher{
		transport: transport,
		factory:   factory,
		requests:  NewRequestManager(),
		history:   history,
		pool:      pool,
		logger:    logger,
		counters:  counters,
		handlers:  make(map[message.OpCode]RequestHandler),
		observer:  counters,
		events:    make(chan Event, config.GetConfigInt("dht_listener_queue_size", 256, 1, 1<<16)),
		done:      make(chan struct{}),
	}
	d.external.Store(netip.AddrPort{})
	return d, nil
}

func (d *Dispatcher) Factory() *message.Factory { return d.factory }

func (d *Dispatcher) Counters() *Counters { return d.counters }

// SetRequestHandler registers h for request op. A nil h removes it.
func (d *Dispatcher) SetRequestHandler(op message.OpCode, h RequestHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, op)
		return
	}
	d.handlers[op] = h
}

func (d *Dispatcher) SetFilter(f Filter) {
	d.mu.Lock()
	d.filter = f
	d.mu.Unlock()
}

// SetObserver replaces the default counters as synchronous observer.
// Counters keep counting either way.
func (d *Dispatcher) SetObserver(o Observer) {
	d.mu.Lock()
	d.observer = o
	d.mu.Unlock()
}

func (d *Dispatcher) SetLateResponseHandler(h LateResponseHandler) {
	d.mu.Lock()
	d.late = h
	d.mu.Unlock()
}

func (d *Dispatcher) SetContactHook(h ContactHook) {
	d.mu.Lock()
	d.contactHook = h
	d.mu.Unlock()
}

func (d *Dispatcher) SetFailureHook(h FailureHook) {
	d.mu.Lock()
	d.failureHook = h
	d.mu.Unlock()
}

func (d *Dispatcher) AddListener(l Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

// SetExternalAddr records the address peers see for this node. Sends to it
// are refused like sends to the bound address.
func (d *Dispatcher) SetExternalAddr(addr netip.AddrPort) {
	d.external.Store(addr)
}

func (d *Dispatcher) ExternalAddr() netip.AddrPort {
	return d.external.Load().(netip.AddrPort)
}

func (d *Dispatcher) LocalAddr() netip.AddrPort {
	return d.transport.LocalAddr()
}

func (d *Dispatcher) IsBound() bool { return d.bound.Load() }

// Bind starts the transport and the listener goroutine.
func (d *Dispatcher) Bind() error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	if d.bound.Load() {
		return nil
	}
	if err := d.transport.Start(d.receive); err != nil {
		return fmt.Errorf("failed to bind transport: %w", err)
	}
	d.bound.Store(true)

	d.wg.Add(1)
	go d.notifyListeners()

	d.logger.Info(fmt.Sprintf("Dispatcher bound to %s", d.transport.LocalAddr()), "dispatch")
	return nil
}

func (d *Dispatcher) isLocal(addr netip.AddrPort) bool {
	if local := d.transport.LocalAddr(); local.IsValid() && contact.SameAddr(local, addr) {
		return true
	}
	if ext := d.ExternalAddr(); ext.IsValid() && contact.SameAddr(ext, addr) {
		return true
	}
	return false
}

func (d *Dispatcher) checkSendable(dst netip.AddrPort) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	if !d.bound.Load() {
		return ErrNotBound
	}
	if d.isLocal(dst) {
		return fmt.Errorf("%w: %s", ErrLoopback, dst)
	}
	return nil
}

// Send registers cb under the request's id and transmits req. A nil cb
// sends without tracking. Transmission errors are returned and the request
// is never reported to cb.
func (d *Dispatcher) Send(cb Callback, contactID kuid.KUID, dst netip.AddrPort, req message.Request, timeout time.Duration) (message.RequestHandle, error) {
	h := message.RequestHandle{ContactID: contactID, Addr: dst, Request: req}

	if err := d.checkSendable(dst); err != nil {
		return h, err
	}

	data, err := message.Encode(req)
	if err != nil {
		return h, fmt.Errorf("failed to encode %s: %w", req.Op(), err)
	}

	if cb != nil {
		if err := d.requests.add(h, cb, timeout, d.expire); err != nil {
			return h, err
		}
	}

	if err := d.transport.Send(dst, data); err != nil {
		if cb != nil {
			d.requests.remove(h.ID())
		}
		d.emit(Event{Kind: EventSendError, Op: req.Op(), Addr: dst})
		return h, fmt.Errorf("failed to send %s: %w", h, err)
	}

	d.emit(Event{Kind: EventSent, Op: req.Op(), Addr: dst})
	return h, nil
}

// SendResponse transmits resp without tracking.
func (d *Dispatcher) SendResponse(dst netip.AddrPort, resp message.Response) error {
	if err := d.checkSendable(dst); err != nil {
		return err
	}

	data, err := message.Encode(resp)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", resp.Op(), err)
	}
	if err := d.transport.Send(dst, data); err != nil {
		d.emit(Event{Kind: EventSendError, Op: resp.Op(), Addr: dst})
		return fmt.Errorf("failed to send %s to %s: %w", resp.Op(), dst, err)
	}

	d.emit(Event{Kind: EventSent, Op: resp.Op(), Addr: dst})
	return nil
}

// Forget drops tracking for ids. Responses that still arrive for them are
// handled as late responses.
func (d *Dispatcher) Forget(ids ...message.ID) int {
	return d.requests.forget(ids...)
}

// Pending is the number of outstanding requests.
func (d *Dispatcher) Pending() int {
	return d.requests.Len()
}

func (d *Dispatcher) expire(p *pending) {
	elapsed := time.Since(p.sent)
	d.emit(Event{Kind: EventTimeout, Op: p.handle.Request.Op(), Addr: p.handle.Addr})
	d.logger.Debug(fmt.Sprintf("Request %s timed out after %v", p.handle, elapsed), "dispatch")

	d.mu.RLock()
	hook := d.failureHook
	d.mu.RUnlock()
	if hook != nil {
		hook(p.handle)
	}

	d.execute(func() { p.callback.OnTimeout(p.handle, elapsed) })
}

// execute runs task on the pool, or on its own goroutine once the pool is
// gone so that no callback is ever lost.
func (d *Dispatcher) execute(task func()) {
	if d.pool != nil {
		if err := d.pool.Submit(task); err == nil {
			return
		}
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error(fmt.Sprintf("Callback panic recovered: %v", r), "dispatch")
			}
		}()
		task()
	}()
}

func (d *Dispatcher) receive(src netip.AddrPort, data []byte) {
	m, err := message.Decode(data)
	if err != nil {
		d.emit(Event{Kind: EventDecodeError, Addr: src})
		d.logger.Debug(fmt.Sprintf("Dropping undecodable datagram from %s: %v", src, err), "dispatch")
		return
	}
	d.HandleMessage(src, m)
}

// HandleMessage processes one inbound message. It never panics on peer
// input.
func (d *Dispatcher) HandleMessage(src netip.AddrPort, m message.Message) {
	if d.closed.Load() {
		return
	}
	d.emit(Event{Kind: EventReceived, Op: m.Op(), Addr: src})

	d.mu.RLock()
	filter := d.filter
	d.mu.RUnlock()
	if filter != nil {
		if v := filter.Classify(src, m); v != Accept {
			d.emit(Event{Kind: EventDropped, Op: m.Op(), Addr: src, Verdict: v})
			d.logger.Debug(fmt.Sprintf("Dropped %s from %s: %s", m.Op(), src, v), "dispatch")
			return
		}
	}

	switch msg := m.(type) {
	case message.Request:
		d.handleRequest(src, msg)
	case message.Response:
		d.handleResponse(src, msg)
	}
}

func (d *Dispatcher) sender(src netip.AddrPort, m message.Message) contact.Contact {
	c := m.Head().Sender
	c.Addr = src
	return c
}

func (d *Dispatcher) handleRequest(src netip.AddrPort, req message.Request) {
	d.mu.RLock()
	h := d.handlers[req.Op()]
	hook := d.contactHook
	d.mu.RUnlock()

	if hook != nil {
		hook(d.sender(src, req), 0)
	}

	if h == nil {
		d.logger.Debug(fmt.Sprintf("No handler for %s from %s", req.Op(), src), "dispatch")
		return
	}

	d.execute(func() {
		defer func() {
			if r := recover(); r != nil {
				d.emit(Event{Kind: EventHandlerPanic, Op: req.Op(), Addr: src})
				d.logger.Error(fmt.Sprintf("Handler for %s panicked: %v", req.Op(), r), "dispatch")
			}
		}()
		h.HandleRequest(src, req)
	})
}

// legal reports why resp cannot answer p, or "" when it can.
func (d *Dispatcher) legal(src netip.AddrPort, p *pending, resp message.Response) string {
	if !message.Accepts(p.handle.Request, resp) {
		return fmt.Sprintf("unexpected %s", resp.Op())
	}
	if !contact.SameAddr(src, p.handle.Addr) {
		return fmt.Sprintf("source %s differs from %s", src, p.handle.Addr)
	}
	if !d.factory.Tagger().IsFor(resp.Head().ID, p.handle.Addr) {
		return "message id not tagged for destination"
	}
	if !p.handle.ContactID.IsZero() && resp.Head().Sender.ID != p.handle.ContactID {
		return fmt.Sprintf("sender %s is not %s", resp.Head().Sender.ID.Short(), p.handle.ContactID.Short())
	}
	return ""
}

func (d *Dispatcher) handleResponse(src netip.AddrPort, resp message.Response) {
	id := resp.Head().ID

	if d.history.Contains(id) {
		d.lateResponse(src, resp, true)
		return
	}

	p, ok := d.requests.get(id)
	if !ok {
		d.lateResponse(src, resp, false)
		return
	}

	if reason := d.legal(src, p, resp); reason != "" {
		d.emit(Event{Kind: EventIllegalResponse, Op: resp.Op(), Addr: src})
		d.logger.Warn(fmt.Sprintf("Illegal response to %s: %s", p.handle, reason), "dispatch")
		return
	}

	// lost the race against the timer
	if p, ok = d.requests.remove(id); !ok {
		d.lateResponse(src, resp, false)
		return
	}
	d.history.Add(id)
	rtt := time.Since(p.sent)

	d.mu.RLock()
	hook := d.contactHook
	d.mu.RUnlock()
	if hook != nil {
		hook(d.sender(src, resp), rtt)
	}

	d.execute(func() { p.callback.OnResponse(p.handle, resp, rtt) })
}

func (d *Dispatcher) lateResponse(src netip.AddrPort, resp message.Response, duplicate bool) {
	kind := EventLateResponse
	if duplicate {
		kind = EventDuplicateResponse
	}
	d.emit(Event{Kind: kind, Op: resp.Op(), Addr: src})

	d.mu.RLock()
	late := d.late
	d.mu.RUnlock()
	if late != nil {
		late(src, resp, duplicate)
	}
}

func (d *Dispatcher) emit(e Event) {
	e.Time = time.Now()

	d.mu.RLock()
	observer := d.observer
	hasListeners := len(d.listeners) > 0
	d.mu.RUnlock()

	if observer != d.counters {
		d.counters.Observe(e)
	}
	if observer != nil {
		observer.Observe(e)
	}

	if !hasListeners || !d.bound.Load() {
		return
	}
	select {
	case d.events <- e:
	default:
		d.counters.ListenerDrops.Add(1)
	}
}

func (d *Dispatcher) notifyListeners() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case e := <-d.events:
			d.mu.RLock()
			listeners := d.listeners
			d.mu.RUnlock()
			for _, l := range listeners {
				d.callListener(l, e)
			}
		}
	}
}

func (d *Dispatcher) callListener(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn(fmt.Sprintf("Listener panic recovered: %v", r), "dispatch")
		}
	}()
	l(e)
}

// Close stops the transport and fails every outstanding request with
// ErrDispatcherClosed.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := d.transport.Close()

	entries := d.requests.closeAll()
	for _, p := range entries {
		d.execute(func() { p.callback.OnError(p.handle, ErrDispatcherClosed) })
	}

	close(d.done)
	d.wg.Wait()

	d.logger.Info(fmt.Sprintf("Dispatcher closed, failed %d outstanding requests", len(entries)), "dispatch")
	if err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// Stats is exported on the monitoring endpoint.
func (d *Dispatcher) Stats() map[string]int64 {
	s := d.counters.Snapshot()
	s["pending"] = int64(d.requests.Len())
	s["history"] = int64(d.history.Len())
	return s
}
