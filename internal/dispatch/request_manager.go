package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
)

// Callback receives exactly one of OnResponse, OnTimeout or OnError per
// request.
type Callback interface {
	OnResponse(h message.RequestHandle, resp message.Response, rtt time.Duration)
	OnTimeout(h message.RequestHandle, elapsed time.Duration)
	OnError(h message.RequestHandle, err error)
}

// CallbackFuncs adapts plain functions to Callback. Nil fields are skipped.
type CallbackFuncs struct {
	Response func(h message.RequestHandle, resp message.Response, rtt time.Duration)
	Timeout  func(h message.RequestHandle, elapsed time.Duration)
	Error    func(h message.RequestHandle, err error)
}

func (f CallbackFuncs) OnResponse(h message.RequestHandle, resp message.Response, rtt time.Duration) {
	if f.Response != nil {
		f.Response(h, resp, rtt)
	}
}

func (f CallbackFuncs) OnTimeout(h message.RequestHandle, elapsed time.Duration) {
	if f.Timeout != nil {
		f.Timeout(h, elapsed)
	}
}

func (f CallbackFuncs) OnError(h message.RequestHandle, err error) {
	if f.Error != nil {
		f.Error(h, err)
	}
}

type pending struct {
	handle   message.RequestHandle
	callback Callback
	sent     time.Time
	timer    *time.Timer
}

// RequestManager tracks outstanding requests by message id. An entry leaves
// the map exactly once, through remove, forget or closeAll; whoever removes
// it owns the single callback invocation.
type RequestManager struct {
	mu      sync.Mutex
	entries map[message.ID]*pending
	closed  bool
	now     func() time.Time
}

func NewRequestManager() *RequestManager {
	return &RequestManager{
		entries: make(map[message.ID]*pending),
		now:     time.Now,
	}
}

// add registers cb and arms a timer that calls expire if the entry is still
// present when the timeout elapses.
func (rm *RequestManager) add(h message.RequestHandle, cb Callback, timeout time.Duration, expire func(*pending)) error {
	id := h.ID()

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.closed {
		return ErrDispatcherClosed
	}
	if _, exists := rm.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMessageID, id)
	}

	p := &pending{handle: h, callback: cb, sent: rm.now()}
	rm.entries[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		if e, ok := rm.remove(id); ok {
			expire(e)
		}
	})
	return nil
}

func (rm *RequestManager) get(id message.ID) (*pending, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	p, ok := rm.entries[id]
	return p, ok
}

func (rm *RequestManager) remove(id message.ID) (*pending, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	p, ok := rm.entries[id]
	if !ok {
		return nil, false
	}
	delete(rm.entries, id)
	p.timer.Stop()
	return p, true
}

// forget drops entries without telling their callbacks.
func (rm *RequestManager) forget(ids ...message.ID) int {
	n := 0
	for _, id := range ids {
		if _, ok := rm.remove(id); ok {
			n++
		}
	}
	return n
}

func (rm *RequestManager) closeAll() []*pending {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.closed = true
	out := make([]*pending, 0, len(rm.entries))
	for id, p := range rm.entries {
		p.timer.Stop()
		delete(rm.entries, id)
		out = append(out, p)
	}
	return out
}

// Len is the number of outstanding requests.
func (rm *RequestManager) Len() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.entries)
}
