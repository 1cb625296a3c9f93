package dispatch

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
)

type EventKind int

const (
	EventSent EventKind = iota
	EventReceived
	EventTimeout
	EventLateResponse
	EventDuplicateResponse
	EventIllegalResponse
	EventDropped
	EventDecodeError
	EventSendError
	EventHandlerPanic
)

func (k EventKind) String() string {
	switch k {
	case EventSent:
		return "sent"
	case EventReceived:
		return "received"
	case EventTimeout:
		return "timeout"
	case EventLateResponse:
		return "late_response"
	case EventDuplicateResponse:
		return "duplicate_response"
	case EventIllegalResponse:
		return "illegal_response"
	case EventDropped:
		return "dropped"
	case EventDecodeError:
		return "decode_error"
	case EventSendError:
		return "send_error"
	case EventHandlerPanic:
		return "handler_panic"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind    EventKind
	Op      message.OpCode
	Addr    netip.AddrPort
	Verdict Verdict
	Time    time.Time
}

// Observer is notified synchronously on the dispatch path and must be cheap.
type Observer interface {
	Observe(e Event)
}

// Listener is notified asynchronously. A slow listener loses events.
type Listener func(e Event)

// Counters is the default Observer.
type Counters struct {
	Sent              atomic.Int64
	Received          atomic.Int64
	Timeouts          atomic.Int64
	LateResponses     atomic.Int64
	DuplicateResponse atomic.Int64
	IllegalResponses  atomic.Int64
	Dropped           atomic.Int64
	DecodeErrors      atomic.Int64
	SendErrors        atomic.Int64
	HandlerPanics     atomic.Int64
	ListenerDrops     atomic.Int64

	sentByOp     [message.OpStoreResponse + 1]atomic.Int64
	receivedByOp [message.OpStoreResponse + 1]atomic.Int64
}

func (c *Counters) Observe(e Event) {
	switch e.Kind {
	case EventSent:
		c.Sent.Add(1)
		if e.Op.Valid() {
			c.sentByOp[e.Op].Add(1)
		}
	case EventReceived:
		c.Received.Add(1)
		if e.Op.Valid() {
			c.receivedByOp[e.Op].Add(1)
		}
	case EventTimeout:
		c.Timeouts.Add(1)
	case EventLateResponse:
		c.LateResponses.Add(1)
	case EventDuplicateResponse:
		c.DuplicateResponse.Add(1)
	case EventIllegalResponse:
		c.IllegalResponses.Add(1)
	case EventDropped:
		c.Dropped.Add(1)
	case EventDecodeError:
		c.DecodeErrors.Add(1)
	case EventSendError:
		c.SendErrors.Add(1)
	case EventHandlerPanic:
		c.HandlerPanics.Add(1)
	}
}

// Snapshot returns the counters keyed by name.
func (c *Counters) Snapshot() map[string]int64 {
	out := map[string]int64{
		"sent":                c.Sent.Load(),
		"received":            c.Received.Load(),
		"timeouts":            c.Timeouts.Load(),
		"late_responses":      c.LateResponses.Load(),
		"duplicate_responses": c.DuplicateResponse.Load(),
		"illegal_responses":   c.IllegalResponses.Load(),
		"dropped":             c.Dropped.Load(),
		"decode_errors":       c.DecodeErrors.Load(),
		"send_errors":         c.SendErrors.Load(),
		"handler_panics":      c.HandlerPanics.Load(),
		"listener_drops":      c.ListenerDrops.Load(),
	}
	for op := message.OpPingRequest; op <= message.OpStoreResponse; op++ {
		out["sent."+op.String()] = c.sentByOp[op].Load()
		out["received."+op.String()] = c.receivedByOp[op].Load()
	}
	return out
}
