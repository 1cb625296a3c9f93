package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
)

// NodeResult lists the nodes closest to the key, with their tokens.
type NodeResult struct {
	State
}

type nodeLookup struct {
	*lookup
}

// FindNode runs an iterative FIND_NODE for key. Seeds default to the K
// closest alive contacts of the routing table.
func FindNode(ctx context.Context, hc *Context, key kuid.KUID, seeds ...contact.Contact) *Future[NodeResult] {
	l := newLookup(hc, key, hc.Config.FindNodeAlpha, seeds)
	l.answersLocally = true
	l.newRequest = func(f *message.Factory, c contact.Contact) message.Request {
		return f.NewFindNodeRequest(c.Addr, key)
	}
	return Run[NodeResult](ctx, hc, "find_node", &nodeLookup{l})
}

func (n *nodeLookup) Start(x *Exchange) error {
	n.start(x)
	return nil
}

func (n *nodeLookup) Finished(x *Exchange) bool { return n.finished(x) }

func (n *nodeLookup) TickInterval() time.Duration {
	if !n.boost {
		return 0
	}
	return n.boostEvery
}

func (n *nodeLookup) OnTick(x *Exchange) { n.onTick(x) }

func (n *nodeLookup) OnResponse(x *Exchange, h message.RequestHandle, resp message.Response, rtt time.Duration) {
	if r, ok := resp.(*message.FindNodeResponse); ok {
		n.responded(x, h, r.Sender, r.Token, r.Contacts)
	} else {
		n.dropped(h, false)
	}
	n.process(x)
}

func (n *nodeLookup) OnTimeout(x *Exchange, h message.RequestHandle, elapsed time.Duration) {
	n.dropped(h, true)
	n.process(x)
}

func (n *nodeLookup) OnError(x *Exchange, h message.RequestHandle, err error) {
	x.Context().Logger.Debug(fmt.Sprintf("Lookup %s request %s failed: %v", n.key.Short(), h, err), "lookup")
	n.dropped(h, false)
	n.process(x)
}

func (n *nodeLookup) Result(x *Exchange) (NodeResult, error) {
	st := n.state(x)
	x.Context().Logger.Debug(fmt.Sprintf("Node lookup %s done: %d nearest, %d queried, %d hops, %d timeouts",
		n.key.Short(), len(st.Nearest), st.Queried, st.Hops, st.Timeouts), "lookup")
	if len(st.Nearest) == 0 {
		return NodeResult{}, &NoSuchNodeError{State: st}
	}
	return NodeResult{State: st}, nil
}
