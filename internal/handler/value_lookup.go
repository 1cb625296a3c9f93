package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
)

// ValueEntity is what one node returned for a value lookup. When the node
// holds several values it may return only SecondaryKeys; GetValue fetches
// the values themselves.
type ValueEntity struct {
	Sender        contact.Contact
	Key           kuid.KUID
	Values        []database.ValueTuple
	SecondaryKeys []kuid.KUID
	RequestLoad   float32
	Hop           int
}

type ValueResult struct {
	State
	Entities []ValueEntity
}

// Values flattens the values of all entities, first occurrence of each
// identity wins.
func (r ValueResult) Values() []database.ValueTuple {
	seen := make(map[database.Identity]bool)
	var out []database.ValueTuple
	for _, e := range r.Entities {
		for _, v := range e.Values {
			if !seen[v.Identity()] {
				seen[v.Identity()] = true
				out = append(out, v)
			}
		}
	}
	return out
}

type valueLookup struct {
	*lookup
	valueType database.ValueType
	entities  []ValueEntity
}

// FindValue runs an iterative FIND_VALUE for key. Outside exhaustive mode
// the first node that returns a value ends the lookup.
func FindValue(ctx context.Context, hc *Context, key kuid.KUID, vt database.ValueType, seeds ...contact.Contact) *Future[ValueResult] {
	l := newLookup(hc, key, hc.Config.FindValueAlpha, seeds)
	l.newRequest = func(f *message.Factory, c contact.Contact) message.Request {
		return f.NewFindValueRequest(c.Addr, key, nil, vt)
	}
	return Run[ValueResult](ctx, hc, "find_value", &valueLookup{lookup: l, valueType: vt})
}

func (v *valueLookup) Start(x *Exchange) error {
	v.start(x)
	return nil
}

func (v *valueLookup) Finished(x *Exchange) bool { return v.finished(x) }

func (v *valueLookup) TickInterval() time.Duration {
	if !v.boost {
		return 0
	}
	return v.boostEvery
}

func (v *valueLookup) OnTick(x *Exchange) { v.onTick(x) }

func (v *valueLookup) OnResponse(x *Exchange, h message.RequestHandle, resp message.Response, rtt time.Duration) {
	switch r := resp.(type) {
	case *message.FindNodeResponse:
		// no value there, keep looking
		v.responded(x, h, r.Sender, r.Token, r.Contacts)
	case *message.FindValueResponse:
		v.foundValue(x, h, r)
	default:
		v.dropped(h, false)
	}
	v.process(x)
}

func (v *valueLookup) foundValue(x *Exchange, h message.RequestHandle, r *message.FindValueResponse) {
	for _, val := range r.Values {
		if !v.valueType.Matches(val.Type) {
			x.Context().Logger.Warn(fmt.Sprintf("Ignoring %s from %s: value type %s, asked for %s",
				r.Op(), h.Addr, val.Type, v.valueType), "lookup")
			v.dropped(h, false)
			return
		}
	}
	if len(r.Values) == 0 && len(r.SecondaryKeys) == 0 {
		v.dropped(h, false)
		return
	}

	cand := v.inflight[h.ID()]
	v.responded(x, h, r.Sender, nil, nil)

	sender := cand.contact
	sender.Flags = r.Sender.Flags
	v.entities = append(v.entities, ValueEntity{
		Sender:        sender,
		Key:           v.key,
		Values:        r.Values,
		SecondaryKeys: r.SecondaryKeys,
		RequestLoad:   r.RequestLoad,
		Hop:           cand.hop,
	})
	if !v.exhaustive {
		v.stop = true
	}
}

func (v *valueLookup) OnTimeout(x *Exchange, h message.RequestHandle, elapsed time.Duration) {
	v.dropped(h, true)
	v.process(x)
}

func (v *valueLookup) OnError(x *Exchange, h message.RequestHandle, err error) {
	x.Context().Logger.Debug(fmt.Sprintf("Lookup %s request %s failed: %v", v.key.Short(), h, err), "lookup")
	v.dropped(h, false)
	v.process(x)
}

func (v *valueLookup) Result(x *Exchange) (ValueResult, error) {
	st := v.state(x)
	if len(v.entities) == 0 {
		return ValueResult{}, &NoSuchValueError{State: st}
	}
	x.Context().Logger.Debug(fmt.Sprintf("Value lookup %s found %d entities after %d queries",
		v.key.Short(), len(v.entities), st.Queried), "lookup")
	return ValueResult{State: st, Entities: v.entities}, nil
}
