package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
	"github.com/Trustflow-Network-Labs/dht-node/internal/security"
)

// StoreStatus is the outcome for one contact of a store.
type StoreStatus struct {
	Contact  contact.Contact
	Statuses []message.StoreStatus
	Elapsed  time.Duration
}

// OK reports whether every value was accepted.
func (s StoreStatus) OK() bool {
	if len(s.Statuses) == 0 {
		return false
	}
	for _, st := range s.Statuses {
		if st.Code != message.StatusOK {
			return false
		}
	}
	return true
}

// StoreResult lists every contact a store reached out to. Partial
// replication is a normal result.
type StoreResult struct {
	Contacts []StoreStatus
	Elapsed  time.Duration
}

// Stored counts contacts that accepted every value.
func (r StoreResult) Stored() int {
	n := 0
	for _, c := range r.Contacts {
		if c.OK() {
			n++
		}
	}
	return n
}

type storeProcess struct {
	entry    Entry
	token    security.Token
	chunks   [][]database.ValueTuple
	chunk    int
	statuses map[database.Identity]message.StatusCode
	order    []database.Identity
	started  time.Time
	elapsed  time.Duration
	done     bool
	// harvesting is set while a FIND_NODE for the token is in flight
	harvesting bool
}

type store struct {
	values    []database.ValueTuple
	processes []*storeProcess
	next      int
	inflight  map[message.ID]*storeProcess
	confirmed int
	reported  []*storeProcess
}

// Store replicates values to every (contact, token) pair, up to
// dht_store_parallelism at a time, and stops starting new processes once K
// contacts confirmed.
func Store(ctx context.Context, hc *Context, targets []Entry, values []database.ValueTuple) *Future[StoreResult] {
	s := &store{values: values, inflight: make(map[message.ID]*storeProcess)}
	per := hc.Config.MaxValuesPerRequest
	for _, e := range targets {
		p := &storeProcess{entry: e, token: e.Token, statuses: make(map[database.Identity]message.StatusCode)}
		for i := 0; i < len(values); i += per {
			end := i + per
			if end > len(values) {
				end = len(values)
			}
			p.chunks = append(p.chunks, values[i:end])
		}
		for _, v := range values {
			p.order = append(p.order, v.Identity())
		}
		s.processes = append(s.processes, p)
	}
	return Run[StoreResult](ctx, hc, "store", s)
}

func (s *store) Start(x *Exchange) error {
	s.pull(x)
	return nil
}

func (s *store) active(x *Exchange) int {
	n := 0
	for _, p := range s.reported {
		if !p.done {
			n++
		}
	}
	return n
}

// pull starts queued processes while there is room and the replication
// target is not met.
func (s *store) pull(x *Exchange) {
	hc := x.Context()
	for s.next < len(s.processes) && s.confirmed < hc.Config.K && s.active(x) < hc.Config.StoreParallelism {
		p := s.processes[s.next]
		s.next++
		s.reported = append(s.reported, p)
		p.started = time.Now()

		if p.entry.Contact.ID == hc.Local().ID {
			s.storeLocally(x, p)
			continue
		}
		if len(s.values) == 0 {
			s.finish(x, p)
			continue
		}
		if p.token.IsEmpty() {
			s.harvest(x, p)
			continue
		}
		s.sendChunk(x, p)
	}
}

func (s *store) storeLocally(x *Exchange, p *storeProcess) {
	db := x.Context().Database
	for _, v := range s.values {
		code := message.StatusError
		if database.Apply(db, v) {
			code = message.StatusOK
		}
		p.statuses[v.Identity()] = code
	}
	s.finish(x, p)
}

func (s *store) harvest(x *Exchange, p *storeProcess) {
	c := p.entry.Contact
	req := x.Factory().NewFindNodeRequest(c.Addr, s.values[0].PrimaryKey)
	h, err := x.SendTo(c, req)
	if err != nil {
		x.Context().Logger.Debug(fmt.Sprintf("Store could not ask %s for a token: %v", c, err), "store")
		s.finish(x, p)
		return
	}
	p.harvesting = true
	s.inflight[h.ID()] = p
}

func (s *store) sendChunk(x *Exchange, p *storeProcess) {
	c := p.entry.Contact
	req := x.Factory().NewStoreRequest(c.Addr, p.token, p.chunks[p.chunk])
	h, err := x.SendTo(c, req)
	if err != nil {
		x.Context().Logger.Debug(fmt.Sprintf("Store could not send to %s: %v", c, err), "store")
		s.finish(x, p)
		return
	}
	s.inflight[h.ID()] = p
}

// finish marks p complete. Values without a status count as ERROR.
func (s *store) finish(x *Exchange, p *storeProcess) {
	for _, id := range p.order {
		if _, ok := p.statuses[id]; !ok {
			p.statuses[id] = message.StatusError
		}
	}
	p.done = true
	p.elapsed = time.Since(p.started)
	if s.status(p).OK() {
		s.confirmed++
	}
}

func (s *store) status(p *storeProcess) StoreStatus {
	out := StoreStatus{Contact: p.entry.Contact, Elapsed: p.elapsed}
	for _, id := range p.order {
		out.Statuses = append(out.Statuses, message.StoreStatus{Primary: id.Primary, Secondary: id.Secondary, Code: p.statuses[id]})
	}
	return out
}

func (s *store) OnResponse(x *Exchange, h message.RequestHandle, resp message.Response, rtt time.Duration) {
	p, ok := s.inflight[h.ID()]
	if !ok {
		return
	}
	delete(s.inflight, h.ID())

	if p.harvesting {
		p.harvesting = false
		if r, ok := resp.(*message.FindNodeResponse); ok && !r.Token.IsEmpty() {
			p.token = r.Token
			s.sendChunk(x, p)
		} else {
			x.Context().Logger.Debug(fmt.Sprintf("Store got no token from %s", h.Addr), "store")
			s.finish(x, p)
		}
		s.pull(x)
		return
	}

	r, ok := resp.(*message.StoreResponse)
	if !ok {
		s.finish(x, p)
		s.pull(x)
		return
	}

	chunk := p.chunks[p.chunk]
	if err := matchStatuses(chunk, r.Statuses); err != nil {
		x.Context().Logger.Warn(fmt.Sprintf("Ignoring store statuses from %s: %v", h.Addr, err), "store")
		s.finish(x, p)
		s.pull(x)
		return
	}
	for _, st := range r.Statuses {
		p.statuses[st.Identity()] = st.Code
	}

	p.chunk++
	if p.chunk < len(p.chunks) {
		s.sendChunk(x, p)
	} else {
		s.finish(x, p)
	}
	s.pull(x)
}

// matchStatuses checks that statuses answer exactly the values of chunk.
func matchStatuses(chunk []database.ValueTuple, statuses []message.StoreStatus) error {
	if len(statuses) != len(chunk) {
		return fmt.Errorf("%d statuses for %d values", len(statuses), len(chunk))
	}
	want := make(map[database.Identity]bool, len(chunk))
	for _, v := range chunk {
		want[v.Identity()] = true
	}
	for _, st := range statuses {
		if !want[st.Identity()] {
			return fmt.Errorf("status for unknown value %s/%s", st.Primary.Short(), st.Secondary.Short())
		}
		delete(want, st.Identity())
	}
	return nil
}

func (s *store) OnTimeout(x *Exchange, h message.RequestHandle, elapsed time.Duration) {
	if p, ok := s.inflight[h.ID()]; ok {
		delete(s.inflight, h.ID())
		s.finish(x, p)
	}
	s.pull(x)
}

func (s *store) OnError(x *Exchange, h message.RequestHandle, err error) {
	if p, ok := s.inflight[h.ID()]; ok {
		delete(s.inflight, h.ID())
		x.Context().Logger.Debug(fmt.Sprintf("Store to %s failed: %v", p.entry.Contact, err), "store")
		s.finish(x, p)
	}
	s.pull(x)
}

func (s *store) Finished(x *Exchange) bool {
	if x.Outstanding() > 0 || s.active(x) > 0 {
		return false
	}
	return s.next >= len(s.processes) || s.confirmed >= x.Context().Config.K
}

func (s *store) Result(x *Exchange) (StoreResult, error) {
	res := StoreResult{Elapsed: x.Elapsed()}
	for _, p := range s.reported {
		res.Contacts = append(res.Contacts, s.status(p))
	}
	x.Context().Logger.Debug(fmt.Sprintf("Store of %d values reached %d contacts, %d confirmed",
		len(s.values), len(res.Contacts), res.Stored()), "store")
	return res, nil
}
