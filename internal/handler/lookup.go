package handler

import (
	"fmt"
	"sort"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
	"github.com/Trustflow-Network-Labs/dht-node/internal/routing"
	"github.com/Trustflow-Network-Labs/dht-node/internal/security"
)

type candidate struct {
	contact contact.Contact
	hop     int
}

// lookup is the iterative Kademlia search shared by node and value
// lookups. query holds unasked candidates, closest the best responders,
// history every id ever enqueued.
type lookup struct {
	key        kuid.KUID
	k          int
	alpha      int
	exhaustive bool
	boost      bool
	boostEvery time.Duration
	// answersLocally lets the local node count as a responder.
	answersLocally bool
	newRequest     func(f *message.Factory, c contact.Contact) message.Request
	seeds          []contact.Contact

	query    []candidate
	closest  []Entry
	history  map[kuid.KUID]struct{}
	fromSeed map[kuid.KUID]bool
	inflight map[message.ID]candidate

	collisions   []contact.Contact
	hops         int
	timeouts     int
	rtTimeouts   int
	queried      int
	boosts       int
	lastResponse time.Time
	// stop ends the lookup early, e.g. once a value was found
	stop bool
}

func newLookup(hc *Context, key kuid.KUID, alpha int, seeds []contact.Contact) *lookup {
	return &lookup{
		key:        key,
		k:          hc.Config.K,
		alpha:      alpha,
		exhaustive: hc.Config.Exhaustive,
		boost:      hc.Config.BoostEnabled,
		boostEvery: hc.Config.BoostFrequency,
		seeds:      seeds,
		history:    make(map[kuid.KUID]struct{}),
		fromSeed:   make(map[kuid.KUID]bool),
		inflight:   make(map[message.ID]candidate),
	}
}

func (l *lookup) start(x *Exchange) {
	hc := x.Context()
	seeds := l.seeds
	fromTable := len(seeds) == 0
	if fromTable {
		seeds = hc.Routes.Select(l.key, l.k, routing.SelectAlive)
	}
	l.lastResponse = time.Now()

	for _, c := range seeds {
		if l.enqueue(x, c, 1) && fromTable {
			l.fromSeed[c.ID] = true
		}
	}
	l.process(x)
}

// enqueue adds c to query unless it was seen before. The local node is
// answered without a request.
func (l *lookup) enqueue(x *Exchange, c contact.Contact, hop int) bool {
	if _, seen := l.history[c.ID]; seen {
		return false
	}
	local := x.Context().Local()
	if c.ID == local.ID {
		l.history[c.ID] = struct{}{}
		if l.answersLocally {
			l.addClosest(Entry{Contact: local, Hop: hop})
		}
		return false
	}
	l.history[c.ID] = struct{}{}

	i := sort.Search(len(l.query), func(i int) bool {
		return kuid.Closer(l.key, c.ID, l.query[i].contact.ID)
	})
	l.query = append(l.query, candidate{})
	copy(l.query[i+1:], l.query[i:])
	l.query[i] = candidate{contact: c, hop: hop}
	return true
}

func (l *lookup) addClosest(e Entry) {
	i := sort.Search(len(l.closest), func(i int) bool {
		return kuid.Closer(l.key, e.Contact.ID, l.closest[i].Contact.ID)
	})
	if i >= l.k {
		return
	}
	l.closest = append(l.closest, Entry{})
	copy(l.closest[i+1:], l.closest[i:])
	l.closest[i] = e
	if len(l.closest) > l.k {
		l.closest = l.closest[:l.k]
	}
	if e.Hop > l.hops {
		l.hops = e.Hop
	}
}

// converged reports that no candidate can improve a full closest set.
func (l *lookup) converged() bool {
	if l.exhaustive || len(l.closest) < l.k {
		return false
	}
	if len(l.query) == 0 {
		return true
	}
	kth := l.closest[l.k-1].Contact.ID
	return !kuid.Closer(l.key, l.query[0].contact.ID, kth)
}

func (l *lookup) finished(x *Exchange) bool {
	if l.stop {
		return true
	}
	if x.Outstanding() > 0 {
		return false
	}
	return len(l.query) == 0 || l.converged()
}

// process fills the pipeline up to alpha outstanding requests.
func (l *lookup) process(x *Exchange) {
	for !l.stop && x.Outstanding() < l.alpha && len(l.query) > 0 && !l.converged() {
		l.sendNext(x)
	}
}

// sendNext queries the closest pending candidate and reports whether the
// request went out.
func (l *lookup) sendNext(x *Exchange) bool {
	next := l.query[0]
	l.query = l.query[1:]

	req := l.newRequest(x.Factory(), next.contact)
	h, err := x.SendTo(next.contact, req)
	if err != nil {
		x.Context().Logger.Debug(fmt.Sprintf("Lookup %s could not query %s: %v", l.key.Short(), next.contact, err), "lookup")
		return false
	}
	l.inflight[h.ID()] = next
	l.queried++
	return true
}

// onTick sends one request beyond alpha when the lookup has stalled.
func (l *lookup) onTick(x *Exchange) {
	if !l.boost || l.stop || len(l.query) == 0 || l.converged() {
		return
	}
	if time.Since(l.lastResponse) < l.boostEvery || x.Outstanding() > l.alpha {
		return
	}
	if l.sendNext(x) {
		l.boosts++
	}
}

// responded records the responder and merges the contacts it returned.
func (l *lookup) responded(x *Exchange, h message.RequestHandle, sender contact.Contact, token security.Token, contacts []contact.Contact) {
	cand, ok := l.inflight[h.ID()]
	if !ok {
		return
	}
	delete(l.inflight, h.ID())
	l.lastResponse = time.Now()

	responder := cand.contact
	responder.Flags = sender.Flags
	l.addClosest(Entry{Contact: responder, Token: token, Hop: cand.hop})

	l.merge(x, contacts, cand.hop+1)
}

// merge scrubs contacts returned by a responder and enqueues the new ones.
func (l *lookup) merge(x *Exchange, contacts []contact.Contact, hop int) {
	local := x.Context().Local()
	for _, c := range contacts {
		switch {
		case !c.HasValidAddr():
			continue
		case c.IsFirewalled():
			continue
		case c.ID == local.ID && !contact.SameAddr(c.Addr, local.Addr):
			l.collisions = append(l.collisions, c)
			continue
		}
		l.enqueue(x, c, hop)
	}
}

// dropped forgets the in-flight candidate for h, counting timeouts.
func (l *lookup) dropped(h message.RequestHandle, timedOut bool) {
	cand, ok := l.inflight[h.ID()]
	if !ok {
		return
	}
	delete(l.inflight, h.ID())
	if !timedOut {
		return
	}
	l.timeouts++
	if l.fromSeed[cand.contact.ID] {
		l.rtTimeouts++
	}
}

func (l *lookup) state(x *Exchange) State {
	return State{
		Key:                l.key,
		Nearest:            l.closest,
		Collisions:         l.collisions,
		Hops:               l.hops,
		Timeouts:           l.timeouts,
		RouteTableTimeouts: l.rtTimeouts,
		Queried:            l.queried,
		Boosts:             l.boosts,
		Elapsed:            x.Elapsed(),
	}.clone()
}
