package routing

import (
	"container/list"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
)

// bucket keeps live contacts most-recently-seen first, plus a bounded
// replacement cache of contacts that did not fit.
type bucket struct {
	list        *list.List
	repl        []contact.Contact
	replCap     int
	lastRefresh time.Time
}

func newBucket(replCap int, now time.Time) *bucket {
	return &bucket{list: list.New(), replCap: replCap, lastRefresh: now}
}

func (b *bucket) find(id kuid.KUID) *list.Element {
	for e := b.list.Front(); e != nil; e = e.Next() {
		if e.Value.(contact.Contact).ID == id {
			return e
		}
	}
	return nil
}

// firstDead returns the least recently seen dead contact.
func (b *bucket) firstDead() *list.Element {
	for e := b.list.Back(); e != nil; e = e.Prev() {
		if e.Value.(contact.Contact).IsDead() {
			return e
		}
	}
	return nil
}

func (b *bucket) contacts() []contact.Contact {
	out := make([]contact.Contact, 0, b.list.Len())
	for e := b.list.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(contact.Contact))
	}
	return out
}

func (b *bucket) addReplacement(c contact.Contact) {
	for i := range b.repl {
		if b.repl[i].ID == c.ID {
			b.repl[i] = c
			return
		}
	}
	if b.replCap <= 0 {
		return
	}
	if len(b.repl) >= b.replCap {
		// drop the oldest
		copy(b.repl, b.repl[1:])
		b.repl = b.repl[:b.replCap-1]
	}
	b.repl = append(b.repl, c)
}

func (b *bucket) popReplacement() (contact.Contact, bool) {
	n := len(b.repl)
	if n == 0 {
		return contact.Contact{}, false
	}
	c := b.repl[n-1]
	b.repl = b.repl[:n-1]
	return c, true
}

func (b *bucket) removeReplacement(id kuid.KUID) {
	for i := range b.repl {
		if b.repl[i].ID == id {
			b.repl = append(b.repl[:i], b.repl[i+1:]...)
			return
		}
	}
}
