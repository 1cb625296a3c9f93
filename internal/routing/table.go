// Package routing holds the node's view of the network: one bucket per
// shared prefix length with the local id.
package routing

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

type SelectMode int

const (
	// SelectAlive returns only contacts that answered recently.
	SelectAlive SelectMode = iota
	// SelectAll also returns contacts in unknown state. Dead ones never are.
	SelectAll
)

// RouteTable is what the dispatcher and handlers need from routing.
type RouteTable interface {
	// Select returns up to k contacts closest to key, including the local
	// node, sorted by XOR distance.
	Select(key kuid.KUID, k int, mode SelectMode) []contact.Contact
	// Add inserts or refreshes c. It reports whether c was not known before.
	Add(c contact.Contact) bool
	HandleFailure(id kuid.KUID, addr netip.AddrPort)
	Get(id kuid.KUID) (contact.Contact, bool)
	LocalNode() contact.Contact
	SetLocalNode(c contact.Contact)
	RecentlySeen(k int) []contact.Contact
	Size() int
	// StaleBuckets lists the prefix lengths of non-empty buckets not
	// refreshed within age.
	StaleBuckets(age time.Duration) []int
	Touch(prefixLen int)
	Contacts() []contact.Contact
}

type Table struct {
	mu          sync.RWMutex
	local       contact.Contact
	buckets     [kuid.Bits]*bucket
	k           int
	maxFailures int
	logger      *utils.LogsManager
	now         func() time.Time
}

var _ RouteTable = (*Table)(nil)

func NewTable(local contact.Contact, config *utils.ConfigManager, logger *utils.LogsManager) *Table {
	t := &Table{
		local:       local,
		k:           config.GetConfigInt("dht_k", 20, 1, 256),
		maxFailures: config.GetConfigInt("dht_max_contact_failures", 2, 1, 100),
		logger:      logger,
		now:         time.Now,
	}
	replCap := config.GetConfigInt("dht_replacement_cache_size", 10, 0, 1000)
	now := t.now()
	for i := range t.buckets {
		t.buckets[i] = newBucket(replCap, now)
	}
	return t
}

func (t *Table) bucketFor(id kuid.KUID) *bucket {
	i := t.local.ID.CommonPrefixLen(id)
	if i >= kuid.Bits {
		return nil
	}
	return t.buckets[i]
}

func (t *Table) LocalNode() contact.Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local
}

// SetLocalNode replaces the local contact. Changing the id rebuilds the
// buckets around the new id.
func (t *Table) SetLocalNode(c contact.Contact) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c.ID == t.local.ID {
		t.local = c
		return
	}

	var all []contact.Contact
	for _, b := range t.buckets {
		all = append(all, b.contacts()...)
	}
	replCap := t.buckets[0].replCap
	now := t.now()
	for i := range t.buckets {
		t.buckets[i] = newBucket(replCap, now)
	}
	t.local = c
	for _, existing := range all {
		t.addLocked(existing)
	}
}

func (t *Table) Add(c contact.Contact) bool {
	if !c.HasValidAddr() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(c)
}

func (t *Table) addLocked(c contact.Contact) bool {
	b := t.bucketFor(c.ID)
	if b == nil {
		return false
	}
	now := t.now()

	if e := b.find(c.ID); e != nil {
		existing := e.Value.(contact.Contact)
		if existing.IsAlive() && !contact.SameAddr(existing.Addr, c.Addr) {
			// a live contact keeps its address until it fails
			t.logger.Debug(fmt.Sprintf("Ignoring address change for live contact %s to %s", existing, c.Addr), "routing")
			return false
		}
		existing.Addr = c.Addr
		existing.Flags = c.Flags
		e.Value = existing.Seen(now, c.RTT)
		b.list.MoveToFront(e)
		return false
	}

	c = c.Seen(now, c.RTT)

	if b.list.Len() < t.k {
		b.list.PushFront(c)
		b.removeReplacement(c.ID)
		return true
	}

	if dead := b.firstDead(); dead != nil {
		t.logger.Debug(fmt.Sprintf("Replacing dead contact %s with %s", dead.Value.(contact.Contact), c), "routing")
		b.list.Remove(dead)
		b.list.PushFront(c)
		b.removeReplacement(c.ID)
		return true
	}

	b.addReplacement(c)
	return false
}

// HandleFailure counts a failed request. After dht_max_contact_failures the
// contact is dead and, when the replacement cache has someone, evicted.
func (t *Table) HandleFailure(id kuid.KUID, addr netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.bucketFor(id)
	if b == nil {
		return
	}
	e := b.find(id)
	if e == nil {
		b.removeReplacement(id)
		return
	}
	c := e.Value.(contact.Contact)
	if addr.IsValid() && !contact.SameAddr(c.Addr, addr) {
		return
	}

	c.Failures++
	if c.Failures < t.maxFailures {
		e.Value = c
		return
	}

	c.State = contact.StateDead
	if repl, ok := b.popReplacement(); ok {
		t.logger.Debug(fmt.Sprintf("Evicting dead contact %s, promoting %s", c, repl), "routing")
		b.list.Remove(e)
		b.list.PushBack(repl)
		return
	}
	e.Value = c
	b.list.MoveToBack(e)
}

func (t *Table) Get(id kuid.KUID) (contact.Contact, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if id == t.local.ID {
		return t.local, true
	}
	b := t.bucketFor(id)
	if b == nil {
		return contact.Contact{}, false
	}
	if e := b.find(id); e != nil {
		return e.Value.(contact.Contact), true
	}
	return contact.Contact{}, false
}

func (t *Table) Select(key kuid.KUID, k int, mode SelectMode) []contact.Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	candidates := []contact.Contact{t.local}
	for _, b := range t.buckets {
		for e := b.list.Front(); e != nil; e = e.Next() {
			c := e.Value.(contact.Contact)
			if c.IsDead() || (mode == SelectAlive && !c.IsAlive()) {
				continue
			}
			candidates = append(candidates, c)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return kuid.Closer(key, candidates[i].ID, candidates[j].ID)
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// RecentlySeen returns up to k alive contacts, most recently seen first.
func (t *Table) RecentlySeen(k int) []contact.Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []contact.Contact
	for _, b := range t.buckets {
		for e := b.list.Front(); e != nil; e = e.Next() {
			if c := e.Value.(contact.Contact); c.IsAlive() {
				out = append(out, c)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Size counts contacts in buckets, excluding the local node.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, b := range t.buckets {
		n += b.list.Len()
	}
	return n
}

func (t *Table) Contacts() []contact.Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []contact.Contact
	for _, b := range t.buckets {
		out = append(out, b.contacts()...)
	}
	return out
}

func (t *Table) StaleBuckets(age time.Duration) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := t.now().Add(-age)
	var stale []int
	for i, b := range t.buckets {
		if b.list.Len() > 0 && b.lastRefresh.Before(cutoff) {
			stale = append(stale, i)
		}
	}
	return stale
}

// Touch marks a bucket refreshed.
func (t *Table) Touch(prefixLen int) {
	if prefixLen < 0 || prefixLen >= kuid.Bits {
		return
	}
	t.mu.Lock()
	t.buckets[prefixLen].lastRefresh = t.now()
	t.mu.Unlock()
}
