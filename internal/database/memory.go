package database

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
)

// MemoryDatabase keeps values in process memory.
type MemoryDatabase struct {
	mu        sync.RWMutex
	values    map[kuid.KUID]map[kuid.KUID]ValueTuple
	maxPerKey int
	load      *loadTracker
}

func NewMemoryDatabase(maxPerKey int, loadSmoothing float64) *MemoryDatabase {
	return &MemoryDatabase{
		values:    make(map[kuid.KUID]map[kuid.KUID]ValueTuple),
		maxPerKey: maxPerKey,
		load:      newLoadTracker(loadSmoothing),
	}
}

func (m *MemoryDatabase) Get(key kuid.KUID) []ValueTuple {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bag := m.values[key]
	out := make([]ValueTuple, 0, len(bag))
	for _, v := range bag {
		out = append(out, v)
	}
	sortBySecondary(out)
	return out
}

func (m *MemoryDatabase) Store(v ValueTuple) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bag := m.values[v.PrimaryKey]
	if v.IsRemove() {
		existing, ok := bag[v.SecondaryKey]
		if !ok || existing.Version > v.Version {
			return false
		}
		delete(bag, v.SecondaryKey)
		if len(bag) == 0 {
			delete(m.values, v.PrimaryKey)
			m.load.forget(v.PrimaryKey)
		}
		return true
	}

	existing, exists := bag[v.SecondaryKey]
	if exists && existing.Version > v.Version {
		return false
	}
	if !exists && m.maxPerKey > 0 && len(bag) >= m.maxPerKey {
		return false
	}
	if bag == nil {
		bag = make(map[kuid.KUID]ValueTuple)
		m.values[v.PrimaryKey] = bag
	}
	if v.CreationTime.IsZero() {
		v.CreationTime = time.Now()
	}
	// a republish from a peer must not clear the local origin flag
	if exists && existing.LocalOrigin {
		v.LocalOrigin = true
	}
	v.Payload = bytes.Clone(v.Payload)
	bag[v.SecondaryKey] = v
	return true
}

func (m *MemoryDatabase) RequestLoad(key kuid.KUID, increment bool) float32 {
	return m.load.requestLoad(key, increment)
}

func (m *MemoryDatabase) Values() []ValueTuple {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ValueTuple
	for _, bag := range m.values {
		for _, v := range bag {
			out = append(out, v)
		}
	}
	return out
}

func (m *MemoryDatabase) Expire(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, bag := range m.values {
		for sk, v := range bag {
			if !v.LocalOrigin && v.CreationTime.Before(cutoff) {
				delete(bag, sk)
				removed++
			}
		}
		if len(bag) == 0 {
			delete(m.values, key)
			m.load.forget(key)
		}
	}
	return removed
}

func (m *MemoryDatabase) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, bag := range m.values {
		n += len(bag)
	}
	return n
}

func (m *MemoryDatabase) Close() error { return nil }

func sortBySecondary(values []ValueTuple) {
	sort.Slice(values, func(i, j int) bool {
		return bytes.Compare(values[i].SecondaryKey[:], values[j].SecondaryKey[:]) < 0
	})
}
