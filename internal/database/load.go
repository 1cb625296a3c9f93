package database

import (
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
)

// loadTracker keeps an exponential moving average of request rate
// (requests per second) for each key.
type loadTracker struct {
	mu        sync.Mutex
	smoothing float64
	entries   map[kuid.KUID]*loadEntry
	now       func() time.Time
}

type loadEntry struct {
	load float64
	last time.Time
}

func newLoadTracker(smoothing float64) *loadTracker {
	if smoothing <= 0 || smoothing > 1 {
		smoothing = 0.25
	}
	return &loadTracker{
		smoothing: smoothing,
		entries:   make(map[kuid.KUID]*loadEntry),
		now:       time.Now,
	}
}

func (lt *loadTracker) requestLoad(key kuid.KUID, increment bool) float32 {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	e, ok := lt.entries[key]
	if !increment {
		if !ok {
			return 0
		}
		return float32(e.load)
	}

	now := lt.now()
	if !ok {
		// a first request counts as one per second
		e = &loadEntry{last: now.Add(-time.Second)}
		lt.entries[key] = e
	}

	elapsed := now.Sub(e.last).Seconds()
	// sub-millisecond bursts count as one millisecond
	if elapsed < 0.001 {
		elapsed = 0.001
	}
	e.load = lt.smoothing*(1/elapsed) + (1-lt.smoothing)*e.load
	e.last = now
	return float32(e.load)
}

func (lt *loadTracker) forget(key kuid.KUID) {
	lt.mu.Lock()
	delete(lt.entries, key)
	lt.mu.Unlock()
}
