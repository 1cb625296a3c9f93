package workers

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

func setupTestPool(workers, queue int) *WorkerPool {
	logger := utils.NewLogsManagerForWriter(io.Discard, "error")
	wp := NewWorkerPool(context.Background(), workers, queue, logger)
	wp.Start()
	return wp
}

func TestWorkerPoolRunsTasks(t *testing.T) {
	wp := setupTestPool(4, 16)

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if err := wp.Submit(func() {
			defer wg.Done()
			count.Add(1)
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()
	wp.Stop()

	if count.Load() != 100 {
		t.Fatalf("ran %d tasks, want 100", count.Load())
	}
	if wp.Executed() != 100 {
		t.Fatalf("executed counter %d", wp.Executed())
	}
}

func TestWorkerPoolSurvivesPanic(t *testing.T) {
	wp := setupTestPool(1, 4)

	done := make(chan struct{})
	wp.Submit(func() { panic("boom") })
	wp.Submit(func() { close(done) })
	<-done
	wp.Stop()

	if wp.Panics() != 1 {
		t.Fatalf("panics %d, want 1", wp.Panics())
	}
}

func TestWorkerPoolStopDrainsQueue(t *testing.T) {
	logger := utils.NewLogsManagerForWriter(io.Discard, "error")
	wp := NewWorkerPool(context.Background(), 1, 8, logger)

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		wp.Submit(func() { count.Add(1) })
	}
	// tasks queued before Start still run
	wp.Start()
	wp.Stop()

	if count.Load() != 5 {
		t.Fatalf("ran %d queued tasks, want 5", count.Load())
	}
	if err := wp.Submit(func() {}); err != ErrPoolStopped {
		t.Fatalf("expected ErrPoolStopped, got %v", err)
	}
}
