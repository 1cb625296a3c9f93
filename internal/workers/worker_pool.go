package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

var ErrPoolStopped = errors.New("worker pool is shutting down")

// WorkerPool runs submitted tasks on a fixed set of goroutines. A panicking
// task is logged and does not take its worker down.
type WorkerPool struct {
	ctx        context.Context
	cancel     context.CancelFunc
	numWorkers int
	workerChan chan func()
	wg         sync.WaitGroup
	logger     *utils.LogsManager

	mu       sync.RWMutex
	stopped  bool
	started  bool
	executed atomic.Int64
	panics   atomic.Int64
}

// NewWorkerPool creates a pool with numWorkers goroutines and a task queue
// of queueSize entries.
func NewWorkerPool(ctx context.Context, numWorkers, queueSize int, logger *utils.LogsManager) *WorkerPool {
	poolCtx, cancel := context.WithCancel(ctx)

	if numWorkers < 1 {
		numWorkers = 1
	}
	if queueSize < numWorkers {
		queueSize = numWorkers
	}

	return &WorkerPool{
		ctx:        poolCtx,
		cancel:     cancel,
		numWorkers: numWorkers,
		workerChan: make(chan func(), queueSize),
		logger:     logger,
	}
}

// Start initializes and starts all workers in the pool
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	if wp.started || wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.started = true
	wp.mu.Unlock()

	wp.logger.Debug(fmt.Sprintf("Starting worker pool with %d workers", wp.numWorkers), "workers")

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go func(id int) {
			defer wp.wg.Done()
			// drain until Stop closes the channel
			for task := range wp.workerChan {
				wp.run(id, task)
			}
		}(i)
	}
}

func (wp *WorkerPool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			wp.panics.Add(1)
			wp.logger.Error(fmt.Sprintf("Worker %d panic recovered: %v", id, r), "workers")
		}
	}()
	wp.executed.Add(1)
	task()
}

// Submit queues task, blocking while the queue is full.
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.stopped {
		return ErrPoolStopped
	}

	select {
	case wp.workerChan <- task:
		return nil
	case <-wp.ctx.Done():
		return ErrPoolStopped
	}
}

// Stop rejects new tasks, runs the ones already queued and waits for the
// workers to exit.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	started := wp.started
	close(wp.workerChan)
	wp.mu.Unlock()

	if started {
		wp.wg.Wait()
	}
	wp.cancel()

	wp.logger.Debug(fmt.Sprintf("Worker pool stopped after %d tasks", wp.executed.Load()), "workers")
}

// GetActiveWorkers returns the number of active workers
func (wp *WorkerPool) GetActiveWorkers() int {
	return wp.numWorkers
}

// Executed is the number of tasks run so far.
func (wp *WorkerPool) Executed() int64 {
	return wp.executed.Load()
}

// Panics is the number of tasks that panicked.
func (wp *WorkerPool) Panics() int64 {
	return wp.panics.Load()
}
