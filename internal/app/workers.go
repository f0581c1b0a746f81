package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond"

	"bracketBot/internal/ports"
)

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int // queued tasks before Submit blocks or fails
	IdleTimeout time.Duration
	NonBlocking bool // If true, Submit() returns ErrQueueFull instead of blocking when full
}

// WorkerPool wraps alitto/pond with the defaults used by the service.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger ports.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(cfg PoolConfig, logger ports.Logger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error(context.Background(), fmt.Errorf("panic: %v", p), "WorkerPool: Task panic recovered", map[string]interface{}{"pool": cfg.Name})
		}),
	)

	return &WorkerPool{pool: pool, config: cfg, logger: logger}
}

// Submit adds a task to the pool
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return fmt.Errorf("worker pool '%s' is stopped", wp.config.Name)
	}

	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("%w: worker pool '%s' (capacity: %d)", ports.ErrQueueFull, wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}

	// Blocking submit
	wp.pool.Submit(task)
	return nil
}

// Stop waits for queued tasks to finish and stops the pool.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	wp.mu.Unlock()
	wp.pool.StopAndWait()
}

// Stats returns pool statistics
func (wp *WorkerPool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running_workers":  wp.pool.RunningWorkers(),
		"waiting_tasks":    wp.pool.WaitingTasks(),
		"successful_tasks": wp.pool.SuccessfulTasks(),
		"failed_tasks":     wp.pool.FailedTasks(),
	}
}
