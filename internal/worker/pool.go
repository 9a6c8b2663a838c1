package worker

import (
	"context"
	"sync"
)

// Task is a unit of work for the pool.
type Task interface {
	Process(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

// Process calls f(ctx).
func (f TaskFunc) Process(ctx context.Context) error { return f(ctx) }

// FailureHandler is invoked once per task that exhausted its attempts.
type FailureHandler func(task Task, err error)

// Config sizes a WorkerPool.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	OnFailure   FailureHandler
}

// WorkerPool manages a pool of worker goroutines
// and a queue of tasks to process
type WorkerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	workers     int
	maxAttempts int
	onFailure   FailureHandler

	mu      sync.RWMutex // guards closed and sends on tasks
	closed  bool
	started bool
	tasks   chan Task

	deadLetterMu sync.Mutex
	deadLetters  int
}

// PoolStats holds monitoring information about the worker pool
type PoolStats struct {
	ActiveWorkers int
	QueueLength   int
	QueueCapacity int
	DeadLetters   int
}

// NewWorkerPool creates a pool. Zero values fall back to one worker, a queue
// of 10 and a single attempt per task.
func NewWorkerPool(cfg Config) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		ctx:         ctx,
		cancel:      cancel,
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		onFailure:   cfg.OnFailure,
		tasks:       make(chan Task, cfg.QueueSize),
	}
}

// Start launches the worker goroutines. Calling it twice is a no-op.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}
}

// Stop refuses new tasks, lets workers drain the queue and waits for them.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// Submit adds a task to the queue, returns false if the queue is full
// or the pool is stopped.
func (p *WorkerPool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

func (p *WorkerPool) workerLoop() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.process(task)
	}
}

func (p *WorkerPool) process(task Task) {
	var err error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if err = task.Process(p.ctx); err == nil {
			return
		}
	}

	p.deadLetterMu.Lock()
	p.deadLetters++
	p.deadLetterMu.Unlock()

	if p.onFailure != nil {
		p.onFailure(task, err)
	}
}

// DeadLetterCount returns the number of tasks that failed every attempt.
func (p *WorkerPool) DeadLetterCount() int {
	p.deadLetterMu.Lock()
	defer p.deadLetterMu.Unlock()
	return p.deadLetters
}

// Workers returns the number of worker goroutines
func (p *WorkerPool) Workers() int {
	return p.workers
}

// Stats returns current statistics about the worker pool
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		ActiveWorkers: p.workers,
		QueueLength:   len(p.tasks),
		QueueCapacity: cap(p.tasks),
		DeadLetters:   p.DeadLetterCount(),
	}
}
