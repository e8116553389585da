package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the default number of physical workers.
const DefaultWorkers = 8

// DefaultQueueWarnAfter is how long a task may wait before its start is
// logged as late.
const DefaultQueueWarnAfter = 20 * time.Second

// task is one unit of work for a logical worker.
type task struct {
	run      func()
	label    string
	enqueued time.Time
}

// taskQueue is a FIFO of tasks for one key.
//
// Guarded by the pool's mutex. running is true while a drainer goroutine
// owns the queue.
type taskQueue struct {
	tasks   []task
	running bool
}

func (q *taskQueue) push(t task) {
	q.tasks = append(q.tasks, t)
}

func (q *taskQueue) pop() (task, bool) {
	if len(q.tasks) == 0 {
		return task{}, false
	}
	t := q.tasks[0]

	// Nil out the slot so the closure can be collected.
	q.tasks[0] = task{}

	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

// WorkerPool runs tasks on one logical worker per key.
//
// Tasks for the same key run one at a time in submission order. Tasks for
// different keys run in parallel, bounded by the number of physical workers.
// A key's drainer takes a physical worker per task, so a busy key cannot
// starve the others.
//
// Thread-safety: Submit may be called from any goroutine.
type WorkerPool struct {
	mu     sync.Mutex
	queues map[string]*taskQueue
	closed bool

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	// pending counts tasks submitted but not yet finished.
	pending atomic.Int64

	logger    *slog.Logger
	warnAfter time.Duration
	onPanic   func(key string, v any)
	now       func() time.Time
}

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *WorkerPool) { p.logger = l }
}

// WithQueueWarnAfter sets the queued-time threshold for late-start warnings.
// Zero disables the warning.
func WithQueueWarnAfter(d time.Duration) PoolOption {
	return func(p *WorkerPool) { p.warnAfter = d }
}

// WithPanicHandler replaces the default panic handling. The default logs the
// panic and re-raises it, terminating the process.
func WithPanicHandler(fn func(key string, v any)) PoolOption {
	return func(p *WorkerPool) { p.onPanic = fn }
}

// NewWorkerPool creates a pool with the given number of physical workers.
func NewWorkerPool(workers int, opts ...PoolOption) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	p := &WorkerPool{
		queues:    make(map[string]*taskQueue),
		sem:       semaphore.NewWeighted(int64(workers)),
		logger:    slog.Default(),
		warnAfter: DefaultQueueWarnAfter,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.onPanic == nil {
		p.onPanic = func(key string, v any) {
			p.logger.Error("worker task panicked", "key", key, "panic", v)
			panic(v)
		}
	}
	return p
}

// Submit appends fn to key's queue. Returns false once the pool is closed.
func (p *WorkerPool) Submit(key, label string, fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}

	q := p.queues[key]
	if q == nil {
		q = &taskQueue{}
		p.queues[key] = q
	}
	q.push(task{run: fn, label: label, enqueued: p.now()})
	p.pending.Add(1)

	if !q.running {
		q.running = true
		p.wg.Add(1)
		go p.drain(key, q)
	}
	return true
}

func (p *WorkerPool) drain(key string, q *taskQueue) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		t, ok := q.pop()
		if !ok {
			q.running = false
			delete(p.queues, key)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		// Acquire never fails with a background context.
		_ = p.sem.Acquire(context.Background(), 1)
		p.run(key, t)
		p.sem.Release(1)
	}
}

func (p *WorkerPool) run(key string, t task) {
	defer p.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.onPanic(key, r)
		}
	}()

	if p.warnAfter > 0 {
		if waited := p.now().Sub(t.enqueued); waited > p.warnAfter {
			p.logger.Warn("task waited too long before running",
				"key", key,
				"task", t.label,
				"waited", waited,
			)
		}
	}
	t.run()
}

// Pending returns the number of tasks submitted but not yet finished.
func (p *WorkerPool) Pending() int64 {
	return p.pending.Load()
}

// QueueLen returns the number of tasks waiting on key.
func (p *WorkerPool) QueueLen(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q := p.queues[key]; q != nil {
		return len(q.tasks)
	}
	return 0
}

// Close stops accepting tasks. Queued tasks still run.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Wait blocks until every drainer has exited or ctx is done.
func (p *WorkerPool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
