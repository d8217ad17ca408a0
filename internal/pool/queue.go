// Package pool provides a bounded task queue drained by a fixed set of workers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrQueueFull   = errors.New("queue is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// OverflowPolicy decides what happens when the queue is full.
type OverflowPolicy string

const (
	// OverflowReject fails the submission with ErrQueueFull.
	OverflowReject OverflowPolicy = "reject"
	// OverflowDropOldest discards the oldest pending task to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// Valid reports whether p is a known policy.
func (p OverflowPolicy) Valid() bool {
	return p == OverflowReject || p == OverflowDropOldest
}

// QueueConfig configures the queue.
type QueueConfig struct {
	Workers      int            `json:"workers"`
	QueueSize    int            `json:"queue_size"`
	Overflow     OverflowPolicy `json:"overflow"`
	PanicHandler func(any)      `json:"-"`
	// OnDrop is called with tasks discarded by OverflowDropOldest.
	OnDrop func() `json:"-"`
}

// DefaultQueueConfig returns a single-worker FIFO configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:   1,
		QueueSize: 1024,
		Overflow:  OverflowReject,
	}
}

// Queue is a bounded FIFO of tasks. With one worker tasks run strictly in
// submission order.
type Queue struct {
	cfg   QueueConfig
	tasks chan Task

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex // guards closed against concurrent sends
	closed bool
	wg     sync.WaitGroup

	abandon   atomic.Bool
	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	dropped   atomic.Int64
}

// NewQueue creates the queue and starts its workers.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if !cfg.Overflow.Valid() {
		cfg.Overflow = OverflowReject
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:     cfg,
		tasks:   make(chan Task, cfg.QueueSize),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit enqueues a task without blocking.
func (q *Queue) Submit(task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- task:
		q.submitted.Add(1)
		return nil
	default:
	}

	if q.cfg.Overflow == OverflowDropOldest {
		for attempt := 0; attempt < 3; attempt++ {
			select {
			case <-q.tasks:
				q.dropped.Add(1)
				if q.cfg.OnDrop != nil {
					q.cfg.OnDrop()
				}
			default:
			}
			select {
			case q.tasks <- task:
				q.submitted.Add(1)
				return nil
			default:
			}
		}
	}

	q.rejected.Add(1)
	return ErrQueueFull
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for task := range q.tasks {
		if q.abandon.Load() {
			q.dropped.Add(1)
			continue
		}
		q.active.Add(1)
		err := q.execute(task)
		q.active.Add(-1)

		if err != nil {
			q.failed.Add(1)
		} else {
			q.completed.Add(1)
		}
	}
}

func (q *Queue) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if q.cfg.PanicHandler != nil {
				q.cfg.PanicHandler(r)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(q.baseCtx)
}

// Close stops intake and waits for queued tasks to finish. When ctx expires
// first, running tasks are cancelled and the remaining ones are abandoned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.abandon.Store(true)
		q.cancel()
		<-done
		return fmt.Errorf("queue drain interrupted: %w", ctx.Err())
	}
}

// Stats returns queue statistics.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Workers:   q.cfg.Workers,
		Active:    int(q.active.Load()),
		Queued:    len(q.tasks),
		Capacity:  cap(q.tasks),
		Submitted: q.submitted.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Rejected:  q.rejected.Load(),
		Dropped:   q.dropped.Load(),
	}
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Capacity  int   `json:"capacity"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Dropped   int64 `json:"dropped"`
}
