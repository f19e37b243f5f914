// Package queue provides the task queue that schedules every network
// operation a room performs.
//
// A Queue runs tasks either one at a time in FIFO order (Waitable) or with
// bounded parallelism. In Indexed mode each task receives the current value
// of a counter that advances only when a task succeeds, which lets
// consecutive tasks target consecutive feed slots.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gammazero/deque"
	"golang.org/x/sync/semaphore"

	"github.com/kabili207/feedroom/core/feed"
)

// DefaultMaxParallel is the default bound on in-flight tasks.
const DefaultMaxParallel = 4

// Task is a deferred operation. index is the hex-encoded counter value in
// Indexed mode and an empty string otherwise.
type Task func(index string) error

// Config configures a Queue.
type Config struct {
	// Name identifies the queue in logs.
	Name string

	// Indexed hands each task the current index, advanced after a success.
	Indexed bool

	// StartIndex is the first index handed out in Indexed mode.
	StartIndex uint64

	// Waitable runs tasks strictly one after another. A failing task stops
	// the drain; its error is reported by Flush or Clear.
	Waitable bool

	// MaxParallel bounds in-flight tasks when not Waitable. Failures are
	// logged and swallowed. Default: 4.
	MaxParallel int

	// Logger for queue events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Queue is a FIFO of deferred tasks with configurable concurrency.
type Queue struct {
	cfg Config
	log *slog.Logger
	sem *semaphore.Weighted

	mu       sync.Mutex
	pending  deque.Deque[Task]
	index    uint64
	draining bool
	idle     chan struct{} // closed when no drain loop is running
	err      error         // error that aborted the last waitable drain
	inflight sync.WaitGroup
}

// New creates a queue with the given configuration.
func New(cfg Config) *Queue {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		cfg:   cfg,
		log:   logger.WithGroup("queue").With("queue", cfg.Name),
		sem:   semaphore.NewWeighted(int64(cfg.MaxParallel)),
		index: cfg.StartIndex,
		idle:  idle,
	}
}

// Enqueue appends a task and starts draining if the queue is idle.
func (q *Queue) Enqueue(t Task) {
	q.mu.Lock()
	q.pending.PushBack(t)
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.idle = make(chan struct{})
	q.mu.Unlock()

	go q.drain()
}

// Len returns the number of tasks not yet started.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Index returns the index the next Indexed task will receive.
func (q *Queue) Index() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.index
}

// SetIndex moves the counter, e.g. after resolving a feed head.
func (q *Queue) SetIndex(i uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.index = i
}

// Flush waits until the drain loop stops and all in-flight tasks finish,
// without discarding anything. It returns and clears the error that
// aborted a waitable drain, if any.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := q.waitInflight(ctx); err != nil {
		return err
	}
	return q.takeErr()
}

// Clear discards pending tasks and blocks until in-flight tasks finish.
// It returns and clears the error that aborted a waitable drain, if any.
func (q *Queue) Clear() error {
	q.mu.Lock()
	q.pending.Clear()
	idle := q.idle
	q.mu.Unlock()

	<-idle
	q.inflight.Wait()
	return q.takeErr()
}

func (q *Queue) takeErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.err
	q.err = nil
	return err
}

func (q *Queue) waitInflight(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain runs until the backlog is empty or a waitable task fails.
func (q *Queue) drain() {
	for {
		if !q.cfg.Waitable {
			// Hold a slot before dequeuing so the index handed out below is
			// read after the previous holder of the slot advanced it.
			_ = q.sem.Acquire(context.Background(), 1)
		}

		q.mu.Lock()
		if q.pending.Len() == 0 {
			q.stopLocked(nil)
			q.mu.Unlock()
			if !q.cfg.Waitable {
				q.sem.Release(1)
			}
			return
		}
		t := q.pending.PopFront()
		index := q.index
		q.inflight.Add(1)
		q.mu.Unlock()

		if q.cfg.Waitable {
			err := q.run(t, index)
			q.inflight.Done()
			if err != nil {
				q.log.Debug("task failed, drain stopped", "error", err)
				q.mu.Lock()
				q.stopLocked(err)
				q.mu.Unlock()
				return
			}
			continue
		}

		go func() {
			defer q.sem.Release(1)
			defer q.inflight.Done()
			if err := q.run(t, index); err != nil {
				q.log.Warn("task failed", "error", err)
			}
		}()
	}
}

// stopLocked ends the drain loop. Must be called with q.mu held.
func (q *Queue) stopLocked(err error) {
	if err != nil {
		q.err = err
	}
	q.draining = false
	close(q.idle)
}

func (q *Queue) run(t Task, index uint64) error {
	var idx string
	if q.cfg.Indexed {
		idx = feed.FormatIndex(index)
	}
	if err := t(idx); err != nil {
		return err
	}
	if q.cfg.Indexed {
		q.mu.Lock()
		q.index++
		q.mu.Unlock()
	}
	return nil
}
