// ABOUTME: Cooperative adapter: in-process worker pool with enqueue/await semantics
// ABOUTME: Workers release idle DB connections on start, stop, and around every task

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convogrid/convogrid/internal/store"
)

// ErrQueueFull is returned when the task queue cannot accept more work.
var ErrQueueFull = errors.New("dispatch queue full")

// ErrUnknownTask is returned when a handle does not name a known task.
var ErrUnknownTask = errors.New("unknown task")

// ErrPoolClosed is returned when work arrives after Close.
var ErrPoolClosed = errors.New("dispatch pool closed")

// DefaultAwaitTimeout bounds how long a direct caller waits before
// falling back to polling.
const DefaultAwaitTimeout = 30 * time.Second

// resultRetention is how long a finished result stays observable for
// handles nobody reads. Results consumed through Await or Status are
// dropped immediately.
const resultRetention = 5 * time.Minute

const sweepInterval = time.Minute

// TaskStatus is the observable state of an enqueued dispatch.
type TaskStatus string

const (
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusError      TaskStatus = "error"
)

// Result is the outcome of an enqueued dispatch. SessionID names the
// session the task was enqueued for, so callers can refuse handles
// that belong to a different session.
type Result struct {
	Status    TaskStatus
	SessionID string
	Reply     *store.Message
	Err       error
}

// ConnRecycler releases idle pooled connections. Tasks are not
// request-scoped and must not inherit stale connections, so the pool
// recycles on worker start, worker stop, and immediately before and
// after each task.
type ConnRecycler interface {
	ReleaseIdleConnections()
}

type task struct {
	handle  string
	inbound *Inbound
	done    chan struct{}
	result  Result
	// finished is written before done closes and read only after
	// observing it closed.
	finished time.Time
}

// Pool is the cooperative executor: a fixed set of workers, each
// single-threaded, with many tasks in flight in the queue. Every task
// acquires, uses, and releases persistence connections within its own
// boundary; nothing is held across the enqueue/execute suspension
// point.
type Pool struct {
	dispatcher *Dispatcher
	recycler   ConnRecycler
	logger     *slog.Logger

	queue     chan *task
	mu        sync.Mutex
	tasks     map[string]*task
	closed    bool
	retention time.Duration
	wg        sync.WaitGroup
	stop      chan struct{}
}

// NewPool creates and starts the worker pool.
func NewPool(d *Dispatcher, recycler ConnRecycler, workers, queueSize int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 128
	}
	p := &Pool{
		dispatcher: d,
		recycler:   recycler,
		logger:     logger.With("component", "executor"),
		queue:      make(chan *task, queueSize),
		tasks:      make(map[string]*task),
		retention:  resultRetention,
		stop:       make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.wg.Add(1)
	go p.sweeper()
	return p
}

// Enqueue accepts work and returns a handle immediately
// (fire-and-forget, at-least-once: a task that a worker picked up is
// run to completion even during shutdown).
func (p *Pool) Enqueue(ctx context.Context, in *Inbound) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t := &task{
		handle:  uuid.New().String(),
		inbound: in,
		done:    make(chan struct{}),
		result:  Result{Status: TaskStatusProcessing, SessionID: in.Session.ID},
	}

	// The queue send happens under the mutex so Close cannot close the
	// channel between the closed check and the send.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrPoolClosed
	}
	select {
	case p.queue <- t:
		p.tasks[t.handle] = t
		return t.handle, nil
	default:
		return "", ErrQueueFull
	}
}

// EnqueueSeed enqueues production of a session's opening turn. It
// implements the session resolver's SeedEnqueuer.
func (p *Pool) EnqueueSeed(ctx context.Context, sess *store.Session, seedMessage string) (string, error) {
	return p.Enqueue(ctx, &Inbound{
		Session: sess,
		Content: seedMessage,
		Seed:    true,
	})
}

// Await blocks up to timeout for a task to finish. On timeout the
// result reports processing and the caller falls back to polling. A
// terminal result is consumed: the handle is dropped once read.
func (p *Pool) Await(ctx context.Context, handle string, timeout time.Duration) (Result, error) {
	p.mu.Lock()
	t, ok := p.tasks[handle]
	p.mu.Unlock()
	if !ok {
		return Result{}, ErrUnknownTask
	}
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		p.forget(handle)
		return t.result, nil
	case <-timer.C:
		return Result{Status: TaskStatusProcessing, SessionID: t.inbound.Session.ID}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Status reports a task's current state without waiting. Like Await,
// reading a terminal result drops the handle.
func (p *Pool) Status(handle string) (Result, error) {
	p.mu.Lock()
	t, ok := p.tasks[handle]
	p.mu.Unlock()
	if !ok {
		return Result{}, ErrUnknownTask
	}
	select {
	case <-t.done:
		p.forget(handle)
		return t.result, nil
	default:
		return Result{Status: TaskStatusProcessing, SessionID: t.inbound.Session.ID}, nil
	}
}

// Close drains the queue and stops the workers. Enqueue calls arriving
// afterward fail with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	close(p.stop)
	p.wg.Wait()
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", n)

	// Fresh start: no inherited connections.
	p.recycle()
	defer p.recycle()

	for t := range p.queue {
		p.recycle()
		p.run(t, logger)
		p.recycle()
	}
	logger.Debug("worker stopped")
}

func (p *Pool) run(t *task, logger *slog.Logger) {
	ctx := context.Background()
	reply, err := p.dispatcher.Process(ctx, t.inbound)
	if err != nil {
		t.result = Result{Status: TaskStatusError, SessionID: t.inbound.Session.ID, Err: err}
		logger.Error("dispatch task failed",
			"session", t.inbound.Session.ExternalID,
			"task", t.handle,
			"error", err)
	} else {
		t.result = Result{Status: TaskStatusCompleted, SessionID: t.inbound.Session.ID, Reply: reply}
	}
	t.finished = time.Now()
	close(t.done)
}

func (p *Pool) recycle() {
	if p.recycler != nil {
		p.recycler.ReleaseIdleConnections()
	}
}

func (p *Pool) forget(handle string) {
	p.mu.Lock()
	delete(p.tasks, handle)
	p.mu.Unlock()
}

func (p *Pool) sweeper() {
	defer p.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep(time.Now())
		case <-p.stop:
			return
		}
	}
}

// sweep drops finished tasks whose results have outlived the retention
// window. It catches handles nobody ever awaits or polls, such as
// webhook-originated dispatches.
func (p *Pool) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for handle, t := range p.tasks {
		select {
		case <-t.done:
			if now.Sub(t.finished) >= p.retention {
				delete(p.tasks, handle)
			}
		default:
		}
	}
}
