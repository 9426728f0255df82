// Package queue serializes work per chat. Jobs submitted for the same chat
// run one at a time in submission order; different chats run concurrently.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrClosed is returned when submitting to a closed queue.
	ErrClosed = errors.New("queue is closed")

	// ErrPanic wraps a value recovered from a panicking job.
	ErrPanic = errors.New("job panicked")
)

// Logger interface for queue logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// Job is one unit of work for a chat.
type Job func(ctx context.Context) error

// Status is the lifecycle state of a ticket.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Ticket tracks one submitted job.
type Ticket struct {
	ChatID     string
	EnqueuedAt time.Time

	ctx  context.Context
	job  Job
	done chan struct{}

	mu          sync.Mutex
	status      Status
	startedAt   time.Time
	completedAt time.Time
	err         error
}

// Done is closed when the job has finished.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Err returns the job's error. It is only meaningful after Done is closed.
func (t *Ticket) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Status returns the ticket's current state.
func (t *Ticket) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Wait blocks until the job finishes or ctx is done. A canceled wait does
// not cancel the job.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueWait is the time between submission and start. Zero until started.
func (t *Ticket) QueueWait() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		return 0
	}
	return t.startedAt.Sub(t.EnqueuedAt)
}

// lane holds the pending jobs of one chat.
type lane struct {
	pending []*Ticket
	running *Ticket
}

// Queue runs jobs in per-chat FIFO order.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
	logger Logger
}

// New creates a queue. logger may be nil.
func New(logger Logger) *Queue {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Queue{
		lanes:  make(map[string]*lane),
		logger: logger,
	}
}

// Submit enqueues job for chatID and returns immediately. The job runs with
// ctx once every earlier job for the chat has finished.
func (q *Queue) Submit(ctx context.Context, chatID string, job Job) (*Ticket, error) {
	t := &Ticket{
		ChatID:     chatID,
		EnqueuedAt: time.Now(),
		ctx:        ctx,
		job:        job,
		done:       make(chan struct{}),
		status:     StatusQueued,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	l, ok := q.lanes[chatID]
	if !ok {
		l = &lane{}
		q.lanes[chatID] = l
	}
	l.pending = append(l.pending, t)

	if l.running == nil && len(l.pending) == 1 {
		q.wg.Add(1)
		go q.drain(chatID, l)
	} else {
		q.logger.Debug("chat request queued",
			"chat_id", chatID,
			"position", len(l.pending),
		)
	}

	return t, nil
}

// Do submits job and waits for it. If ctx ends first, Do returns ctx.Err()
// and the job still runs in its turn.
func (q *Queue) Do(ctx context.Context, chatID string, job Job) error {
	t, err := q.Submit(ctx, chatID, job)
	if err != nil {
		return err
	}
	return t.Wait(ctx)
}

// drain runs the lane's jobs until it is empty, then removes the lane.
func (q *Queue) drain(chatID string, l *lane) {
	defer q.wg.Done()

	var prev *Ticket
	for {
		q.mu.Lock()
		// A finished ticket leaves the lane before its waiters wake, so Len
		// never counts a job whose Do has returned.
		l.running = nil
		if prev != nil {
			close(prev.done)
		}
		if len(l.pending) == 0 {
			delete(q.lanes, chatID)
			q.mu.Unlock()
			return
		}
		t := l.pending[0]
		l.pending = l.pending[1:]
		l.running = t
		q.mu.Unlock()

		q.run(t)
		prev = t
	}
}

func (q *Queue) run(t *Ticket) {
	t.mu.Lock()
	t.status = StatusRunning
	t.startedAt = time.Now()
	t.mu.Unlock()

	err := q.safeCall(t)

	t.mu.Lock()
	t.err = err
	t.completedAt = time.Now()
	if err != nil {
		t.status = StatusError
	} else {
		t.status = StatusCompleted
	}
	t.mu.Unlock()
}

func (q *Queue) safeCall(t *Ticket) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("chat request panicked",
				"chat_id", t.ChatID,
				"panic", r,
			)
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return t.job(t.ctx)
}

// Len returns the number of jobs for chatID that are queued or running.
func (q *Queue) Len(chatID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[chatID]
	if !ok {
		return 0
	}
	n := len(l.pending)
	if l.running != nil {
		n++
	}
	return n
}

// Snapshot returns Len for every chat with outstanding work.
func (q *Queue) Snapshot() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.lanes))
	for id, l := range q.lanes {
		n := len(l.pending)
		if l.running != nil {
			n++
		}
		out[id] = n
	}
	return out
}

// Close stops accepting jobs and waits for outstanding ones to finish or
// for ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
