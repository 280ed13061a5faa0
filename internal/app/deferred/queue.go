// Package deferred runs work that must happen after a response has been
// flushed to the client, such as cache population and accounting cleanup.
// Tasks run in submission order on a single worker, so a cache write
// always observes the value computed by the request that queued it.
package deferred

import (
	"context"
	"sync"

	"github.com/airlift-ota/airlift/internal/app/metrics"
	"github.com/airlift-ota/airlift/internal/app/system"
	"github.com/airlift-ota/airlift/pkg/logger"
)

// Task is one unit of post-response work.
type Task func(ctx context.Context) error

var _ system.Service = (*Queue)(nil)

// Queue is a lifecycle-managed FIFO of deferred tasks with its own error
// channel. Task failures never reach the client; they surface on Errors
// and in the log.
type Queue struct {
	log   *logger.Logger
	tasks chan Task
	errs  chan error

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewQueue builds a queue with the given buffer size. Submissions beyond
// the buffer while the worker is busy are dropped rather than blocking
// the request path.
func NewQueue(size int, log *logger.Logger) *Queue {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = logger.NewDefault("deferred")
	}
	return &Queue{
		log:   log,
		tasks: make(chan Task, size),
		errs:  make(chan error, size),
		done:  make(chan struct{}),
	}
}

func (q *Queue) Name() string { return "deferred" }

func (q *Queue) Start(_ context.Context) error {
	go q.run()
	return nil
}

// Stop refuses new submissions, drains queued tasks and waits for the
// worker, bounded by ctx.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues a task. It reports false when the queue is stopped or
// full; the caller's response has already been sent either way.
func (q *Queue) Submit(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	select {
	case q.tasks <- task:
		return true
	default:
		q.log.Warn("deferred queue full; dropping task")
		return false
	}
}

// Errors exposes task failures for observability. The channel is buffered
// and never blocks the worker; unread errors beyond the buffer are
// dropped after logging.
func (q *Queue) Errors() <-chan error {
	return q.errs
}

func (q *Queue) run() {
	defer close(q.done)
	for task := range q.tasks {
		if err := task(context.Background()); err != nil {
			metrics.RecordDeferredFailure()
			q.log.WithError(err).Warn("deferred task failed")
			select {
			case q.errs <- err:
			default:
			}
		}
	}
}
