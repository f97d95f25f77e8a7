package dispatch

import (
	"context"
	"sync"

	"vmmigrator/pkg/log"
	"vmmigrator/pkg/metrics"

	"go.uber.org/zap"
)

// MemoryQueue is a buffered channel queue for single-process deployments.
type MemoryQueue struct {
	tasks   chan Task
	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool
	metrics *metrics.Metrics
	logger  *log.Logger
}

func NewMemoryQueue(size int, m *metrics.Metrics, logger *log.Logger) *MemoryQueue {
	return &MemoryQueue{
		tasks:   make(chan Task, size),
		pending: make(map[string]struct{}),
		metrics: m,
		logger:  logger,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.pending[task.key()]; ok {
		return ErrDuplicate
	}
	q.pending[task.key()] = struct{}{}

	select {
	case q.tasks <- task:
		q.logger.WithContext(ctx).Info("task queued",
			zap.String("kind", string(task.Kind)),
			zap.Int64("job_id", task.JobID),
		)
	default:
		q.logger.WithContext(ctx).Error("task queue is full, task may be delayed",
			zap.String("kind", string(task.Kind)),
			zap.Int64("job_id", task.JobID),
		)
		go func() {
			defer func() {
				// the queue was closed while we waited
				_ = recover()
			}()
			q.tasks <- task
		}()
	}
	q.observe()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case <-ctx.Done():
		return Task{}, ctx.Err()
	case task, ok := <-q.tasks:
		if !ok {
			return Task{}, ErrClosed
		}
		q.observe()
		return task, nil
	}
}

func (q *MemoryQueue) Done(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, task.key())
	return nil
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	return int64(len(q.tasks)), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	return nil
}

func (q *MemoryQueue) observe() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.tasks)))
	}
}
