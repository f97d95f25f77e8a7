// Package dispatch carries start and rollback triggers from the API and the
// sweeper to the worker pool. A queue holds at most one pending task per job
// and kind.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vmmigrator/pkg/log"
	"vmmigrator/pkg/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

type Kind string

const (
	KindStart    Kind = "start_migration"
	KindRollback Kind = "rollback_migration"
)

var (
	ErrDuplicate = errors.New("task already queued")
	ErrClosed    = errors.New("queue closed")
)

type Task struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	JobID  int64  `json:"job_id"`
	Reason string `json:"reason,omitempty"`
	// Paths lists local artifacts a rollback must remove in addition to
	// the ones recorded on the job.
	Paths []string `json:"paths,omitempty"`
	// Dirs lists temporary directories a rollback must remove.
	Dirs       []string  `json:"temp_dirs,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (t Task) key() string {
	return fmt.Sprintf("%s:%d", t.Kind, t.JobID)
}

type Queue interface {
	// Enqueue returns ErrDuplicate while a task of the same kind for the
	// same job is queued or being processed.
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (Task, error)
	// Done releases the duplicate marker of a processed task.
	Done(ctx context.Context, task Task) error
	Len(ctx context.Context) (int64, error)
	Close() error
}

// NewQueue builds the queue selected by dispatch.driver. The redis driver
// needs data.redis.addr.
func NewQueue(conf *viper.Viper, rdb *redis.Client, m *metrics.Metrics, logger *log.Logger) Queue {
	size := conf.GetInt("dispatch.queue_size")
	if size <= 0 {
		size = 100
	}
	switch conf.GetString("dispatch.driver") {
	case "redis":
		if rdb == nil {
			panic("dispatch.driver is redis but data.redis.addr is not set")
		}
		return NewRedisQueue(rdb, conf.GetString("dispatch.redis_prefix"), conf.GetDuration("dispatch.marker_ttl"), m)
	default:
		return NewMemoryQueue(size, m, logger)
	}
}
