package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"vmmigrator/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "vm-migrator"
	defaultMarkerTTL   = 6 * time.Hour
	popTimeout         = 5 * time.Second
)

// RedisQueue shares tasks between worker processes. Duplicate markers
// expire after the marker TTL so a crashed worker cannot block a job
// forever.
type RedisQueue struct {
	rdb       *redis.Client
	prefix    string
	markerTTL time.Duration
	metrics   *metrics.Metrics
}

func NewRedisQueue(rdb *redis.Client, prefix string, markerTTL time.Duration, m *metrics.Metrics) *RedisQueue {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if markerTTL <= 0 {
		markerTTL = defaultMarkerTTL
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, markerTTL: markerTTL, metrics: m}
}

func (q *RedisQueue) listKey() string {
	return q.prefix + ":tasks"
}

func (q *RedisQueue) markerKey(task Task) string {
	return q.prefix + ":task:" + task.key()
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	ok, err := q.rdb.SetNX(ctx, q.markerKey(task), task.ID, q.markerTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicate
	}
	payload, err := json.Marshal(task)
	if err != nil {
		q.rdb.Del(ctx, q.markerKey(task))
		return err
	}
	if err := q.rdb.LPush(ctx, q.listKey(), payload).Err(); err != nil {
		q.rdb.Del(ctx, q.markerKey(task))
		return err
	}
	q.observe(ctx)
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}
		res, err := q.rdb.BRPop(ctx, popTimeout, q.listKey()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, err
		}
		q.observe(ctx)
		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return Task{}, err
		}
		return task, nil
	}
}

func (q *RedisQueue) Done(ctx context.Context, task Task) error {
	return q.rdb.Del(ctx, q.markerKey(task)).Err()
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.listKey()).Result()
}

// Close leaves the shared client open; it belongs to the repository.
func (q *RedisQueue) Close() error {
	return nil
}

func (q *RedisQueue) observe(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	if n, err := q.Len(ctx); err == nil {
		q.metrics.QueueDepth.Set(float64(n))
	}
}
