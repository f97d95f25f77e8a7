package job

import (
	"context"
	"errors"
	"fmt"

	"vmmigrator/internal/dispatch"
	"vmmigrator/internal/service"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultWorkers = 2

// MigrationJob drains the dispatch queue with a fixed pool of workers.
type MigrationJob interface {
	ConsumeTasks(ctx context.Context) error
}

func NewMigrationJob(
	job *Job,
	conf *viper.Viper,
	queue dispatch.Queue,
	migrationService service.MigrationService,
) MigrationJob {
	workers := conf.GetInt("dispatch.workers")
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &migrationJob{
		Job:              job,
		workers:          workers,
		queue:            queue,
		migrationService: migrationService,
	}
}

type migrationJob struct {
	*Job
	workers          int
	queue            dispatch.Queue
	migrationService service.MigrationService
}

// ConsumeTasks blocks until ctx is done or the queue is closed.
func (j *migrationJob) ConsumeTasks(ctx context.Context) error {
	j.logger.Info("migration workers started", zap.Int("workers", j.workers))
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < j.workers; i++ {
		worker := i
		g.Go(func() error {
			return j.work(ctx, worker)
		})
	}
	err := g.Wait()
	j.logger.Info("migration workers stopped")
	return err
}

func (j *migrationJob) work(ctx context.Context, worker int) error {
	for {
		task, err := j.queue.Dequeue(ctx)
		switch {
		case errors.Is(err, dispatch.ErrClosed), ctx.Err() != nil:
			return nil
		case err != nil:
			j.logger.Error("dequeue failed", zap.Int("worker", worker), zap.Error(err))
			return err
		}

		j.handle(ctx, worker, task)
		if err := j.queue.Done(context.WithoutCancel(ctx), task); err != nil {
			j.logger.Warn("failed to release task", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}

// handle runs one task. A panicking task is logged and never takes the
// worker down.
func (j *migrationJob) handle(ctx context.Context, worker int, task dispatch.Task) {
	ctx = j.logger.WithValue(ctx, zap.String("task_id", task.ID), zap.Int("worker", worker))
	logger := j.logger.WithContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", zap.String("kind", string(task.Kind)), zap.Int64("job_id", task.JobID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()

	switch task.Kind {
	case dispatch.KindStart:
		res, err := j.migrationService.RunMigration(ctx, task.JobID)
		if err != nil {
			logger.Error("migration run failed", zap.Int64("job_id", task.JobID), zap.Error(err))
			return
		}
		logger.Info("migration run finished", zap.Int64("job_id", task.JobID), zap.String("result", res.Result),
			zap.String("status", string(res.Status)))
	case dispatch.KindRollback:
		res, err := j.migrationService.RunRollback(ctx, task.JobID, task.Reason, task.Paths, task.Dirs)
		if err != nil {
			logger.Error("rollback run failed", zap.Int64("job_id", task.JobID), zap.Error(err))
			return
		}
		logger.Info("rollback run finished", zap.Int64("job_id", task.JobID), zap.String("result", res.Result),
			zap.Int("actions", len(res.Actions)))
	default:
		logger.Warn("unknown task kind", zap.String("kind", string(task.Kind)))
	}
}
