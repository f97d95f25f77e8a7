package server

import (
	"context"
	"sync"

	"vmmigrator/internal/job"
	"vmmigrator/pkg/log"

	"go.uber.org/zap"
)

type JobServer struct {
	log          *log.Logger
	migrationJob job.MigrationJob

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewJobServer(
	log *log.Logger,
	migrationJob job.MigrationJob,
) *JobServer {
	return &JobServer{
		log:          log,
		migrationJob: migrationJob,
	}
}

func (j *JobServer) Start(ctx context.Context) error {
	j.mu.Lock()
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	j.mu.Unlock()
	defer close(j.done)

	if err := j.migrationJob.ConsumeTasks(ctx); err != nil {
		j.log.Error("migration workers exited", zap.Error(err))
		return err
	}
	return nil
}

// Stop cancels the workers and waits for in-flight tasks to return.
func (j *JobServer) Stop(ctx context.Context) error {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	j.log.Info("job server stopped")
	return nil
}
