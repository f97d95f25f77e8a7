package task

import (
	"context"

	"vmmigrator/internal/service"

	"go.uber.org/zap"
)

// RollbackTask finds FAILED jobs whose rollback never ran, for example
// because the process stopped before the rollback task was handled.
type RollbackTask interface {
	SweepRollbacks(ctx context.Context) error
}

func NewRollbackTask(
	task *Task,
	migrationService service.MigrationService,
) RollbackTask {
	return &rollbackTask{
		Task:             task,
		migrationService: migrationService,
	}
}

type rollbackTask struct {
	*Task
	migrationService service.MigrationService
}

func (t *rollbackTask) SweepRollbacks(ctx context.Context) error {
	n, err := t.migrationService.SweepRollbacks(ctx)
	if err != nil {
		t.logger.Error("rollback sweep failed", zap.Error(err))
		return err
	}
	t.logger.Debug("rollback sweep done", zap.Int("queued", n))
	return nil
}
