package server

import (
	"context"
	"time"

	"vmmigrator/internal/task"
	"vmmigrator/pkg/log"

	"github.com/go-co-op/gocron"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const defaultRollbackSweepInterval = 5 * time.Minute

type TaskServer struct {
	log          *log.Logger
	scheduler    *gocron.Scheduler
	interval     time.Duration
	rollbackTask task.RollbackTask
}

func NewTaskServer(
	log *log.Logger,
	conf *viper.Viper,
	rollbackTask task.RollbackTask,
) *TaskServer {
	interval := conf.GetDuration("task.rollback_sweep_interval")
	if interval <= 0 {
		interval = defaultRollbackSweepInterval
	}
	return &TaskServer{
		log:          log,
		scheduler:    gocron.NewScheduler(time.UTC),
		interval:     interval,
		rollbackTask: rollbackTask,
	}
}

func (t *TaskServer) Start(ctx context.Context) error {
	_, err := t.scheduler.Every(t.interval).SingletonMode().Do(func() {
		if err := t.rollbackTask.SweepRollbacks(ctx); err != nil {
			t.log.Warn("rollback sweep error", zap.Error(err))
		}
	})
	if err != nil {
		t.log.Error("rollback sweep schedule error", zap.Error(err))
		return err
	}
	t.log.Info("task server started", zap.Duration("rollback_sweep_interval", t.interval))
	t.scheduler.StartBlocking()
	return nil
}

func (t *TaskServer) Stop(ctx context.Context) error {
	t.scheduler.Stop()
	t.log.Info("task server stopped")
	return nil
}
