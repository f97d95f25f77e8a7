package job

import (
	"context"
	"testing"
	"time"

	"vmmigrator/internal/dispatch"
	"vmmigrator/internal/service"
	"vmmigrator/pkg/log"
	mock_service "vmmigrator/test/mocks/service"

	"github.com/golang/mock/gomock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeTasksDispatchesByKind(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mock_service.NewMockMigrationService(ctrl)
	queue := dispatch.NewMemoryQueue(8, nil, log.NewNop())
	conf := viper.New()
	conf.Set("dispatch.workers", 1)

	done := make(chan struct{}, 3)
	gomock.InOrder(
		svc.EXPECT().RunMigration(gomock.Any(), int64(1)).DoAndReturn(
			func(context.Context, int64) (*service.RunResult, error) {
				panic("boom")
			}),
		svc.EXPECT().RunMigration(gomock.Any(), int64(2)).DoAndReturn(
			func(context.Context, int64) (*service.RunResult, error) {
				done <- struct{}{}
				return &service.RunResult{JobID: 2, Result: service.ResultPlanned}, nil
			}),
		svc.EXPECT().RunRollback(gomock.Any(), int64(2), "boom", []string{"/out/a.qcow2"}, []string{"/out/tmp"}).DoAndReturn(
			func(context.Context, int64, string, []string, []string) (*service.RollbackResult, error) {
				done <- struct{}{}
				return &service.RollbackResult{JobID: 2, Result: service.ResultRolledBack}, nil
			}),
	)

	ctx := context.Background()
	require.NoError(t, queue.Enqueue(ctx, dispatch.Task{Kind: dispatch.KindStart, JobID: 1}))
	require.NoError(t, queue.Enqueue(ctx, dispatch.Task{Kind: dispatch.KindStart, JobID: 2}))
	require.NoError(t, queue.Enqueue(ctx, dispatch.Task{
		Kind: dispatch.KindRollback, JobID: 2, Reason: "boom",
		Paths: []string{"/out/a.qcow2"}, Dirs: []string{"/out/tmp"},
	}))

	runCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- NewMigrationJob(NewJob(log.NewNop()), conf, queue, svc).ConsumeTasks(runCtx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("task was not processed")
		}
	}
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}

	// markers are released after processing
	assert.NoError(t, queue.Enqueue(ctx, dispatch.Task{Kind: dispatch.KindStart, JobID: 1}))
}

func TestConsumeTasksStopsWhenQueueCloses(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mock_service.NewMockMigrationService(ctrl)
	queue := dispatch.NewMemoryQueue(1, nil, log.NewNop())
	require.NoError(t, queue.Close())

	err := NewMigrationJob(NewJob(log.NewNop()), viper.New(), queue, svc).ConsumeTasks(context.Background())
	assert.NoError(t, err)
}
