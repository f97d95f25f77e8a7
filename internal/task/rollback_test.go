package task

import (
	"context"
	"errors"
	"testing"

	"vmmigrator/pkg/log"
	mock_service "vmmigrator/test/mocks/service"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
)

func TestSweepRollbacks(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mock_service.NewMockMigrationService(ctrl)
	task := NewRollbackTask(NewTask(log.NewNop()), svc)
	ctx := context.Background()

	svc.EXPECT().SweepRollbacks(ctx).Return(3, nil)
	assert.NoError(t, task.SweepRollbacks(ctx))

	boom := errors.New("database is locked")
	svc.EXPECT().SweepRollbacks(ctx).Return(0, boom)
	assert.ErrorIs(t, task.SweepRollbacks(ctx), boom)
}
