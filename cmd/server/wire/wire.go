//go:build wireinject
// +build wireinject

package wire

import (
	"vmmigrator/internal/dispatch"
	"vmmigrator/internal/handler"
	"vmmigrator/internal/job"
	"vmmigrator/internal/repository"
	"vmmigrator/internal/router"
	"vmmigrator/internal/server"
	"vmmigrator/internal/service"
	"vmmigrator/internal/task"
	"vmmigrator/pkg/app"
	"vmmigrator/pkg/command"
	"vmmigrator/pkg/log"
	"vmmigrator/pkg/metrics"
	"vmmigrator/pkg/server/http"
	"vmmigrator/pkg/sid"

	"github.com/google/wire"
	"github.com/spf13/viper"
)

var repositorySet = wire.NewSet(
	repository.NewDB,
	repository.NewRedis,
	repository.NewRepository,
	repository.NewTransaction,
	repository.NewMigrationJobRepository,
	repository.NewDiscoveredVMRepository,
)

var serviceSet = wire.NewSet(
	service.NewService,
	service.NewMigrationConfig,
	service.NewCloudFactory,
	service.NewMigrationService,
)

var handlerSet = wire.NewSet(
	handler.NewHandler,
	handler.NewMigrationHandler,
)

var jobSet = wire.NewSet(
	job.NewJob,
	job.NewMigrationJob,
)

var taskSet = wire.NewSet(
	task.NewTask,
	task.NewRollbackTask,
)

var serverSet = wire.NewSet(
	server.NewHTTPServer,
	server.NewJobServer,
	server.NewTaskServer,
)

var engineSet = wire.NewSet(
	dispatch.NewQueue,
	metrics.NewMetrics,
	command.NewExecRunner,
	wire.Bind(new(command.Runner), new(*command.ExecRunner)),
	sid.NewSid,
)

// build App
func newApp(
	httpServer *http.Server,
	jobServer *server.JobServer,
	taskServer *server.TaskServer,
) *app.App {
	return app.NewApp(
		app.WithServer(httpServer, jobServer, taskServer),
		app.WithName("vm-migrator-server"),
	)
}

func NewWire(*viper.Viper, *log.Logger) (*app.App, func(), error) {
	panic(wire.Build(
		repositorySet,
		serviceSet,
		handlerSet,
		jobSet,
		taskSet,
		serverSet,
		engineSet,
		wire.Struct(new(router.RouterDeps), "*"),
		newApp,
	))
}
