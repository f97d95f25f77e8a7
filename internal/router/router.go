package router

import (
	"vmmigrator/internal/handler"
	"vmmigrator/pkg/log"
	"vmmigrator/pkg/metrics"

	"github.com/spf13/viper"
)

type RouterDeps struct {
	Logger           *log.Logger
	Config           *viper.Viper
	Metrics          *metrics.Metrics
	MigrationHandler *handler.MigrationHandler
}
