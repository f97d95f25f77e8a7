package main

import (
	"context"
	"flag"

	"vmmigrator/cmd/worker/wire"
	"vmmigrator/pkg/config"
	"vmmigrator/pkg/log"

	"go.uber.org/zap"
)

func main() {
	var envConf = flag.String("conf", "config/local.yml", "config path, eg: -conf ./config/local.yml")
	flag.Parse()
	conf := config.NewConfig(*envConf)

	logger := log.NewLog(conf)

	app, cleanup, err := wire.NewWire(conf, logger)
	if err != nil {
		panic(err)
	}
	defer cleanup()
	if conf.GetString("dispatch.driver") != "redis" {
		logger.Warn("worker runs with the in-process queue; only tasks queued by this process are consumed",
			zap.String("dispatch.driver", conf.GetString("dispatch.driver")))
	}
	logger.Info("worker start", zap.Int("workers", conf.GetInt("dispatch.workers")))
	if err = app.Run(context.Background()); err != nil {
		panic(err)
	}
}
