package server

import (
	apiV1 "vmmigrator/api/v1"
	"vmmigrator/internal/middleware"
	"vmmigrator/internal/router"
	"vmmigrator/pkg/server/http"

	"github.com/gin-gonic/gin"
)

func NewHTTPServer(
	deps router.RouterDeps,
) *http.Server {
	if deps.Config.GetString("env") == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	s := http.NewServer(
		gin.Default(),
		deps.Logger,
		http.WithServerHost(deps.Config.GetString("http.host")),
		http.WithServerPort(deps.Config.GetInt("http.port")),
	)

	s.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	s.GET("/healthz", func(ctx *gin.Context) {
		apiV1.HandleSuccess(ctx, map[string]string{"status": "ok"})
	})

	s.Use(
		middleware.CORSMiddleware(),
		middleware.ResponseLogMiddleware(deps.Logger),
		middleware.RequestLogMiddleware(deps.Logger),
	)

	api := s.Group("/api/v1")
	router.InitMigrationRouter(deps, api)

	return s
}
