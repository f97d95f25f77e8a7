package router

import (
	"github.com/gin-gonic/gin"
)

func InitMigrationRouter(
	deps RouterDeps,
	r *gin.RouterGroup,
) {
	migrationRouter := r.Group("/migrations")
	{
		migrationRouter.POST("/jobs", deps.MigrationHandler.CreateJobs)
		migrationRouter.GET("/jobs", deps.MigrationHandler.ListJobs)
		migrationRouter.GET("/jobs/:id", deps.MigrationHandler.GetJob)
		migrationRouter.POST("/jobs/:id/start", deps.MigrationHandler.StartMigration)
		migrationRouter.POST("/jobs/:id/rollback", deps.MigrationHandler.RollbackMigration)
	}
}
