package handler

import (
	"net/http"

	v1 "vmmigrator/api/v1"
	"vmmigrator/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type MigrationHandler struct {
	*Handler
	migrationService service.MigrationService
}

func NewMigrationHandler(
	handler *Handler,
	migrationService service.MigrationService,
) *MigrationHandler {
	return &MigrationHandler{
		Handler:          handler,
		migrationService: migrationService,
	}
}

// CreateJobs godoc
// @Summary Create migration jobs
// @Description Creates one PENDING job per selected VM and dispatches it
// @Tags migrations
// @Accept json
// @Produce json
// @Param request body v1.CreateMigrationJobsRequest true "VM selection"
// @Success 200 {object} v1.CreateMigrationJobsResponse
// @Router /api/v1/migrations/jobs [post]
func (h *MigrationHandler) CreateJobs(ctx *gin.Context) {
	var req v1.CreateMigrationJobsRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		h.logger.WithContext(ctx).Error("CreateJobs bind json error", zap.Error(err))
		v1.HandleError(ctx, http.StatusBadRequest, v1.ErrBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	data, err := h.migrationService.CreateJobs(ctx.Request.Context(), &req)
	if err != nil {
		handleServiceError(ctx, err)
		return
	}
	v1.HandleSuccess(ctx, data)
}

// ListJobs godoc
// @Summary List migration jobs
// @Tags migrations
// @Produce json
// @Param page query int false "page"
// @Param page_size query int false "page size"
// @Param status query string false "job status"
// @Param vm_name query string false "vm name"
// @Success 200 {object} v1.ListMigrationJobsResponse
// @Router /api/v1/migrations/jobs [get]
func (h *MigrationHandler) ListJobs(ctx *gin.Context) {
	var req v1.ListMigrationJobsRequest
	if err := ctx.ShouldBindQuery(&req); err != nil {
		v1.HandleError(ctx, http.StatusBadRequest, v1.ErrBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	data, err := h.migrationService.ListJobs(ctx.Request.Context(), &req)
	if err != nil {
		handleServiceError(ctx, err)
		return
	}
	v1.HandleSuccess(ctx, data)
}

// GetJob godoc
// @Summary Get a migration job with its document
// @Tags migrations
// @Produce json
// @Param id path int true "job id"
// @Success 200 {object} v1.GetMigrationJobResponse
// @Router /api/v1/migrations/jobs/{id} [get]
func (h *MigrationHandler) GetJob(ctx *gin.Context) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	data, err := h.migrationService.GetJob(ctx.Request.Context(), id)
	if err != nil {
		handleServiceError(ctx, err)
		return
	}
	v1.HandleSuccess(ctx, data)
}

// StartMigration godoc
// @Summary Dispatch a migration run
// @Tags migrations
// @Produce json
// @Param id path int true "job id"
// @Success 200 {object} v1.TriggerResponse
// @Router /api/v1/migrations/jobs/{id}/start [post]
func (h *MigrationHandler) StartMigration(ctx *gin.Context) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	data, err := h.migrationService.StartMigration(ctx.Request.Context(), id)
	if err != nil {
		handleServiceError(ctx, err)
		return
	}
	h.respondTrigger(ctx, data)
}

// RollbackMigration godoc
// @Summary Dispatch a rollback
// @Tags migrations
// @Accept json
// @Produce json
// @Param id path int true "job id"
// @Param request body v1.RollbackMigrationRequest false "rollback options"
// @Success 200 {object} v1.TriggerResponse
// @Router /api/v1/migrations/jobs/{id}/rollback [post]
func (h *MigrationHandler) RollbackMigration(ctx *gin.Context) {
	id, ok := pathID(ctx, "id")
	if !ok {
		return
	}
	var req v1.RollbackMigrationRequest
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			v1.HandleError(ctx, http.StatusBadRequest, v1.ErrBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
	}
	data, err := h.migrationService.RollbackMigration(ctx.Request.Context(), id, &req)
	if err != nil {
		handleServiceError(ctx, err)
		return
	}
	h.respondTrigger(ctx, data)
}

// respondTrigger answers a trigger for an unknown job with 404 and every
// other outcome with 200.
func (h *MigrationHandler) respondTrigger(ctx *gin.Context, data *v1.TriggerResponseData) {
	if data.Outcome == v1.OutcomeMissing {
		v1.HandleError(ctx, http.StatusNotFound, v1.ErrJobNotFound, data)
		return
	}
	v1.HandleSuccess(ctx, data)
}
