package handler

import (
	"errors"
	"net/http"
	"strconv"

	v1 "vmmigrator/api/v1"
	"vmmigrator/pkg/log"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	logger *log.Logger
}

func NewHandler(
	logger *log.Logger,
) *Handler {
	return &Handler{
		logger: logger,
	}
}

// pathID parses a positive integer path parameter.
func pathID(ctx *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param(name), 10, 64)
	if err != nil || id <= 0 {
		v1.HandleError(ctx, http.StatusBadRequest, v1.ErrBadRequest, map[string]string{
			"error": "invalid " + name,
		})
		return 0, false
	}
	return id, true
}

// handleServiceError maps service errors to HTTP status codes.
func handleServiceError(ctx *gin.Context, err error) {
	var ve *v1.ValidationError
	switch {
	case errors.As(err, &ve):
		v1.HandleError(ctx, http.StatusBadRequest, ve, nil)
	case errors.Is(err, v1.ErrJobNotFound):
		v1.HandleError(ctx, http.StatusNotFound, err, nil)
	case errors.Is(err, v1.ErrInvalidJobStatus):
		v1.HandleError(ctx, http.StatusBadRequest, err, nil)
	case errors.Is(err, v1.ErrDispatchUnavailable):
		v1.HandleError(ctx, http.StatusServiceUnavailable, err, nil)
	default:
		v1.HandleError(ctx, http.StatusInternalServerError, v1.ErrInternalServerError, nil)
	}
}
