package v1

var (
	// common errors
	ErrSuccess             = newError(0, "ok")
	ErrBadRequest          = newError(400, "bad request")
	ErrNotFound            = newError(404, "not found")
	ErrInternalServerError = newError(500, "internal server error")

	// migration errors
	ErrJobNotFound         = newError(3001, "migration job not found")
	ErrDispatchUnavailable = newError(3002, "task dispatch unavailable")
	ErrInvalidJobStatus    = newError(3003, "invalid job status filter")
)
