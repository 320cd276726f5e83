package server

import (
	"net/http"

	"github.com/rogersg17/demoApp-sub002/errors"
)

// statusFor maps a domain error to an HTTP status and error code.
// Classification is always by errors.Is against the sentinels.
func statusFor(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, errors.ErrCapacityExceeded):
		return http.StatusTooManyRequests, "CapacityExceeded"
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, errors.ErrInvalidTransition):
		return http.StatusConflict, "InvalidTransition"
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, errors.ErrInvalidRequest):
		return http.StatusBadRequest, "InvalidRequest"
	case errors.Is(err, errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "ServiceUnavailable"
	case errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout, "Timeout"
	case errors.Is(err, errors.ErrStorage):
		return http.StatusInternalServerError, "StorageFailure"
	}
	return http.StatusInternalServerError, "Internal"
}
