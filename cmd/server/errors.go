package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"backtest/services/jobs"
)

// APIError is the error body of every failed request
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

var errUnknownFormat = errors.New("format must be json, csv or arrow")

var (
	ErrInvalidParams = APIError{Code: "INVALID_PARAMS", Message: "Invalid parameters provided"}
	ErrRunNotFound   = APIError{Code: "RUN_NOT_FOUND", Message: "Run does not exist"}
	ErrRunNotReady   = APIError{Code: "RUN_NOT_READY", Message: "Run has not produced this result"}
	ErrRunFinished   = APIError{Code: "RUN_FINISHED", Message: "Run already finished"}
	ErrShuttingDown  = APIError{Code: "SHUTTING_DOWN", Message: "Service is shutting down"}
	ErrUnavailable   = APIError{Code: "UNAVAILABLE", Message: "Dependency unavailable"}
)

func (e APIError) With(err error) APIError {
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

func abort(c *gin.Context, status int, e APIError) {
	c.AbortWithStatusJSON(status, gin.H{"error": e})
}

// abortJobError maps runner errors onto the taxonomy
func abortJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		abort(c, http.StatusNotFound, ErrRunNotFound.With(err))
	case errors.Is(err, jobs.ErrJobFinished):
		abort(c, http.StatusConflict, ErrRunFinished.With(err))
	case errors.Is(err, jobs.ErrShuttingDown):
		abort(c, http.StatusServiceUnavailable, ErrShuttingDown)
	default:
		abort(c, http.StatusBadRequest, ErrInvalidParams.With(err))
	}
}
