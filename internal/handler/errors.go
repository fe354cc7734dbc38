package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Maps a service error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperror.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, apperror.ErrConflict),
		errors.Is(err, apperror.ErrInvalidTransition),
		errors.Is(err, apperror.ErrTerminalState):
		return http.StatusConflict
	case apperror.IsStale(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithFields(log.Fields{
			"request_id": c.GetString("request_id"),
			"path":       c.FullPath(),
		}).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Actor stamped by the auth middleware, for audit fields
func actorOf(c *gin.Context) string {
	if actor := c.GetString("actor"); actor != "" {
		return actor
	}
	return "anonymous"
}

// Binds a JSON body that may be omitted entirely
func bindOptional(c *gin.Context, v interface{}) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
