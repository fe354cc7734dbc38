package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type ClientKeyValidatorService interface {
	Validate(ctx context.Context, key string) (*models.ClientKey, error)
	UpdateLastUsed(ctx context.Context, id uuid.UUID)
}

// Requires a client key allowed to call endpoints of the given scope
func ClientKeyValidator(keys ClientKeyValidatorService, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyHeader := strings.TrimSpace(c.GetHeader("X-API-Key"))
		if keyHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "X-API-Key header required",
			})
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		clientKey, err := keys.Validate(ctx, keyHeader)
		if err != nil {
			log.WithError(err).WithField("request_id", c.GetString("request_id")).Error("client key lookup failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Unable to validate API key",
			})
			c.Abort()
			return
		}
		if clientKey == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid API key",
			})
			c.Abort()
			return
		}
		if !clientKey.Allows(scope) {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "API key not allowed for this endpoint",
			})
			c.Abort()
			return
		}

		c.Set("client_key", clientKey)
		c.Set("client_key_id", clientKey.ID)
		c.Set("actor", "key:"+clientKey.Name)

		go keys.UpdateLastUsed(context.WithoutCancel(ctx), clientKey.ID)

		c.Next()
	}
}
