package handler

import (
	"context"
	"net/http"

	"github.com/aman-churiwal/wa-throttle/internal/catalog"
	"github.com/aman-churiwal/wa-throttle/internal/circuitbreaker"
	"github.com/aman-churiwal/wa-throttle/internal/feedback"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type CatalogReloader interface {
	Reload() error
	Current() *catalog.Catalog
}

type SweepRunner interface {
	Sweep(ctx context.Context) feedback.Report
	LastReport() feedback.Report
}

// Handles system-related endpoints
type SystemHandler struct {
	breakers map[string]*circuitbreaker.CircuitBreaker
	catalog  CatalogReloader
	sweeper  SweepRunner
}

func NewSystemHandler(breakers map[string]*circuitbreaker.CircuitBreaker, registry CatalogReloader, sweeper SweepRunner) *SystemHandler {
	return &SystemHandler{
		breakers: breakers,
		catalog:  registry,
		sweeper:  sweeper,
	}
}

// Returns the status of all circuit breakers
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	statuses := make(map[string]interface{})

	for name, breaker := range h.breakers {
		metrics := breaker.Metrics()

		statuses[name] = gin.H{
			"state":             metrics.State.String(),
			"failure_count":     metrics.FailureCount,
			"success_count":     metrics.SuccessCount,
			"last_failure_time": metrics.LastFailureTime,
			"last_state_change": metrics.LastStateChange,
			"last_error":        metrics.LastError,
		}
	}

	c.JSON(http.StatusOK, statuses)
}

// Manually resets a circuit breaker
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	name := c.Param("name")

	breaker, exists := h.breakers[name]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Circuit breaker not found",
		})
		return
	}

	breaker.Reset()
	log.WithFields(log.Fields{"breaker": name, "actor": actorOf(c)}).Warn("circuit breaker reset by operator")

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"breaker": name,
	})
}

// Handles GET /admin/catalog
func (h *SystemHandler) Catalog(c *gin.Context) {
	c.JSON(http.StatusOK, h.catalog.Current())
}

// Handles POST /admin/catalog/reload. A rejected catalog leaves the
// current one in place.
func (h *SystemHandler) ReloadCatalog(c *gin.Context) {
	if err := h.catalog.Reload(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	log.WithField("actor", actorOf(c)).Info("catalog reloaded by operator")

	c.JSON(http.StatusOK, gin.H{
		"message": "Catalog reloaded successfully",
		"tiers":   len(h.catalog.Current().Tiers),
	})
}

// Handles GET /admin/sweeper
func (h *SystemHandler) SweepReport(c *gin.Context) {
	c.JSON(http.StatusOK, h.sweeper.LastReport())
}

// Handles POST /admin/sweeper/run
func (h *SystemHandler) RunSweep(c *gin.Context) {
	report := h.sweeper.Sweep(c.Request.Context())
	log.WithField("actor", actorOf(c)).Info("sweep run by operator")
	c.JSON(http.StatusOK, report)
}
