package handler

import (
	"context"
	"net/http"

	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/risk"
	"github.com/gin-gonic/gin"
)

type RiskOverrider interface {
	RiskReader
	SetOverride(ctx context.Context, entityType models.EntityType, entityID string, override risk.Override, actor, reason string) (*models.RiskScore, error)
}

type RiskHandler struct {
	scorer RiskOverrider
}

func NewRiskHandler(scorer RiskOverrider) *RiskHandler {
	return &RiskHandler{scorer: scorer}
}

// Handles GET /admin/risk/:type/:id
func (h *RiskHandler) Get(c *gin.Context) {
	score, err := h.scorer.Get(c.Request.Context(), models.EntityType(c.Param("type")), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, score)
}

// Handles PUT /admin/risk/:type/:id/override
func (h *RiskHandler) Override(c *gin.Context) {
	var req struct {
		Action risk.Override `json:"action" binding:"required"`
		Reason string        `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	score, err := h.scorer.SetOverride(c.Request.Context(), models.EntityType(c.Param("type")), c.Param("id"), req.Action, actorOf(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, score)
}
