package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/aman-churiwal/wa-throttle/internal/abuse"
	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/catalog"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/gin-gonic/gin"
)

type TierAssigner interface {
	Assign(ctx context.Context, klienID, segment, actor string) (*models.KlienTier, error)
	TierForKlien(ctx context.Context, klienID string) (catalog.Tier, error)
}

type RestrictionService interface {
	Restriction(ctx context.Context, klienID string) (models.UserRestriction, error)
	Override(ctx context.Context, klienID string, req abuse.OverrideRequest) (models.UserRestriction, error)
}

// Tenant (klien) endpoints: tier assignment, snapshot and restriction overrides
type KlienHandler struct {
	tiers        TierAssigner
	restrictions RestrictionService
	risk         RiskReader
	usage        UsageReader
}

func NewKlienHandler(tiers TierAssigner, restrictions RestrictionService, risk RiskReader, usage UsageReader) *KlienHandler {
	return &KlienHandler{tiers: tiers, restrictions: restrictions, risk: risk, usage: usage}
}

// Handles PUT /v1/klien/:id/tier
func (h *KlienHandler) AssignTier(c *gin.Context) {
	var req struct {
		Segment string `json:"segment" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	assignment, err := h.tiers.Assign(c.Request.Context(), c.Param("id"), req.Segment, actorOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, assignment)
}

// Handles GET /v1/klien/:id
func (h *KlienHandler) Get(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	tier, err := h.tiers.TierForKlien(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	restriction, err := h.restrictions.Restriction(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"klien_id":    id,
		"tier":        tier,
		"restriction": restriction,
	}

	score, err := h.risk.Get(ctx, models.EntityUser, id)
	switch {
	case err == nil:
		resp["risk"] = score
	case !errors.Is(err, apperror.ErrNotFound):
		respondError(c, err)
		return
	}

	usage, err := h.usage.Usage(ctx, "", id)
	if err != nil {
		respondError(c, err)
		return
	}
	resp["usage"] = usage

	c.JSON(http.StatusOK, resp)
}

// Handles POST /admin/klien/:id/restriction
func (h *KlienHandler) OverrideRestriction(c *gin.Context) {
	var req abuse.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Actor = actorOf(c)

	restriction, err := h.restrictions.Override(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, restriction)
}
