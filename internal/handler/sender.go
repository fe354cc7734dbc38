package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/warmup"
	"github.com/gin-gonic/gin"
)

type SenderService interface {
	Register(ctx context.Context, req warmup.RegisterRequest) (warmup.Limits, error)
	Limits(ctx context.Context, senderID string) (warmup.Limits, error)
	Snapshot(ctx context.Context, senderID string) (*models.SenderStatus, error)
	Force(ctx context.Context, senderID string, req warmup.ForceRequest) (warmup.Limits, error)
	Resume(ctx context.Context, senderID, actor, reason string) (warmup.Limits, error)
	ManualOverride(ctx context.Context, senderID string, state models.WarmupState, actor, reason string) (warmup.Limits, error)
}

type RiskReader interface {
	Get(ctx context.Context, entityType models.EntityType, entityID string) (*models.RiskScore, error)
}

type UsageReader interface {
	Usage(ctx context.Context, senderID, klienID string) (map[string]int64, error)
}

type SenderHandler struct {
	senders SenderService
	risk    RiskReader
	usage   UsageReader
}

func NewSenderHandler(senders SenderService, risk RiskReader, usage UsageReader) *SenderHandler {
	return &SenderHandler{senders: senders, risk: risk, usage: usage}
}

// Handles POST /v1/senders
func (h *SenderHandler) Register(c *gin.Context) {
	var req warmup.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limits, err := h.senders.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, limits)
}

// Handles GET /v1/senders/:id
func (h *SenderHandler) Get(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	limits, err := h.senders.Limits(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	status, err := h.senders.Snapshot(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"limits": limits,
		"status": status,
	}

	score, err := h.risk.Get(ctx, models.EntitySender, id)
	switch {
	case err == nil:
		resp["risk"] = score
	case !errors.Is(err, apperror.ErrNotFound):
		respondError(c, err)
		return
	}

	usage, err := h.usage.Usage(ctx, id, "")
	if err != nil {
		respondError(c, err)
		return
	}
	resp["usage"] = usage

	c.JSON(http.StatusOK, resp)
}

type senderActionRequest struct {
	Hours  int    `json:"hours"`
	Reason string `json:"reason"`
}

// Handles POST /admin/senders/:id/cooldown
func (h *SenderHandler) ForceCooldown(c *gin.Context) {
	h.force(c, models.WarmupCooldown)
}

// Handles POST /admin/senders/:id/suspend
func (h *SenderHandler) Suspend(c *gin.Context) {
	h.force(c, models.WarmupSuspended)
}

func (h *SenderHandler) force(c *gin.Context, state models.WarmupState) {
	var req senderActionRequest
	if err := bindOptional(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limits, err := h.senders.Force(c.Request.Context(), c.Param("id"), warmup.ForceRequest{
		State:  state,
		Hours:  req.Hours,
		Actor:  actorOf(c),
		Reason: req.Reason,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, limits)
}

// Handles POST /admin/senders/:id/resume
func (h *SenderHandler) Resume(c *gin.Context) {
	var req senderActionRequest
	if err := bindOptional(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limits, err := h.senders.Resume(c.Request.Context(), c.Param("id"), actorOf(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, limits)
}

// Handles PUT /admin/senders/:id/state
func (h *SenderHandler) SetState(c *gin.Context) {
	var req struct {
		State  models.WarmupState `json:"state" binding:"required"`
		Reason string             `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limits, err := h.senders.ManualOverride(c.Request.Context(), c.Param("id"), req.State, actorOf(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, limits)
}
