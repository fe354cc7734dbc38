package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/aman-churiwal/wa-throttle/internal/feedback"
	"github.com/aman-churiwal/wa-throttle/internal/throttle"
	"github.com/gin-gonic/gin"
)

type Admitter interface {
	Admit(ctx context.Context, req throttle.Request) throttle.Decision
}

type FeedbackProcessor interface {
	HandleOutcome(ctx context.Context, o feedback.Outcome) error
	HandleProviderEvent(ctx context.Context, e feedback.ProviderEvent) error
}

// Handles the dispatch pipeline's calls: admission and delivery feedback
type ThrottleHandler struct {
	engine   Admitter
	feedback FeedbackProcessor
}

func NewThrottleHandler(engine Admitter, processor FeedbackProcessor) *ThrottleHandler {
	return &ThrottleHandler{engine: engine, feedback: processor}
}

// Handles POST /v1/admit. A denial is a decision, not an error: it is
// answered with 429 and the decision body.
func (h *ThrottleHandler) Admit(c *gin.Context) {
	var req throttle.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision := h.engine.Admit(c.Request.Context(), req)

	status := http.StatusOK
	if !decision.Allow {
		status = http.StatusTooManyRequests
		if seconds := decision.RetryAfterSeconds(); seconds > 0 {
			c.Header("Retry-After", strconv.FormatInt(seconds, 10))
		}
	}

	c.JSON(status, gin.H{
		"allow":              decision.Allow,
		"reason":             decision.Reason,
		"message":            decision.Message(),
		"retry_after_ms":     decision.RetryAfterMs(),
		"warmup_state":       decision.State,
		"restriction_status": decision.RestrictionStatus,
		"decided_at":         decision.DecidedAt,
	})
}

// Handles POST /v1/outcomes
func (h *ThrottleHandler) Outcome(c *gin.Context) {
	var req feedback.Outcome
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.feedback.HandleOutcome(c.Request.Context(), req); err != nil {
		respondQueued(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Outcome accepted"})
}

// Handles POST /v1/webhooks/provider
func (h *ThrottleHandler) ProviderWebhook(c *gin.Context) {
	var req feedback.ProviderEvent
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.feedback.HandleProviderEvent(c.Request.Context(), req); err != nil {
		respondQueued(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Provider event accepted"})
}

// A full worker pool asks the caller to retry instead of failing
func respondQueued(c *gin.Context, err error) {
	if status := statusFor(err); status != http.StatusInternalServerError {
		respondError(c, err)
		return
	}
	c.Header("Retry-After", "1")
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
}
