package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/events"
	"github.com/aman-churiwal/wa-throttle/internal/repository"
	"github.com/aman-churiwal/wa-throttle/internal/service"
	"github.com/gin-gonic/gin"
)

type AnalyticsReader interface {
	GetSummary(ctx context.Context, from, to time.Time) (*service.FleetSummary, error)
	GetEvents(ctx context.Context, filter repository.EventFilter) ([]events.Event, error)
}

type AnalyticsHandler struct {
	service AnalyticsReader
	stream  http.Handler
}

func NewAnalyticsHandler(service AnalyticsReader, stream http.Handler) *AnalyticsHandler {
	return &AnalyticsHandler{service: service, stream: stream}
}

// Handles GET /admin/summary
func (h *AnalyticsHandler) GetSummary(c *gin.Context) {
	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	summary, err := h.service.GetSummary(ctx, from, to)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Handles GET /v1/events
func (h *AnalyticsHandler) GetEvents(c *gin.Context) {
	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Parse pagination
	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	filter := repository.EventFilter{
		Stream:     c.Query("stream"),
		Kind:       c.Query("kind"),
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		KlienID:    c.Query("klien_id"),
		Trigger:    c.Query("trigger"),
		Since:      from,
		Until:      to,
		Limit:      limit,
		Offset:     offset,
	}

	ctx := c.Request.Context()
	list, err := h.service.GetEvents(ctx, filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": list,
		"limit":  limit,
		"offset": offset,
	})
}

// Handles GET /v1/events/stream (websocket upgrade)
func (h *AnalyticsHandler) Stream(c *gin.Context) {
	h.stream.ServeHTTP(c.Writer, c.Request)
}

// Parses 'from' and 'to' query parameters
func parseTimeRange(c *gin.Context) (time.Time, time.Time, error) {
	// Default: last 24 hours
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	if fromStr := c.Query("from"); fromStr != "" {
		parsed, err := parseTime(fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = parsed
	}

	if toStr := c.Query("to"); toStr != "" {
		parsed, err := parseTime(toStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = parsed
	}

	return from, to, nil
}

// RFC3339 or unix seconds
func parseTime(value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339, value)
	if err == nil {
		return parsed, nil
	}
	if timestamp, errUnix := strconv.ParseInt(value, 10, 64); errUnix == nil {
		return time.Unix(timestamp, 0), nil
	}
	return time.Time{}, err
}
