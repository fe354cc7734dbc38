package handler

import (
	"context"
	"net/http"

	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/gin-gonic/gin"
)

type ClientKeyManager interface {
	Create(ctx context.Context, name, createdBy, scope string) (string, *models.ClientKey, error)
	Get(ctx context.Context, id string) (*models.ClientKey, error)
	List(ctx context.Context) ([]models.ClientKey, error)
	Update(ctx context.Context, id string, updates map[string]interface{}) error
	Delete(ctx context.Context, id string) error
}

type ClientKeyHandler struct {
	service ClientKeyManager
}

func NewClientKeyHandler(service ClientKeyManager) *ClientKeyHandler {
	return &ClientKeyHandler{service: service}
}

func (h *ClientKeyHandler) Create(c *gin.Context) {
	var req struct {
		Name  string `json:"name" binding:"required"`
		Scope string `json:"scope"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	key, clientKey, err := h.service.Create(ctx, req.Name, actorOf(c), req.Scope)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":        key,
		"client_key": clientKey,
		"message":    "Save this key - it won't be shown again",
	})
}

func (h *ClientKeyHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	keys, err := h.service.List(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, keys)
}

func (h *ClientKeyHandler) Get(c *gin.Context) {
	id := c.Param("id")

	ctx := c.Request.Context()
	clientKey, err := h.service.Get(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}

	if clientKey == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Client key not found"})
		return
	}

	c.JSON(http.StatusOK, clientKey)
}

func (h *ClientKeyHandler) Update(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Scope    *string `json:"scope"`
		IsActive *bool   `json:"is_active"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := make(map[string]interface{})
	if req.Scope != nil {
		switch *req.Scope {
		case models.ScopeDispatch, models.ScopeWebhook, models.ScopeBilling, "all":
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown scope"})
			return
		}
		updates["scope"] = *req.Scope
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}

	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No fields to update"})
		return
	}

	ctx := c.Request.Context()
	if err := h.service.Update(ctx, id, updates); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Client key updated successfully"})
}

func (h *ClientKeyHandler) Delete(c *gin.Context) {
	id := c.Param("id")

	ctx := c.Request.Context()
	if err := h.service.Delete(ctx, id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Client key deleted successfully"})
}
