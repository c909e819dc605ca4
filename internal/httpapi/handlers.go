package httpapi

import (
	"context"
	"errors"
	"net/http"

	"callaudit-engine/internal/campaign"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Campaigns *campaign.Service

	// Healthy reports backend dependency health for /healthz; nil means
	// always healthy.
	Healthy func(c *gin.Context) error
}

// writeError maps service errors onto HTTP statuses in one place so every
// handler agrees on the mapping.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
	case errors.Is(err, campaign.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, campaign.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// --- Campaigns ---

func (h Handlers) CreateCampaign(c *gin.Context) {
	var req campaign.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	created, err := h.Campaigns.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h Handlers) GetCampaign(c *gin.Context) {
	got, err := h.Campaigns.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, got)
}

func (h Handlers) GetCampaignStatus(c *gin.Context) {
	rep, err := h.Campaigns.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h Handlers) StartCampaign(c *gin.Context) {
	h.lifecycle(c, h.Campaigns.Start)
}

func (h Handlers) PauseCampaign(c *gin.Context) {
	h.lifecycle(c, h.Campaigns.Pause)
}

func (h Handlers) ResumeCampaign(c *gin.Context) {
	h.lifecycle(c, h.Campaigns.Resume)
}

func (h Handlers) CancelCampaign(c *gin.Context) {
	h.lifecycle(c, h.Campaigns.Cancel)
}

func (h Handlers) RetryFailedJobs(c *gin.Context) {
	h.lifecycle(c, h.Campaigns.RetryFailed)
}

// lifecycle is the shared shape of the id-only state-change endpoints.
func (h Handlers) lifecycle(c *gin.Context, op func(ctx context.Context, id string) (*campaign.Campaign, error)) {
	got, err := op(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, got)
}

func (h Handlers) UpdateCampaignConfig(c *gin.Context) {
	var upd campaign.ConfigUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	got, err := h.Campaigns.UpdateConfig(c.Request.Context(), c.Param("id"), upd)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, got)
}

type addJobsRequest struct {
	Jobs []campaign.JobInput `json:"jobs"`
}

func (h Handlers) AddJobs(c *gin.Context) {
	var req addJobsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	got, err := h.Campaigns.AddJobs(c.Request.Context(), c.Param("id"), req.Jobs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, got)
}

// --- Health ---

func (h Handlers) Healthz(c *gin.Context) {
	if h.Healthy != nil {
		if err := h.Healthy(c); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
