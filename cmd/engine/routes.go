package main

import (
	"callaudit-engine/internal/campaign"
	"callaudit-engine/internal/httpapi"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, svc *campaign.Service, healthy func(c *gin.Context) error) {
	h := httpapi.Handlers{Campaigns: svc, Healthy: healthy}

	// public
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	{
		campaigns := v1.Group("/campaigns")
		{
			campaigns.POST("", h.CreateCampaign)
			campaigns.GET("/:id", h.GetCampaign)
			campaigns.GET("/:id/status", h.GetCampaignStatus)
			campaigns.PATCH("/:id/config", h.UpdateCampaignConfig)
			campaigns.POST("/:id/jobs", h.AddJobs)

			campaigns.POST("/:id/start", h.StartCampaign)
			campaigns.POST("/:id/pause", h.PauseCampaign)
			campaigns.POST("/:id/resume", h.ResumeCampaign)
			campaigns.POST("/:id/cancel", h.CancelCampaign)
			campaigns.POST("/:id/retry-failed", h.RetryFailedJobs)
		}
	}
}
