package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"email-intel-go/internal/config"
	"email-intel-go/internal/credentials"
	metricsPkg "email-intel-go/internal/metrics"
	"email-intel-go/internal/model"
	"email-intel-go/internal/storage"
	"email-intel-go/internal/syncer"
)

// SyncService is the part of the sync orchestrator the HTTP layer drives
type SyncService interface {
	SyncAccount(ctx context.Context, account *model.EmailAccount) (int, error)
	HandleGmailNotification(ctx context.Context, payload []byte) error
	HandleGraphNotification(ctx context.Context, payload []byte) error
}

// Handlers contains all HTTP handlers
type Handlers struct {
	db          *gorm.DB
	cfg         *config.Config
	credentials *credentials.Provider
	syncer      SyncService
	scheduler   *syncer.Scheduler
	blobs       *storage.Store
	metrics     *metricsPkg.Metrics
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *gorm.DB, cfg *config.Config, creds *credentials.Provider, sync SyncService, sched *syncer.Scheduler, blobs *storage.Store, metrics *metricsPkg.Metrics) *Handlers {
	return &Handlers{
		db:          db,
		cfg:         cfg,
		credentials: creds,
		syncer:      sync,
		scheduler:   sched,
		blobs:       blobs,
		metrics:     metrics,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider push endpoints authenticate by payload, not by user token.
	router.POST("/webhooks/gmail", h.GmailWebhook)
	router.POST("/webhooks/microsoft", h.MicrosoftWebhook)

	// OAuth callbacks arrive as provider redirects; the signed state
	// parameter carries the requesting identity.
	router.GET("/oauth/gmail/callback", h.GmailCallback)
	router.GET("/oauth/microsoft/callback", h.MicrosoftCallback)

	// Download links are pre-authorized by their signed token.
	router.GET("/attachments/download", h.DownloadAttachment)

	api := router.Group("/api/v1")
	api.Use(h.AuthMiddleware())
	{
		api.GET("/accounts", h.ListAccounts)
		api.POST("/accounts/imap", h.CreateIMAPAccount)
		api.POST("/accounts/:id/sync", h.SyncAccount)
		api.PATCH("/accounts/:id/deactivate", h.DeactivateAccount)

		api.GET("/oauth/gmail/authorize", h.GmailAuthorize)
		api.GET("/oauth/microsoft/authorize", h.MicrosoftAuthorize)

		api.POST("/attachments/:id/download-url", h.CreateDownloadURL)
		api.POST("/attachments/download-urls", h.CreateDownloadURLs)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Metrics:   make(map[string]string),
	}

	if err := h.db.Raw("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.scheduler != nil && h.scheduler.IsRunning() {
		response.Metrics["scheduler"] = "running"
	} else {
		response.Metrics["scheduler"] = "stopped"
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}
