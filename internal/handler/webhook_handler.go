package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GmailWebhook handles Pub/Sub push notifications for Gmail accounts. A
// failed sync answers 5xx so Pub/Sub redelivers; idempotent processing makes
// the retry safe. Notifications for unknown addresses are acked and dropped.
func (h *Handlers) GmailWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid_payload", Message: "Failed to read request body", Code: http.StatusBadRequest,
		})
		return
	}

	if err := h.syncer.HandleGmailNotification(c.Request.Context(), payload); err != nil {
		logrus.Errorf("Gmail notification handling failed: %v", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: "sync_failed", Message: "Failed to process notification", Code: http.StatusBadGateway,
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// MicrosoftWebhook handles Microsoft Graph change notifications. Subscription
// validation requests carry a validationToken query parameter and must be
// echoed back as plain text.
func (h *Handlers) MicrosoftWebhook(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, token)
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid_payload", Message: "Failed to read request body", Code: http.StatusBadRequest,
		})
		return
	}

	if err := h.syncer.HandleGraphNotification(c.Request.Context(), payload); err != nil {
		logrus.Errorf("Graph notification handling failed: %v", err)
	}
	c.Status(http.StatusAccepted)
}
