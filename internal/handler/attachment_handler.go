package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"email-intel-go/internal/model"
	"email-intel-go/internal/storage"
)

// CreateDownloadURL issues a signed, short-lived download link for one
// attachment.
func (h *Handlers) CreateDownloadURL(c *gin.Context) {
	attachment, ok := h.loadOrgAttachment(c, c.Param("id"))
	if !ok {
		return
	}

	link, err := h.signedLink(attachment)
	if err != nil {
		logrus.Errorf("Failed to sign download URL for attachment %s: %v", attachment.ID, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "signing_error", Message: "Failed to create download URL", Code: http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, link)
}

// CreateDownloadURLs issues signed links for a batch of attachments. Each
// entry succeeds or fails on its own.
func (h *Handlers) CreateDownloadURLs(c *gin.Context) {
	var req DownloadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "validation_error", Message: err.Error(), Code: http.StatusBadRequest,
		})
		return
	}

	results := make([]DownloadURLResult, 0, len(req.AttachmentIDs))
	for _, id := range req.AttachmentIDs {
		var attachment model.Attachment
		err := h.db.Where("id = ? AND org_id = ?", id, orgID(c)).First(&attachment).Error
		if err != nil {
			results = append(results, DownloadURLResult{AttachmentID: id, Error: "not_found"})
			continue
		}

		link, err := h.signedLink(&attachment)
		if err != nil {
			logrus.Errorf("Failed to sign download URL for attachment %s: %v", id, err)
			results = append(results, DownloadURLResult{AttachmentID: id, Error: "signing_error"})
			continue
		}
		results = append(results, DownloadURLResult{
			AttachmentID: link.AttachmentID,
			URL:          link.URL,
			ExpiresAt:    link.ExpiresAt,
		})
	}
	c.JSON(http.StatusOK, results)
}

// DownloadAttachment redeems a signed token and streams the file
func (h *Handlers) DownloadAttachment(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "missing_token", Message: "No download token provided", Code: http.StatusBadRequest,
		})
		return
	}

	data, fileName, mimeType, err := h.blobs.Redeem(token)
	if err != nil {
		status := http.StatusForbidden
		message := "Download token is invalid or expired"
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
			message = "Attachment no longer exists"
		}
		c.JSON(status, ErrorResponse{Error: "download_failed", Message: message, Code: status})
		return
	}

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	c.Data(http.StatusOK, mimeType, data)
}

func (h *Handlers) signedLink(attachment *model.Attachment) (DownloadURLResponse, error) {
	token, expiresAt, err := h.blobs.SignDownload(attachment.StoragePath, attachment.FileName, attachment.MimeType)
	if err != nil {
		return DownloadURLResponse{}, err
	}
	return DownloadURLResponse{
		AttachmentID: attachment.ID,
		URL:          "/attachments/download?token=" + url.QueryEscape(token),
		ExpiresAt:    expiresAt,
	}, nil
}

func (h *Handlers) loadOrgAttachment(c *gin.Context, id string) (*model.Attachment, bool) {
	var attachment model.Attachment
	err := h.db.Where("id = ? AND org_id = ?", id, orgID(c)).First(&attachment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "not_found", Message: "Attachment not found", Code: http.StatusNotFound,
			})
		} else {
			logrus.Errorf("Failed to load attachment: %v", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: "database_error", Message: "Failed to load attachment", Code: http.StatusInternalServerError,
			})
		}
		return nil, false
	}
	return &attachment, true
}
