package handler

import (
	"time"

	"email-intel-go/internal/model"
)

// IMAPAccountRequest is the payload for provisioning an IMAP account
type IMAPAccountRequest struct {
	EmailAddress string `json:"email_address" binding:"required,email"`
	Host         string `json:"host" binding:"required"`
	Port         int    `json:"port" binding:"required"`
	User         string `json:"user" binding:"required"`
	Password     string `json:"password" binding:"required"`
	TLS          *bool  `json:"tls"`
}

// AccountResponse is the API view of an email account. Credential material
// never appears here.
type AccountResponse struct {
	ID           string         `json:"id"`
	Provider     model.Provider `json:"provider"`
	EmailAddress string         `json:"email_address"`
	Active       bool           `json:"active"`
	LastSyncedAt *time.Time     `json:"last_synced_at"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SyncResponse reports the outcome of a manual sync
type SyncResponse struct {
	AccountID string `json:"account_id"`
	Processed int    `json:"processed"`
}

// DownloadURLRequest asks for signed links for a set of attachments
type DownloadURLRequest struct {
	AttachmentIDs []string `json:"attachment_ids" binding:"required,min=1"`
}

// DownloadURLResponse is one signed download link
type DownloadURLResponse struct {
	AttachmentID string    `json:"attachment_id"`
	URL          string    `json:"url"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// DownloadURLResult is the per-attachment outcome in a batch request
type DownloadURLResult struct {
	AttachmentID string    `json:"attachment_id"`
	URL          string    `json:"url,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// AuthorizeResponse carries the provider consent URL to redirect the user to
type AuthorizeResponse struct {
	AuthURL string `json:"auth_url"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Metrics   map[string]string `json:"metrics,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
