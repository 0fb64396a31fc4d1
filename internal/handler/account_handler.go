package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"email-intel-go/internal/connector"
	"email-intel-go/internal/model"
	"email-intel-go/internal/syncer"
)

// ListAccounts returns all accounts of the caller's organization
func (h *Handlers) ListAccounts(c *gin.Context) {
	var accounts []model.EmailAccount
	if err := h.db.Where("org_id = ?", orgID(c)).Order("created_at").Find(&accounts).Error; err != nil {
		logrus.Errorf("Failed to list accounts: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "database_error", Message: "Failed to list accounts", Code: http.StatusInternalServerError,
		})
		return
	}

	responses := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		responses = append(responses, accountResponse(&a))
	}
	c.JSON(http.StatusOK, responses)
}

// CreateIMAPAccount provisions a password-based account. The connection is
// tested live before anything is persisted, so a typo never produces a dead
// account.
func (h *Handlers) CreateIMAPAccount(c *gin.Context) {
	var req IMAPAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "validation_error", Message: err.Error(), Code: http.StatusBadRequest,
		})
		return
	}

	useTLS := true
	if req.TLS != nil {
		useTLS = *req.TLS
	}
	imapConfig := connector.IMAPConfig{
		Host:     req.Host,
		Port:     req.Port,
		User:     req.User,
		Password: req.Password,
		TLS:      useTLS,
	}

	if err := connector.TestIMAPConnection(imapConfig); err != nil {
		logrus.Warnf("IMAP connection test failed for %s: %v", req.Host, err)
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: "connection_failed", Message: "Could not connect to the IMAP server with the given credentials", Code: http.StatusUnprocessableEntity,
		})
		return
	}

	credentialRef := uuid.New().String()
	if err := h.credentials.StoreIMAPConfig(credentialRef, imapConfig); err != nil {
		logrus.Errorf("Failed to store IMAP credentials: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "credential_error", Message: "Failed to store credentials", Code: http.StatusInternalServerError,
		})
		return
	}

	account := model.EmailAccount{
		ID:            uuid.New().String(),
		OrgID:         orgID(c),
		Provider:      model.ProviderIMAP,
		EmailAddress:  req.EmailAddress,
		CredentialRef: credentialRef,
		Active:        true,
	}
	if err := h.db.Create(&account).Error; err != nil {
		logrus.Errorf("Failed to create IMAP account: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "database_error", Message: "Failed to create account", Code: http.StatusInternalServerError,
		})
		return
	}

	logrus.Infof("Provisioned IMAP account %s (%s)", account.ID, account.EmailAddress)
	c.JSON(http.StatusCreated, accountResponse(&account))
}

// SyncAccount triggers a manual sync and reports how many messages were
// processed.
func (h *Handlers) SyncAccount(c *gin.Context) {
	account, ok := h.loadOrgAccount(c)
	if !ok {
		return
	}

	processed, err := h.syncer.SyncAccount(c.Request.Context(), account)
	if err != nil {
		h.writeSyncError(c, account.ID, err)
		return
	}

	c.JSON(http.StatusOK, SyncResponse{AccountID: account.ID, Processed: processed})
}

// writeSyncError maps a sync failure to its HTTP response. Caller mistakes
// (inactive account, provider no connector exists for) are 4xx; provider-side
// failures are 502.
func (h *Handlers) writeSyncError(c *gin.Context, accountID string, err error) {
	switch {
	case errors.Is(err, syncer.ErrAccountInactive):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: "account_inactive", Message: "Account is deactivated", Code: http.StatusConflict,
		})
	case errors.Is(err, syncer.ErrUnsupportedProvider):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "unsupported_provider", Message: "Account has an unsupported provider kind", Code: http.StatusBadRequest,
		})
	default:
		logrus.Errorf("Manual sync failed for account %s: %v", accountID, err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: "sync_failed", Message: "Failed to sync account", Code: http.StatusBadGateway,
		})
	}
}

// DeactivateAccount stops all syncing for an account without deleting its
// ingested data.
func (h *Handlers) DeactivateAccount(c *gin.Context) {
	account, ok := h.loadOrgAccount(c)
	if !ok {
		return
	}

	if err := h.db.Model(account).Update("active", false).Error; err != nil {
		logrus.Errorf("Failed to deactivate account %s: %v", account.ID, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "database_error", Message: "Failed to deactivate account", Code: http.StatusInternalServerError,
		})
		return
	}

	account.Active = false
	c.JSON(http.StatusOK, accountResponse(account))
}

// loadOrgAccount resolves the :id path parameter within the caller's org,
// writing the error response itself when the account cannot be served.
func (h *Handlers) loadOrgAccount(c *gin.Context) (*model.EmailAccount, bool) {
	var account model.EmailAccount
	err := h.db.Where("id = ? AND org_id = ?", c.Param("id"), orgID(c)).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "not_found", Message: "Account not found", Code: http.StatusNotFound,
			})
		} else {
			logrus.Errorf("Failed to load account: %v", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: "database_error", Message: "Failed to load account", Code: http.StatusInternalServerError,
			})
		}
		return nil, false
	}
	return &account, true
}

func accountResponse(a *model.EmailAccount) AccountResponse {
	return AccountResponse{
		ID:           a.ID,
		Provider:     a.Provider,
		EmailAddress: a.EmailAddress,
		Active:       a.Active,
		LastSyncedAt: a.LastSyncedAt,
		CreatedAt:    a.CreatedAt,
	}
}
