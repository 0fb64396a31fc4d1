package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	"gorm.io/gorm"

	"email-intel-go/internal/model"
)

var microsoftEndpoint = oauth2.Endpoint{
	AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
	TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
}

func (h *Handlers) gmailOAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     h.cfg.Gmail.ClientID,
		ClientSecret: h.cfg.Gmail.ClientSecret,
		RedirectURL:  h.cfg.Gmail.RedirectURI,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmailapi.GmailReadonlyScope},
	}
}

func (h *Handlers) microsoftOAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     h.cfg.Microsoft.ClientID,
		ClientSecret: h.cfg.Microsoft.ClientSecret,
		RedirectURL:  h.cfg.Microsoft.RedirectURI,
		Endpoint:     microsoftEndpoint,
		Scopes:       []string{"offline_access", "User.Read", "Mail.Read"},
	}
}

// GmailAuthorize returns the Google consent URL for connecting a mailbox
func (h *Handlers) GmailAuthorize(c *gin.Context) {
	h.authorize(c, h.gmailOAuthConfig(), oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// MicrosoftAuthorize returns the Microsoft consent URL for connecting a
// mailbox.
func (h *Handlers) MicrosoftAuthorize(c *gin.Context) {
	h.authorize(c, h.microsoftOAuthConfig())
}

func (h *Handlers) authorize(c *gin.Context, cfg *oauth2.Config, opts ...oauth2.AuthCodeOption) {
	state, err := h.signState(orgID(c))
	if err != nil {
		logrus.Errorf("Failed to sign OAuth state: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "state_error", Message: "Failed to start OAuth flow", Code: http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, AuthorizeResponse{AuthURL: cfg.AuthCodeURL(state, opts...)})
}

// GmailCallback completes the Google OAuth flow and provisions the account
func (h *Handlers) GmailCallback(c *gin.Context) {
	h.oauthCallback(c, model.ProviderGmail, h.gmailOAuthConfig(), h.gmailProfileAddress)
}

// MicrosoftCallback completes the Microsoft OAuth flow and provisions the
// account.
func (h *Handlers) MicrosoftCallback(c *gin.Context) {
	h.oauthCallback(c, model.ProviderM365, h.microsoftOAuthConfig(), h.graphProfileAddress)
}

func (h *Handlers) oauthCallback(c *gin.Context, provider model.Provider, cfg *oauth2.Config, profileAddress func(context.Context, *oauth2.Token) (string, error)) {
	org, err := h.verifyState(c.Query("state"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid_state", Message: "OAuth state is missing or expired", Code: http.StatusBadRequest,
		})
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "missing_code", Message: "No authorization code in callback", Code: http.StatusBadRequest,
		})
		return
	}

	token, err := cfg.Exchange(c.Request.Context(), code)
	if err != nil {
		logrus.Errorf("OAuth code exchange failed for %s: %v", provider, err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: "exchange_failed", Message: "Failed to exchange authorization code", Code: http.StatusBadGateway,
		})
		return
	}

	address, err := profileAddress(c.Request.Context(), token)
	if err != nil {
		logrus.Errorf("Failed to resolve mailbox address for %s: %v", provider, err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: "profile_failed", Message: "Failed to resolve mailbox address", Code: http.StatusBadGateway,
		})
		return
	}

	account, err := h.upsertOAuthAccount(org, provider, address)
	if err != nil {
		logrus.Errorf("Failed to provision %s account for %s: %v", provider, address, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "database_error", Message: "Failed to provision account", Code: http.StatusInternalServerError,
		})
		return
	}

	if err := h.credentials.StoreOAuthTokens(account.CredentialRef, token.AccessToken, token.RefreshToken, token.Expiry); err != nil {
		logrus.Errorf("Failed to store OAuth tokens for account %s: %v", account.ID, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "credential_error", Message: "Failed to store credentials", Code: http.StatusInternalServerError,
		})
		return
	}

	logrus.Infof("Connected %s account %s (%s)", provider, account.ID, address)
	c.JSON(http.StatusOK, accountResponse(account))
}

// upsertOAuthAccount reuses an existing account for the same mailbox so a
// reconnect refreshes credentials instead of duplicating the account.
func (h *Handlers) upsertOAuthAccount(org string, provider model.Provider, address string) (*model.EmailAccount, error) {
	var account model.EmailAccount
	err := h.db.Where("org_id = ? AND provider = ? AND email_address = ?", org, provider, address).First(&account).Error
	if err == nil {
		if !account.Active {
			account.Active = true
			if err := h.db.Save(&account).Error; err != nil {
				return nil, err
			}
		}
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	account = model.EmailAccount{
		ID:            uuid.New().String(),
		OrgID:         org,
		Provider:      provider,
		EmailAddress:  address,
		CredentialRef: uuid.New().String(),
		Active:        true,
	}
	if err := h.db.Create(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// gmailProfileAddress resolves the mailbox address behind a Google token
func (h *Handlers) gmailProfileAddress(ctx context.Context, token *oauth2.Token) (string, error) {
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return "", fmt.Errorf("failed to create gmail service: %w", err)
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to fetch gmail profile: %w", err)
	}
	return profile.EmailAddress, nil
}

// graphProfileAddress resolves the mailbox address behind a Microsoft token
func (h *Handlers) graphProfileAddress(ctx context.Context, token *oauth2.Token) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://graph.microsoft.com/v1.0/me", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch profile: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read profile response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("profile request failed with status %d", resp.StatusCode)
	}

	var profile struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return "", fmt.Errorf("invalid profile response: %w", err)
	}
	if profile.Mail != "" {
		return profile.Mail, nil
	}
	if profile.UserPrincipalName != "" {
		return profile.UserPrincipalName, nil
	}
	return "", fmt.Errorf("profile has no mailbox address")
}
