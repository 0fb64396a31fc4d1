package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"email-intel-go/internal/config"
	"email-intel-go/internal/credentials"
	"email-intel-go/internal/model"
	"email-intel-go/internal/storage"
	"email-intel-go/internal/syncer"
)

// stubSyncService replaces the sync orchestrator behind the HTTP layer.
type stubSyncService struct {
	syncErr       error
	gmailErr      error
	graphErr      error
	processed     int
	gmailPayloads [][]byte
}

func (s *stubSyncService) SyncAccount(ctx context.Context, account *model.EmailAccount) (int, error) {
	return s.processed, s.syncErr
}

func (s *stubSyncService) HandleGmailNotification(ctx context.Context, payload []byte) error {
	s.gmailPayloads = append(s.gmailPayloads, payload)
	return s.gmailErr
}

func (s *stubSyncService) HandleGraphNotification(ctx context.Context, payload []byte) error {
	return s.graphErr
}

func newTestHandlers(t *testing.T) *Handlers {
	gin.SetMode(gin.TestMode)

	blobs, err := storage.NewStore(config.StorageConfig{
		RootDir:       t.TempDir(),
		URLSigningKey: "test-signing-key",
		URLTTL:        time.Hour,
	})
	assert.NoError(t, err)

	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "test-jwt-secret"
	return &Handlers{cfg: cfg, blobs: blobs}
}

// newTestHandlersDB additionally wires a throwaway database and a real
// credential vault on top of it.
func newTestHandlersDB(t *testing.T) *Handlers {
	h := newTestHandlers(t)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.EmailAccount{}, &model.Credential{}))
	h.db = db

	h.cfg.Vault.EncryptionKey = "test-vault-key"
	creds, err := credentials.NewProvider(db, h.cfg)
	assert.NoError(t, err)
	h.credentials = creds
	return h
}

// withOrg stands in for the auth middleware on routes under test.
func withOrg(org string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("org_id", org)
	}
}

func signTestToken(t *testing.T, secret, org, user string) string {
	claims := apiClaims{
		OrgID: org,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	assert.NoError(t, err)
	return token
}

func TestMicrosoftWebhookEchoesValidationToken(t *testing.T) {
	h := newTestHandlers(t)

	r := gin.New()
	r.POST("/webhooks/microsoft", h.MicrosoftWebhook)

	validationToken := "Validation: abc+123"
	req := httptest.NewRequest(http.MethodPost, "/webhooks/microsoft?validationToken="+url.QueryEscape(validationToken), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, validationToken, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
}

func TestGmailWebhookStatusDrivesRedelivery(t *testing.T) {
	h := newTestHandlers(t)
	stub := &stubSyncService{gmailErr: errors.New("history list failed")}
	h.syncer = stub

	r := gin.New()
	r.POST("/webhooks/gmail", h.GmailWebhook)

	// A failed sync must answer 5xx so Pub/Sub delivers the notification
	// again.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gmail", strings.NewReader(`{"message": {"data": "e30="}}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	stub.gmailErr = nil
	req = httptest.NewRequest(http.MethodPost, "/webhooks/gmail", strings.NewReader(`{"message": {"data": "e30="}}`))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	assert.Len(t, stub.gmailPayloads, 2)
}

func TestCreateIMAPAccountFailedConnectionPersistsNothing(t *testing.T) {
	h := newTestHandlersDB(t)

	r := gin.New()
	r.POST("/accounts/imap", withOrg("org-1"), h.CreateIMAPAccount)

	// Port 1 on localhost refuses the connection immediately.
	body := `{"email_address": "user@example.com", "host": "127.0.0.1", "port": 1, "user": "u", "password": "p"}`
	req := httptest.NewRequest(http.MethodPost, "/accounts/imap", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var accounts, creds int64
	assert.NoError(t, h.db.Model(&model.EmailAccount{}).Count(&accounts).Error)
	assert.NoError(t, h.db.Model(&model.Credential{}).Count(&creds).Error)
	assert.Zero(t, accounts)
	assert.Zero(t, creds)
}

func TestSyncAccountErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"unsupported provider", syncer.ErrUnsupportedProvider, http.StatusBadRequest},
		{"inactive account", syncer.ErrAccountInactive, http.StatusConflict},
		{"provider failure", errors.New("upstream timeout"), http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandlersDB(t)
			account := model.EmailAccount{
				ID:            "acc-1",
				OrgID:         "org-1",
				Provider:      model.ProviderGmail,
				EmailAddress:  "user@example.com",
				CredentialRef: "cred-1",
				Active:        true,
			}
			assert.NoError(t, h.db.Create(&account).Error)
			h.syncer = &stubSyncService{syncErr: fmt.Errorf("account acc-1: %w", tc.err)}

			r := gin.New()
			r.POST("/accounts/:id/sync", withOrg("org-1"), h.SyncAccount)

			req := httptest.NewRequest(http.MethodPost, "/accounts/acc-1/sync", nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	h := newTestHandlers(t)

	r := gin.New()
	r.GET("/protected", h.AuthMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareRejectsBadToken(t *testing.T) {
	h := newTestHandlers(t)

	r := gin.New()
	r.GET("/protected", h.AuthMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	wrongKey := signTestToken(t, "other-secret", "org-1", "user-1")
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+wrongKey)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewarePopulatesIdentity(t *testing.T) {
	h := newTestHandlers(t)

	var gotOrg, gotUser string
	r := gin.New()
	r.GET("/protected", h.AuthMiddleware(), func(c *gin.Context) {
		gotOrg = c.GetString("org_id")
		gotUser = c.GetString("user_id")
		c.Status(http.StatusOK)
	})

	token := signTestToken(t, "test-jwt-secret", "org-1", "user-1")
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "org-1", gotOrg)
	assert.Equal(t, "user-1", gotUser)
}

func TestDownloadAttachmentServesSignedToken(t *testing.T) {
	h := newTestHandlers(t)

	path, err := h.blobs.Save("org-1", "email-1", "invoice.pdf", []byte("pdf-bytes"))
	assert.NoError(t, err)
	token, _, err := h.blobs.SignDownload(path, "invoice.pdf", "application/pdf")
	assert.NoError(t, err)

	r := gin.New()
	r.GET("/attachments/download", h.DownloadAttachment)

	req := httptest.NewRequest(http.MethodGet, "/attachments/download?token="+url.QueryEscape(token), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pdf-bytes", w.Body.String())
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "invoice.pdf")
}

func TestDownloadAttachmentRejectsBadToken(t *testing.T) {
	h := newTestHandlers(t)

	r := gin.New()
	r.GET("/attachments/download", h.DownloadAttachment)

	req := httptest.NewRequest(http.MethodGet, "/attachments/download?token=garbage", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/attachments/download", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOAuthStateRoundTrip(t *testing.T) {
	h := newTestHandlers(t)

	state, err := h.signState("org-7")
	assert.NoError(t, err)

	org, err := h.verifyState(state)
	assert.NoError(t, err)
	assert.Equal(t, "org-7", org)

	_, err = h.verifyState("bogus")
	assert.Error(t, err)
}
