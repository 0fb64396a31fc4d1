package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"gorm.io/gorm"

	"email-intel-go/internal/config"
	"email-intel-go/internal/connector"
	"email-intel-go/internal/model"
)

// Token refresh safety buffer before the recorded expiry.
const refreshBuffer = 5 * time.Minute

const microsoftTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"

var (
	// ErrNotFound indicates no credential exists for the account reference
	ErrNotFound = errors.New("credential not found")
	// ErrRefreshFailed indicates the token could not be refreshed
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrNotConfigured indicates the credential row lacks the expected material
	ErrNotConfigured = errors.New("credential not configured")
)

// Provider resolves valid credentials for opaque account references,
// refreshing OAuth tokens transparently when they are near expiry.
type Provider struct {
	db         *gorm.DB
	gmail      config.OAuthProvider
	microsoft  config.OAuthProvider
	key        []byte
	tokenURL   string
	httpClient *http.Client
}

// NewProvider creates a credential provider backed by the vault table
func NewProvider(db *gorm.DB, cfg *config.Config) (*Provider, error) {
	key, err := deriveKey(cfg.Vault.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive vault key: %w", err)
	}
	return &Provider{
		db:         db,
		gmail:      cfg.Gmail,
		microsoft:  cfg.Microsoft,
		key:        key,
		tokenURL:   microsoftTokenURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// AccessToken returns a valid bearer token for the account, refreshing and
// persisting it first when the cached token is within the safety buffer of
// its expiry.
func (p *Provider) AccessToken(ctx context.Context, account *model.EmailAccount) (string, error) {
	cred, err := p.load(account.CredentialRef)
	if err != nil {
		return "", err
	}

	if cred.RefreshToken == "" {
		return "", fmt.Errorf("%w: account %s has no refresh token", ErrNotConfigured, account.ID)
	}

	if cred.TokenExpiry != nil && time.Now().Before(cred.TokenExpiry.Add(-refreshBuffer)) {
		return cred.AccessToken, nil
	}

	logrus.Infof("Refreshing access token for account %s", account.ID)

	var accessToken string
	var expiry time.Time
	switch account.Provider {
	case model.ProviderGmail:
		accessToken, expiry, err = p.refreshGoogle(ctx, cred.RefreshToken)
	case model.ProviderM365:
		accessToken, expiry, err = p.refreshMicrosoft(ctx, cred.RefreshToken)
	default:
		return "", fmt.Errorf("%w: provider %s does not use bearer tokens", ErrNotConfigured, account.Provider)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	cred.AccessToken = accessToken
	cred.TokenExpiry = &expiry
	if err := p.db.Save(cred).Error; err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	return accessToken, nil
}

// IMAPConfig returns the decrypted IMAP connection settings for the account
func (p *Provider) IMAPConfig(accountRef string) (connector.IMAPConfig, error) {
	cred, err := p.load(accountRef)
	if err != nil {
		return connector.IMAPConfig{}, err
	}

	if cred.IMAPHost == "" || cred.IMAPPasswordEnc == "" {
		return connector.IMAPConfig{}, fmt.Errorf("%w: no IMAP config for %s", ErrNotConfigured, accountRef)
	}

	password, err := decryptPassword(p.key, cred.IMAPPasswordEnc, cred.IMAPPasswordIV)
	if err != nil {
		return connector.IMAPConfig{}, fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	return connector.IMAPConfig{
		Host:     cred.IMAPHost,
		Port:     cred.IMAPPort,
		User:     cred.IMAPUser,
		Password: password,
		TLS:      cred.IMAPTLS,
	}, nil
}

// StoreOAuthTokens creates or replaces the token material for an account ref
func (p *Provider) StoreOAuthTokens(accountRef, accessToken, refreshToken string, expiry time.Time) error {
	cred := model.Credential{
		AccountRef:   accountRef,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenExpiry:  &expiry,
	}
	return p.upsert(&cred)
}

// StoreIMAPConfig encrypts and persists password-based credentials
func (p *Provider) StoreIMAPConfig(accountRef string, cfg connector.IMAPConfig) error {
	encrypted, iv, err := encryptPassword(p.key, cfg.Password)
	if err != nil {
		return fmt.Errorf("failed to encrypt IMAP password: %w", err)
	}

	cred := model.Credential{
		AccountRef:      accountRef,
		IMAPHost:        cfg.Host,
		IMAPPort:        cfg.Port,
		IMAPUser:        cfg.User,
		IMAPPasswordEnc: encrypted,
		IMAPPasswordIV:  iv,
		IMAPTLS:         cfg.TLS,
	}
	return p.upsert(&cred)
}

func (p *Provider) load(accountRef string) (*model.Credential, error) {
	var cred model.Credential
	if err := p.db.Where("account_ref = ?", accountRef).First(&cred).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, accountRef)
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return &cred, nil
}

func (p *Provider) upsert(cred *model.Credential) error {
	var existing model.Credential
	err := p.db.Where("account_ref = ?", cred.AccountRef).First(&existing).Error
	if err == nil {
		cred.ID = existing.ID
		return p.db.Save(cred).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to query credential: %w", err)
	}
	return p.db.Create(cred).Error
}

// refreshGoogle exchanges the refresh token via the Google OAuth2 endpoint
func (p *Provider) refreshGoogle(ctx context.Context, refreshToken string) (string, time.Time, error) {
	oauthConfig := &oauth2.Config{
		ClientID:     p.gmail.ClientID,
		ClientSecret: p.gmail.ClientSecret,
		Endpoint:     google.Endpoint,
	}

	tokenSource := oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := tokenSource.Token()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("google token refresh: %w", err)
	}

	expiry := token.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return token.AccessToken, expiry, nil
}

// refreshMicrosoft exchanges the refresh token at the common v2.0 endpoint
func (p *Provider) refreshMicrosoft(ctx context.Context, refreshToken string) (string, time.Time, error) {
	form := url.Values{
		"client_id":     {p.microsoft.ClientID},
		"client_secret": {p.microsoft.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("microsoft token refresh: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("microsoft token refresh: status %d", resp.StatusCode)
	}

	var tokens struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokens); err != nil {
		return "", time.Time{}, fmt.Errorf("invalid token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("no access token in refresh response")
	}

	expiresIn := tokens.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return tokens.AccessToken, time.Now().Add(time.Duration(expiresIn) * time.Second), nil
}
