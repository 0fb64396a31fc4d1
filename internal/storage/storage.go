package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"email-intel-go/internal/config"
)

var (
	// ErrInvalidToken indicates a download token that failed verification
	ErrInvalidToken = errors.New("invalid download token")
	// ErrNotFound indicates the stored object does not exist
	ErrNotFound = errors.New("attachment not found")
)

// Store persists attachment payloads on the local filesystem and issues
// short-lived signed tokens for downloading them.
type Store struct {
	rootDir    string
	signingKey []byte
	urlTTL     time.Duration
}

// NewStore creates a Store rooted at the configured directory
func NewStore(cfg config.StorageConfig) (*Store, error) {
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Store{
		rootDir:    cfg.RootDir,
		signingKey: []byte(cfg.URLSigningKey),
		urlTTL:     cfg.URLTTL,
	}, nil
}

// Save writes an attachment payload and returns its storage path. The path
// groups objects by organization and email so a whole email's attachments
// live under one directory.
func (s *Store) Save(orgID, emailID, fileName string, data []byte) (string, error) {
	relPath := filepath.Join("emails", orgID, emailID, sanitizeFileName(fileName))
	fullPath := filepath.Join(s.rootDir, relPath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create attachment dir: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}
	return relPath, nil
}

// Open returns the attachment payload stored at the given path
func (s *Store) Open(storagePath string) ([]byte, error) {
	cleaned := filepath.Clean(storagePath)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filepath.Join(s.rootDir, cleaned))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	return data, nil
}

type downloadClaims struct {
	StoragePath string `json:"path"`
	FileName    string `json:"file_name"`
	MimeType    string `json:"mime_type"`
	jwt.RegisteredClaims
}

// SignDownload issues a token granting temporary access to one stored object
func (s *Store) SignDownload(storagePath, fileName, mimeType string) (string, time.Time, error) {
	expiresAt := time.Now().Add(s.urlTTL)
	claims := downloadClaims{
		StoragePath: storagePath,
		FileName:    fileName,
		MimeType:    mimeType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign download token: %w", err)
	}
	return signed, expiresAt, nil
}

// Redeem verifies a download token and returns the payload it grants
func (s *Store) Redeem(tokenString string) ([]byte, string, string, error) {
	var claims downloadClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil || !token.Valid {
		return nil, "", "", ErrInvalidToken
	}

	data, err := s.Open(claims.StoragePath)
	if err != nil {
		return nil, "", "", err
	}
	return data, claims.FileName, claims.MimeType, nil
}

// sanitizeFileName strips path separators and traversal sequences so a
// provider-supplied name cannot escape the attachment directory.
func sanitizeFileName(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "attachment.bin"
	}
	return name
}
