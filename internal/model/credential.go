package model

import "time"

// Credential is one row in the credential vault. OAuth accounts carry
// access/refresh tokens; IMAP accounts carry an encrypted password config.
type Credential struct {
	ID           uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	AccountRef   string     `json:"account_ref" gorm:"type:varchar(64);not null;uniqueIndex"`
	AccessToken  string     `json:"-" gorm:"type:text"`
	RefreshToken string     `json:"-" gorm:"type:text"`
	TokenExpiry  *time.Time `json:"token_expiry"`

	IMAPHost        string `json:"imap_host" gorm:"type:varchar(255)"`
	IMAPPort        int    `json:"imap_port"`
	IMAPUser        string `json:"imap_user" gorm:"type:varchar(255)"`
	IMAPPasswordEnc string `json:"-" gorm:"type:text"`
	IMAPPasswordIV  string `json:"-" gorm:"type:varchar(64)"`
	IMAPTLS         bool   `json:"imap_tls" gorm:"default:true"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for Credential
func (Credential) TableName() string {
	return "credentials"
}
