package model

import (
	"fmt"
	"time"
)

// EmailAccount represents one connected mailbox integration
type EmailAccount struct {
	ID            string     `json:"id" gorm:"type:varchar(64);primaryKey"`
	OrgID         string     `json:"org_id" gorm:"type:varchar(64);not null;index"`
	Provider      Provider   `json:"provider" gorm:"type:varchar(16);not null"`
	EmailAddress  string     `json:"email_address" gorm:"type:varchar(255);not null;index"`
	CredentialRef string     `json:"credential_ref" gorm:"type:varchar(64);not null"`
	HistoryID     string     `json:"history_id" gorm:"type:varchar(64)"`
	DeltaToken    string     `json:"delta_token" gorm:"type:text"`
	LastSyncedAt  *time.Time `json:"last_synced_at"`
	Active        bool       `json:"active" gorm:"default:true"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName specifies the table name for EmailAccount
func (EmailAccount) TableName() string {
	return "email_accounts"
}

// SyncState is the provider-specific sync cursor. Exactly one field is
// meaningful for a given provider kind.
type SyncState struct {
	HistoryID    string
	DeltaToken   string
	LastSyncedAt *time.Time
}

// SyncState extracts the cursor variant matching the account's provider.
func (a *EmailAccount) SyncState() SyncState {
	switch a.Provider {
	case ProviderGmail:
		return SyncState{HistoryID: a.HistoryID}
	case ProviderM365:
		return SyncState{DeltaToken: a.DeltaToken}
	default:
		return SyncState{LastSyncedAt: a.LastSyncedAt}
	}
}

// ApplySyncState stores the advanced cursor back onto the account, rejecting
// a variant that does not match the provider kind.
func (a *EmailAccount) ApplySyncState(s SyncState) error {
	switch a.Provider {
	case ProviderGmail:
		if s.DeltaToken != "" {
			return fmt.Errorf("delta token cursor on gmail account %s", a.ID)
		}
		if s.HistoryID != "" {
			a.HistoryID = s.HistoryID
		}
	case ProviderM365:
		if s.HistoryID != "" {
			return fmt.Errorf("history cursor on m365 account %s", a.ID)
		}
		if s.DeltaToken != "" {
			a.DeltaToken = s.DeltaToken
		}
	case ProviderIMAP:
		if s.HistoryID != "" || s.DeltaToken != "" {
			return fmt.Errorf("non-timestamp cursor on imap account %s", a.ID)
		}
	default:
		return fmt.Errorf("unknown provider %q on account %s", a.Provider, a.ID)
	}
	if s.LastSyncedAt != nil {
		a.LastSyncedAt = s.LastSyncedAt
	}
	return nil
}
