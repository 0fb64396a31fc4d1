package model

import "time"

// Email is the durable record for one ingested message
type Email struct {
	ID                 string     `json:"id" gorm:"type:varchar(64);primaryKey"`
	OrgID              string     `json:"org_id" gorm:"type:varchar(64);not null;index"`
	AccountID          string     `json:"account_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_account_message"`
	Provider           Provider   `json:"provider" gorm:"type:varchar(16);not null"`
	ProviderMessageID  string     `json:"provider_message_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_account_message"`
	ThreadID           string     `json:"thread_id" gorm:"type:varchar(255)"`
	FromAddress        string     `json:"from_address" gorm:"type:varchar(255)"`
	ToAddresses        StringList `json:"to_addresses" gorm:"type:text"`
	CcAddresses        StringList `json:"cc_addresses" gorm:"type:text"`
	Subject            string     `json:"subject" gorm:"type:varchar(998)"`
	BodyText           string     `json:"body_text" gorm:"type:longtext"`
	BodyHTML           string     `json:"body_html" gorm:"type:longtext"`
	ReceivedAt         time.Time  `json:"received_at" gorm:"index"`
	HasAttachments     bool       `json:"has_attachments"`
	Category           Category   `json:"category" gorm:"type:varchar(16)"`
	CategoryConfidence float64    `json:"category_confidence"`
	Processed          bool       `json:"processed" gorm:"default:false"`
	CreatedAt          time.Time  `json:"created_at"`
}

// TableName specifies the table name for Email
func (Email) TableName() string {
	return "emails"
}
