package model

import "time"

// Attachment represents one stored file belonging to an email
type Attachment struct {
	ID               string    `json:"id" gorm:"type:varchar(64);primaryKey"`
	OrgID            string    `json:"org_id" gorm:"type:varchar(64);not null;index"`
	EmailID          string    `json:"email_id" gorm:"type:varchar(64);not null;index"`
	FileName         string    `json:"file_name" gorm:"type:varchar(255);not null"`
	MimeType         string    `json:"mime_type" gorm:"type:varchar(255)"`
	StoragePath      string    `json:"storage_path" gorm:"type:varchar(1024);not null"`
	DocType          DocType   `json:"doc_type" gorm:"type:varchar(16)"`
	LinkedDocumentID string    `json:"linked_document_id" gorm:"type:varchar(64)"`
	CreatedAt        time.Time `json:"created_at"`
}

// TableName specifies the table name for Attachment
func (Attachment) TableName() string {
	return "email_attachments"
}
