package processor

import (
	"fmt"

	"gorm.io/gorm"

	"email-intel-go/internal/model"
)

// GormStore implements Store on top of the application database
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a database-backed processor store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// EmailExists reports whether the provider message was already ingested for
// this account.
func (s *GormStore) EmailExists(accountID, providerMessageID string) (bool, error) {
	var count int64
	err := s.db.Model(&model.Email{}).
		Where("account_id = ? AND provider_message_id = ?", accountID, providerMessageID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to query emails: %w", err)
	}
	return count > 0, nil
}

// CreateEmail persists a new email record
func (s *GormStore) CreateEmail(email *model.Email) error {
	return s.db.Create(email).Error
}

// UpdateEmailClassification sets the category and confidence of an email
func (s *GormStore) UpdateEmailClassification(emailID string, category model.Category, confidence float64) error {
	return s.db.Model(&model.Email{}).Where("id = ?", emailID).Updates(map[string]interface{}{
		"category":            category,
		"category_confidence": confidence,
	}).Error
}

// MarkEmailProcessed flags an email as fully processed
func (s *GormStore) MarkEmailProcessed(emailID string) error {
	return s.db.Model(&model.Email{}).Where("id = ?", emailID).Update("processed", true).Error
}

// CreateAttachment persists a new attachment record
func (s *GormStore) CreateAttachment(attachment *model.Attachment) error {
	return s.db.Create(attachment).Error
}

// UpdateAttachmentDocType sets the classified document type of an attachment
func (s *GormStore) UpdateAttachmentDocType(attachmentID string, docType model.DocType) error {
	return s.db.Model(&model.Attachment{}).Where("id = ?", attachmentID).Update("doc_type", docType).Error
}

// CreateSummary persists a new email summary record
func (s *GormStore) CreateSummary(summary *model.EmailSummary) error {
	return s.db.Create(summary).Error
}
