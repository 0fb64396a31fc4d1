package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"email-intel-go/internal/classifier"
	"email-intel-go/internal/connector"
	"email-intel-go/internal/metrics"
	"email-intel-go/internal/model"
)

// Default number of emails processed concurrently per batch.
const defaultBatchWorkers = 5

// Store is the persistence surface the processor needs
type Store interface {
	EmailExists(accountID, providerMessageID string) (bool, error)
	CreateEmail(email *model.Email) error
	UpdateEmailClassification(emailID string, category model.Category, confidence float64) error
	MarkEmailProcessed(emailID string) error
	CreateAttachment(attachment *model.Attachment) error
	UpdateAttachmentDocType(attachmentID string, docType model.DocType) error
	CreateSummary(summary *model.EmailSummary) error
}

// BlobStore persists attachment payloads
type BlobStore interface {
	Save(orgID, emailID, fileName string, data []byte) (string, error)
}

// EmailClassifier produces a classification for one email. Implementations
// must always return a usable result.
type EmailClassifier interface {
	Classify(ctx context.Context, subject, bodyText string, attachments []classifier.AttachmentMeta) classifier.Result
}

// Processor turns normalized emails into persisted, classified records
type Processor struct {
	store      Store
	blobs      BlobStore
	classifier EmailClassifier
	metrics    *metrics.Metrics
	workers    int
}

// New creates a Processor with the given batch concurrency. A non-positive
// worker count falls back to the default.
func New(store Store, blobs BlobStore, cls EmailClassifier, m *metrics.Metrics, workers int) *Processor {
	if workers <= 0 {
		workers = defaultBatchWorkers
	}
	return &Processor{
		store:      store,
		blobs:      blobs,
		classifier: cls,
		metrics:    m,
		workers:    workers,
	}
}

// ProcessEmail runs the full pipeline for one message: dedup check, persist,
// attachment upload, classification, summary creation. Re-processing the same
// provider message is a no-op.
func (p *Processor) ProcessEmail(ctx context.Context, email connector.NormalizedEmail) error {
	start := time.Now()

	exists, err := p.store.EmailExists(email.AccountID, email.ProviderMessageID)
	if err != nil {
		return fmt.Errorf("failed to check for existing email: %w", err)
	}
	if exists {
		logrus.Debugf("Skipping already ingested message %s for account %s", email.ProviderMessageID, email.AccountID)
		if p.metrics != nil {
			p.metrics.EmailsDeduplicated.Inc()
		}
		return nil
	}

	record := &model.Email{
		ID:                uuid.New().String(),
		OrgID:             email.OrgID,
		AccountID:         email.AccountID,
		Provider:          email.Provider,
		ProviderMessageID: email.ProviderMessageID,
		ThreadID:          email.ThreadID,
		FromAddress:       email.From,
		ToAddresses:       email.To,
		CcAddresses:       email.Cc,
		Subject:           email.Subject,
		BodyText:          email.BodyText,
		BodyHTML:          email.BodyHTML,
		ReceivedAt:        email.ReceivedAt,
		HasAttachments:    len(email.Attachments) > 0,
		Processed:         false,
	}
	if err := p.store.CreateEmail(record); err != nil {
		return fmt.Errorf("failed to persist email: %w", err)
	}

	// A failed upload loses that one file, never the email.
	attachments := p.storeAttachments(record, email.Attachments)

	metas := make([]classifier.AttachmentMeta, 0, len(email.Attachments))
	for _, a := range email.Attachments {
		metas = append(metas, classifier.AttachmentMeta{FileName: a.FileName, MimeType: a.MimeType})
	}
	result := p.classifier.Classify(ctx, email.Subject, email.BodyText, metas)
	if result.Fallback && p.metrics != nil {
		p.metrics.ClassifierFallbacks.Inc()
	}

	if err := p.store.UpdateEmailClassification(record.ID, result.Category, result.Confidence); err != nil {
		return fmt.Errorf("failed to update classification: %w", err)
	}

	summary := &model.EmailSummary{
		ID:             uuid.New().String(),
		OrgID:          record.OrgID,
		EmailID:        record.ID,
		Category:       result.Category,
		SummaryBullets: result.SummaryBullets,
		Priority:       result.Priority,
		Status:         model.StatusOpen,
		Archived:       false,
		IsNew:          true,
	}
	if err := p.store.CreateSummary(summary); err != nil {
		return fmt.Errorf("failed to persist summary: %w", err)
	}

	p.assignDocTypes(attachments, result.DocumentTypes)

	if err := p.store.MarkEmailProcessed(record.ID); err != nil {
		return fmt.Errorf("failed to mark email processed: %w", err)
	}

	if p.metrics != nil {
		p.metrics.EmailsIngested.Inc()
		p.metrics.ProcessingTime.Observe(time.Since(start).Seconds())
	}

	logrus.Infof("Processed email %s (%s, confidence %.2f)", record.ID, result.Category, result.Confidence)
	return nil
}

// ProcessBatch runs ProcessEmail over a slice with bounded concurrency. One
// failing message never stops the others; the first error is returned after
// the whole batch has been attempted.
func (p *Processor) ProcessBatch(ctx context.Context, emails []connector.NormalizedEmail) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		failed   int
	)
	sem := make(chan struct{}, p.workers)

	for _, email := range emails {
		wg.Add(1)
		sem <- struct{}{}
		go func(e connector.NormalizedEmail) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := p.ProcessEmail(ctx, e); err != nil {
				logrus.Errorf("Failed to process message %s: %v", e.ProviderMessageID, err)
				mu.Lock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(email)
	}
	wg.Wait()

	processed := len(emails) - failed
	if firstErr != nil {
		return processed, fmt.Errorf("%d of %d messages failed: %w", failed, len(emails), firstErr)
	}
	return processed, nil
}

// storeAttachments uploads and records each attachment, skipping failures
func (p *Processor) storeAttachments(email *model.Email, attachments []connector.NormalizedAttachment) []*model.Attachment {
	stored := make([]*model.Attachment, 0, len(attachments))
	for _, a := range attachments {
		path, err := p.blobs.Save(email.OrgID, email.ID, a.FileName, a.Data)
		if err != nil {
			logrus.Warnf("Failed to store attachment %s for email %s: %v", a.FileName, email.ID, err)
			continue
		}

		record := &model.Attachment{
			ID:          uuid.New().String(),
			OrgID:       email.OrgID,
			EmailID:     email.ID,
			FileName:    a.FileName,
			MimeType:    a.MimeType,
			StoragePath: path,
		}
		if err := p.store.CreateAttachment(record); err != nil {
			logrus.Warnf("Failed to record attachment %s for email %s: %v", a.FileName, email.ID, err)
			continue
		}

		stored = append(stored, record)
		if p.metrics != nil {
			p.metrics.AttachmentsStored.Inc()
		}
	}
	return stored
}

// assignDocTypes applies the classifier's document types to the stored
// attachments in order. Extra types are dropped; extra attachments keep an
// empty doc type.
func (p *Processor) assignDocTypes(attachments []*model.Attachment, docTypes []model.DocType) {
	for i, a := range attachments {
		if i >= len(docTypes) {
			break
		}
		a.DocType = docTypes[i]
		if err := p.store.UpdateAttachmentDocType(a.ID, docTypes[i]); err != nil {
			logrus.Warnf("Failed to update doc type for attachment %s: %v", a.ID, err)
		}
	}
}
