package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"email-intel-go/internal/classifier"
	"email-intel-go/internal/connector"
	"email-intel-go/internal/model"
)

type memoryStore struct {
	mu          sync.Mutex
	emails      map[string]*model.Email
	attachments map[string]*model.Attachment
	summaries   map[string]*model.EmailSummary
	failCreate  map[string]bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		emails:      make(map[string]*model.Email),
		attachments: make(map[string]*model.Attachment),
		summaries:   make(map[string]*model.EmailSummary),
		failCreate:  make(map[string]bool),
	}
}

func (s *memoryStore) EmailExists(accountID, providerMessageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.emails {
		if e.AccountID == accountID && e.ProviderMessageID == providerMessageID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) CreateEmail(email *model.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate[email.ProviderMessageID] {
		return errors.New("simulated insert failure")
	}
	copied := *email
	s.emails[email.ID] = &copied
	return nil
}

func (s *memoryStore) UpdateEmailClassification(emailID string, category model.Category, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emails[emailID]
	if !ok {
		return errors.New("email not found")
	}
	e.Category = category
	e.CategoryConfidence = confidence
	return nil
}

func (s *memoryStore) MarkEmailProcessed(emailID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emails[emailID]
	if !ok {
		return errors.New("email not found")
	}
	e.Processed = true
	return nil
}

func (s *memoryStore) CreateAttachment(attachment *model.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *attachment
	s.attachments[attachment.ID] = &copied
	return nil
}

func (s *memoryStore) UpdateAttachmentDocType(attachmentID string, docType model.DocType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attachments[attachmentID]
	if !ok {
		return errors.New("attachment not found")
	}
	a.DocType = docType
	return nil
}

func (s *memoryStore) CreateSummary(summary *model.EmailSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *summary
	s.summaries[summary.ID] = &copied
	return nil
}

func (s *memoryStore) emailByMessageID(providerMessageID string) *model.Email {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.emails {
		if e.ProviderMessageID == providerMessageID {
			return e
		}
	}
	return nil
}

type memoryBlobs struct {
	mu        sync.Mutex
	saved     []string
	failNames map[string]bool
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{failNames: make(map[string]bool)}
}

func (b *memoryBlobs) Save(orgID, emailID, fileName string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNames[fileName] {
		return "", errors.New("simulated storage failure")
	}
	path := fmt.Sprintf("emails/%s/%s/%s", orgID, emailID, fileName)
	b.saved = append(b.saved, path)
	return path, nil
}

type stubClassifier struct {
	result classifier.Result
}

func (c *stubClassifier) Classify(ctx context.Context, subject, bodyText string, attachments []classifier.AttachmentMeta) classifier.Result {
	return c.result
}

func invoiceResult() classifier.Result {
	return classifier.Result{
		Category:       model.CategoryInvoice,
		Confidence:     0.9,
		DocumentTypes:  []model.DocType{model.DocTypeInvoice},
		SummaryBullets: []string{"Rechnung 4711 erhalten"},
		Priority:       model.PriorityHigh,
	}
}

func testEmail(messageID string) connector.NormalizedEmail {
	return connector.NormalizedEmail{
		OrgID:             "org-1",
		AccountID:         "acct-1",
		Provider:          model.ProviderIMAP,
		ProviderMessageID: messageID,
		From:              "sender@example.com",
		To:                []string{"inbox@example.com"},
		Subject:           "Rechnung 4711",
		BodyText:          "Bitte begleichen Sie die Rechnung.",
		ReceivedAt:        time.Now(),
	}
}

func TestProcessEmailFullPipeline(t *testing.T) {
	store := newMemoryStore()
	blobs := newMemoryBlobs()
	p := New(store, blobs, &stubClassifier{result: invoiceResult()}, nil, 0)

	email := testEmail("msg-1")
	email.Attachments = []connector.NormalizedAttachment{
		{FileName: "invoice.pdf", MimeType: "application/pdf", Data: []byte("pdf")},
	}

	err := p.ProcessEmail(context.Background(), email)
	assert.NoError(t, err)

	stored := store.emailByMessageID("msg-1")
	assert.NotNil(t, stored)
	assert.True(t, stored.Processed)
	assert.Equal(t, model.CategoryInvoice, stored.Category)
	assert.Equal(t, 0.9, stored.CategoryConfidence)
	assert.True(t, stored.HasAttachments)

	assert.Len(t, store.attachments, 1)
	for _, a := range store.attachments {
		assert.Equal(t, model.DocTypeInvoice, a.DocType)
		assert.Equal(t, "invoice.pdf", a.FileName)
	}

	assert.Len(t, store.summaries, 1)
	for _, s := range store.summaries {
		assert.Equal(t, stored.ID, s.EmailID)
		assert.Equal(t, model.StatusOpen, s.Status)
		assert.False(t, s.Archived)
		assert.True(t, s.IsNew)
		assert.Equal(t, model.PriorityHigh, s.Priority)
	}
}

func TestProcessEmailIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	p := New(store, newMemoryBlobs(), &stubClassifier{result: invoiceResult()}, nil, 0)

	email := testEmail("msg-dup")
	assert.NoError(t, p.ProcessEmail(context.Background(), email))
	assert.NoError(t, p.ProcessEmail(context.Background(), email))

	assert.Len(t, store.emails, 1)
	assert.Len(t, store.summaries, 1)
}

func TestProcessEmailSurvivesAttachmentFailure(t *testing.T) {
	store := newMemoryStore()
	blobs := newMemoryBlobs()
	blobs.failNames["broken.pdf"] = true
	p := New(store, blobs, &stubClassifier{result: invoiceResult()}, nil, 0)

	email := testEmail("msg-2")
	email.Attachments = []connector.NormalizedAttachment{
		{FileName: "first.pdf", MimeType: "application/pdf", Data: []byte("a")},
		{FileName: "broken.pdf", MimeType: "application/pdf", Data: []byte("b")},
		{FileName: "third.pdf", MimeType: "application/pdf", Data: []byte("c")},
	}

	err := p.ProcessEmail(context.Background(), email)
	assert.NoError(t, err)

	// The failed upload loses that file only; the email still completes.
	assert.Len(t, store.attachments, 2)
	stored := store.emailByMessageID("msg-2")
	assert.True(t, stored.Processed)
}

func TestAssignDocTypesPositional(t *testing.T) {
	store := newMemoryStore()
	blobs := newMemoryBlobs()
	result := invoiceResult()
	result.DocumentTypes = []model.DocType{model.DocTypeInvoice, model.DocTypePO, model.DocTypeOther}
	p := New(store, blobs, &stubClassifier{result: result}, nil, 0)

	email := testEmail("msg-3")
	email.Attachments = []connector.NormalizedAttachment{
		{FileName: "a.pdf", MimeType: "application/pdf", Data: []byte("a")},
		{FileName: "b.pdf", MimeType: "application/pdf", Data: []byte("b")},
	}

	assert.NoError(t, p.ProcessEmail(context.Background(), email))

	types := make(map[string]model.DocType)
	for _, a := range store.attachments {
		types[a.FileName] = a.DocType
	}
	assert.Equal(t, model.DocTypeInvoice, types["a.pdf"])
	assert.Equal(t, model.DocTypePO, types["b.pdf"])
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	store := newMemoryStore()
	store.failCreate["msg-bad"] = true
	p := New(store, newMemoryBlobs(), &stubClassifier{result: invoiceResult()}, nil, 2)

	batch := []connector.NormalizedEmail{
		testEmail("msg-a"),
		testEmail("msg-bad"),
		testEmail("msg-b"),
		testEmail("msg-c"),
		testEmail("msg-d"),
	}

	processed, err := p.ProcessBatch(context.Background(), batch)
	assert.Error(t, err)
	assert.Equal(t, 4, processed)
	assert.Len(t, store.emails, 4)
	assert.Nil(t, store.emailByMessageID("msg-bad"))
}

func TestProcessBatchEmpty(t *testing.T) {
	p := New(newMemoryStore(), newMemoryBlobs(), &stubClassifier{result: invoiceResult()}, nil, 0)
	processed, err := p.ProcessBatch(context.Background(), nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, processed)
}
