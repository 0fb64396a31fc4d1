package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"email-intel-go/internal/config"
	"email-intel-go/internal/model"
)

func TestParseResponseStrictJSON(t *testing.T) {
	result, err := parseResponse(`{
		"category": "INVOICE",
		"confidence": 0.92,
		"document_types": ["INVOICE", "PO"],
		"summary_bullets": ["Rechnung 4711 erhalten", "Zahlungsfrist 14 Tage"],
		"priority": "high"
	}`)
	assert.NoError(t, err)
	assert.Equal(t, model.CategoryInvoice, result.Category)
	assert.Equal(t, 0.92, result.Confidence)
	assert.Equal(t, []model.DocType{model.DocTypeInvoice, model.DocTypePO}, result.DocumentTypes)
	assert.Equal(t, []string{"Rechnung 4711 erhalten", "Zahlungsfrist 14 Tage"}, result.SummaryBullets)
	assert.Equal(t, model.PriorityHigh, result.Priority)
	assert.False(t, result.Fallback)
}

func TestParseResponseStripsCodeFences(t *testing.T) {
	result, err := parseResponse("```json\n{\"category\": \"ORDER\", \"confidence\": 0.8, \"priority\": \"normal\"}\n```")
	assert.NoError(t, err)
	assert.Equal(t, model.CategoryOrder, result.Category)
	assert.Equal(t, 0.8, result.Confidence)
}

func TestParseResponseExtractsEmbeddedObject(t *testing.T) {
	result, err := parseResponse(`Here is the analysis: {"category": "SPAM", "confidence": 0.99, "priority": "low"} hope that helps`)
	assert.NoError(t, err)
	assert.Equal(t, model.CategorySpam, result.Category)
	assert.Equal(t, model.PriorityLow, result.Priority)
}

func TestParseResponseCoercesInvalidEnums(t *testing.T) {
	result, err := parseResponse(`{
		"category": "NEWSLETTER",
		"confidence": 0.7,
		"document_types": ["RECEIPT", "CONTRACT"],
		"summary_bullets": ["ok"],
		"priority": "urgent"
	}`)
	assert.NoError(t, err)

	// Unknown enum values fall back to safe defaults instead of failing.
	assert.Equal(t, model.CategoryGeneral, result.Category)
	assert.Equal(t, model.PriorityNormal, result.Priority)
	assert.Equal(t, []model.DocType{model.DocTypeContract}, result.DocumentTypes)
}

func TestParseResponseInvalidJSON(t *testing.T) {
	_, err := parseResponse("not json at all")
	assert.Error(t, err)
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.75, clampConfidence(json.RawMessage(`0.75`)))
	assert.Equal(t, 0.75, clampConfidence(json.RawMessage(`"0.75"`)))
	assert.Equal(t, 1.0, clampConfidence(json.RawMessage(`1.7`)))
	assert.Equal(t, 0.0, clampConfidence(json.RawMessage(`-0.2`)))
	assert.Equal(t, 0.5, clampConfidence(json.RawMessage(`"very sure"`)))
	assert.Equal(t, 0.5, clampConfidence(nil))
}

func TestValidateBulletsLimits(t *testing.T) {
	long := strings.Repeat("a", 200)
	raw := []json.RawMessage{
		json.RawMessage(`"first"`),
		json.RawMessage(`"  "`),
		json.RawMessage(`"` + long + `"`),
		json.RawMessage(`"third"`),
		json.RawMessage(`"fourth"`),
	}
	bullets := validateBullets(raw)
	assert.Len(t, bullets, 3)
	assert.Equal(t, "first", bullets[0])
	assert.Len(t, bullets[1], maxBulletLength)
}

func TestClassifyWithoutAPIKeyUsesFallback(t *testing.T) {
	c := New(config.ClassifierConfig{})

	result := c.Classify(context.Background(), "Invoice 4711", "please pay", nil)

	assert.True(t, result.Fallback)
	assert.Equal(t, model.CategoryGeneral, result.Category)
	assert.Equal(t, 0.3, result.Confidence)
	assert.Equal(t, model.PriorityNormal, result.Priority)
	assert.Equal(t, []string{fallbackBullet}, result.SummaryBullets)
}

func TestClassifyAgainstChatAPI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Messages, 1)
		assert.Contains(t, req.Messages[0].Content, "Invoice 4711")

		resp := chatResponse{}
		resp.Choices = []struct {
			Message chatMessage `json:"message"`
		}{
			{Message: chatMessage{Role: "assistant", Content: `{"category": "INVOICE", "confidence": 0.9, "document_types": ["INVOICE"], "summary_bullets": ["Rechnung 4711"], "priority": "high"}`}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := New(config.ClassifierConfig{
		APIKey:         "test-key",
		Model:          "gpt-4o-mini",
		BaseURL:        server.URL,
		RequestTimeout: 5 * time.Second,
	})

	result := c.Classify(context.Background(), "Invoice 4711", "please pay the attached invoice", []AttachmentMeta{
		{FileName: "invoice.pdf", MimeType: "application/pdf"},
	})

	assert.False(t, result.Fallback)
	assert.Equal(t, model.CategoryInvoice, result.Category)
	assert.Equal(t, 0.9, result.Confidence)
	assert.Equal(t, []model.DocType{model.DocTypeInvoice}, result.DocumentTypes)
}

func TestClassifyServerErrorUsesFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := New(config.ClassifierConfig{APIKey: "test-key", BaseURL: server.URL, RequestTimeout: 5 * time.Second})

	result := c.Classify(context.Background(), "hello", "world", nil)
	assert.True(t, result.Fallback)
	assert.Equal(t, model.CategoryGeneral, result.Category)
}

func TestBuildPromptTruncatesBody(t *testing.T) {
	body := strings.Repeat("x", maxBodyChars+500)
	prompt := buildPrompt("subject", body, nil)
	assert.Contains(t, prompt, strings.Repeat("x", maxBodyChars)+"...")
	assert.NotContains(t, prompt, strings.Repeat("x", maxBodyChars+1))
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	// "ü" is two bytes; cutting inside it must back up to the rune start.
	s := strings.Repeat("ü", 100)
	for _, max := range []int{0, 1, 2, 3, maxBulletLength} {
		cut := truncate(s, max)
		assert.True(t, utf8.ValidString(cut))
		assert.LessOrEqual(t, len(cut), max)
	}
	assert.Equal(t, "abc", truncate("abc", 10))
}

func TestValidateBulletsTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("Ü", maxBulletLength)
	raw := []json.RawMessage{json.RawMessage(`"` + long + `"`)}

	bullets := validateBullets(raw)
	assert.Len(t, bullets, 1)
	assert.True(t, utf8.ValidString(bullets[0]))
	assert.LessOrEqual(t, len(bullets[0]), maxBulletLength)
}
