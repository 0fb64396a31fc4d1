package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"email-intel-go/internal/config"
	"email-intel-go/internal/model"
)

const (
	maxBodyChars    = 2000
	maxBullets      = 3
	maxBulletLength = 150
	fallbackBullet  = "E-Mail erhalten - manuelle Überprüfung erforderlich"
	defaultTimeout  = 30 * time.Second
)

// AttachmentMeta describes one attachment for classification (names only,
// never bytes).
type AttachmentMeta struct {
	FileName string
	MimeType string
}

// Result is the validated classification output. Every field is guaranteed
// to hold a value from its closed enum.
type Result struct {
	Category       model.Category
	Confidence     float64
	DocumentTypes  []model.DocType
	SummaryBullets []string
	Priority       model.Priority
	Fallback       bool
}

// Classifier calls an external LLM to triage emails. Classify is a total
// function: any failure resolves to the fixed fallback result.
type Classifier struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a classifier from configuration
func New(cfg config.ClassifierConfig) *Classifier {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Classifier{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Classify analyzes an email and returns a structurally valid result. It
// never returns an error; on any failure the fixed fallback is returned.
func (c *Classifier) Classify(ctx context.Context, subject, bodyText string, attachments []AttachmentMeta) Result {
	if c.apiKey == "" {
		logrus.Error("Classifier API key not configured, using fallback result")
		return FallbackResult()
	}

	prompt := buildPrompt(subject, bodyText, attachments)

	response, err := c.sendChatRequest(ctx, prompt)
	if err != nil {
		logrus.Errorf("Classifier request failed: %v", err)
		return FallbackResult()
	}

	result, err := parseResponse(response)
	if err != nil {
		logrus.Errorf("Failed to parse classifier response: %v", err)
		return FallbackResult()
	}

	return result
}

// FallbackResult is the fixed classification used when the LLM call fails or
// returns unusable output.
func FallbackResult() Result {
	return Result{
		Category:       model.CategoryGeneral,
		Confidence:     0.3,
		DocumentTypes:  nil,
		SummaryBullets: []string{fallbackBullet},
		Priority:       model.PriorityNormal,
		Fallback:       true,
	}
}

// buildPrompt assembles the fixed-structure instruction prompt with the
// closed enums, truncating the body for model context discipline.
func buildPrompt(subject, bodyText string, attachments []AttachmentMeta) string {
	body := bodyText
	truncated := ""
	if len(body) > maxBodyChars {
		body = truncate(body, maxBodyChars)
		truncated = "..."
	}

	var attachmentInfo string
	if len(attachments) > 0 {
		names := make([]string, 0, len(attachments))
		for _, a := range attachments {
			names = append(names, fmt.Sprintf("%s (%s)", a.FileName, a.MimeType))
		}
		attachmentInfo = "\nAttachments: " + strings.Join(names, ", ")
	}

	return fmt.Sprintf(`You are an email intelligence assistant for a construction/trades management system.

Analyze the following email and provide a structured JSON response.

EMAIL SUBJECT: %s

EMAIL BODY:
%s%s
%s

INSTRUCTIONS:
1. Classify the email into ONE of these categories:
   - INVOICE: Bills, invoices, payment requests
   - ORDER: Purchase orders, material orders, equipment orders
   - SHIPPING: Delivery notifications, tracking updates
   - CLAIM: Insurance claims, warranty claims
   - COMPLAINT: Customer complaints, issues
   - KYC: Identity documents, compliance documents
   - GENERAL: General correspondence
   - SPAM: Promotional, irrelevant emails

2. Identify document types in attachments (if any):
   - INVOICE: Invoice documents
   - PO: Purchase order documents
   - CONTRACT: Contracts, agreements
   - ID: Identity documents
   - OTHER: Other documents

3. Create 1-3 short, actionable summary bullets in German (max 80 chars each)

4. Assign priority:
   - high: Urgent, requires immediate action, payment due, complaint
   - normal: Standard business correspondence
   - low: Informational, promotional

5. Provide confidence score (0.0 to 1.0)

OUTPUT FORMAT (strict JSON):
{
  "category": "INVOICE",
  "confidence": 0.95,
  "document_types": ["INVOICE"],
  "summary_bullets": [
    "Rechnung XYZ über 1.500€ erhalten",
    "Zahlungsfrist: 14 Tage"
  ],
  "priority": "high"
}

RESPOND ONLY WITH VALID JSON. NO OTHER TEXT.`, subject, body, truncated, attachmentInfo)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// sendChatRequest sends the prompt to the chat-completions API
func (c *Classifier) sendChatRequest(ctx context.Context, prompt string) (string, error) {
	request := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   500,
		Temperature: 0.1,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API error: status %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("invalid response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("response has no choices")
	}

	return chatResp.Choices[0].Message.Content, nil
}

type rawAnalysis struct {
	Category       string            `json:"category"`
	Confidence     json.RawMessage   `json:"confidence"`
	DocumentTypes  []json.RawMessage `json:"document_types"`
	SummaryBullets []json.RawMessage `json:"summary_bullets"`
	Priority       string            `json:"priority"`
}

// parseResponse extracts and validates the JSON object from the raw model
// output. Unknown enum values are coerced to safe defaults rather than
// rejected; only a completely unparseable response is an error.
func parseResponse(text string) (Result, error) {
	jsonText := strings.TrimSpace(text)

	// Strip markdown code fences if present.
	if strings.HasPrefix(jsonText, "```") {
		jsonText = strings.TrimPrefix(jsonText, "```json")
		jsonText = strings.TrimPrefix(jsonText, "```")
		jsonText = strings.TrimSuffix(strings.TrimSpace(jsonText), "```")
		jsonText = strings.TrimSpace(jsonText)
	}

	// Extract the first balanced JSON object if extra text surrounds it.
	if extracted := extractJSONObject(jsonText); extracted != "" {
		jsonText = extracted
	}

	var raw rawAnalysis
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return Result{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return Result{
		Category:       validateCategory(raw.Category),
		Confidence:     clampConfidence(raw.Confidence),
		DocumentTypes:  validateDocTypes(raw.DocumentTypes),
		SummaryBullets: validateBullets(raw.SummaryBullets),
		Priority:       validatePriority(raw.Priority),
	}, nil
}

// extractJSONObject returns the first balanced top-level JSON object in s
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func validateCategory(category string) model.Category {
	for _, valid := range model.Categories {
		if model.Category(category) == valid {
			return valid
		}
	}
	return model.CategoryGeneral
}

func validatePriority(priority string) model.Priority {
	switch model.Priority(priority) {
	case model.PriorityHigh, model.PriorityNormal, model.PriorityLow:
		return model.Priority(priority)
	}
	return model.PriorityNormal
}

func validateDocTypes(raw []json.RawMessage) []model.DocType {
	var out []model.DocType
	for _, entry := range raw {
		var s string
		if err := json.Unmarshal(entry, &s); err != nil {
			continue
		}
		for _, valid := range model.DocTypes {
			if model.DocType(s) == valid {
				out = append(out, valid)
				break
			}
		}
	}
	return out
}

func validateBullets(raw []json.RawMessage) []string {
	var out []string
	for _, entry := range raw {
		if len(out) >= maxBullets {
			break
		}
		var s string
		if err := json.Unmarshal(entry, &s); err != nil {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if len(s) > maxBulletLength {
			s = truncate(s, maxBulletLength)
		}
		out = append(out, s)
	}
	return out
}

// truncate shortens s to at most max bytes without splitting a rune
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func clampConfidence(raw json.RawMessage) float64 {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		// Some models quote numbers.
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0.5
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0.5
		}
		f = parsed
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
