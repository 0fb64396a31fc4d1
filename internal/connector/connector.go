package connector

import (
	"context"
	"regexp"
	"strings"
	"time"

	"email-intel-go/internal/model"
)

// Default lookback window for accounts that have never synced.
const initialLookback = 7 * 24 * time.Hour

// maxPartDepth bounds recursive MIME part walking.
const maxPartDepth = 16

// NormalizedEmail is the provider-agnostic message every connector produces.
// It is never persisted directly; it is the input to the processor.
type NormalizedEmail struct {
	OrgID             string
	AccountID         string
	Provider          model.Provider
	ProviderMessageID string
	ThreadID          string
	From              string
	To                []string
	Cc                []string
	Subject           string
	BodyText          string
	BodyHTML          string
	ReceivedAt        time.Time
	Attachments       []NormalizedAttachment
}

// NormalizedAttachment is one file extracted from an email
type NormalizedAttachment struct {
	FileName string
	MimeType string
	Data     []byte
	Size     int64
}

// Connector fetches new messages from one provider account
type Connector interface {
	// FetchNewMessages returns all messages not yet seen given the account's
	// current cursor, together with the advanced cursor.
	FetchNewMessages(ctx context.Context, state model.SyncState) ([]NormalizedEmail, model.SyncState, error)
}

// WebhookConnector additionally resolves inbound push payloads into messages
type WebhookConnector interface {
	Connector

	// ParseWebhook turns a raw push payload into concrete new messages. It may
	// call FetchNewMessages internally to resolve "something changed".
	ParseWebhook(ctx context.Context, payload []byte, state model.SyncState) ([]NormalizedEmail, model.SyncState, error)
}

var (
	emailRegexp  = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	angleRegexp  = regexp.MustCompile(`<([^>]+)>`)
	tagRegexp    = regexp.MustCompile(`<[^>]*>`)
	styleRegexp  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	scriptRegexp = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	spaceRegexp  = regexp.MustCompile(`\s+`)
)

// normalizeAddress lowercases and trims an email address
func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// extractAddress pulls the bare address out of a display form like
// "Jane Doe <jane@example.com>".
func extractAddress(raw string) string {
	if m := angleRegexp.FindStringSubmatch(raw); m != nil {
		return normalizeAddress(m[1])
	}
	return normalizeAddress(raw)
}

// isValidAddress performs the basic local@domain shape check
func isValidAddress(address string) bool {
	return emailRegexp.MatchString(address)
}

// parseAddressList splits a comma-delimited header value into normalized
// addresses, silently dropping entries that fail the shape check.
func parseAddressList(header string) []string {
	if header == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(header, ",") {
		addr := extractAddress(part)
		if isValidAddress(addr) {
			out = append(out, addr)
		}
	}
	return out
}

// filterAddresses normalizes a structured address list, dropping invalid entries
func filterAddresses(addrs []string) []string {
	var out []string
	for _, a := range addrs {
		addr := normalizeAddress(a)
		if isValidAddress(addr) {
			out = append(out, addr)
		}
	}
	return out
}

// stripHTML derives plain text from an HTML body: scripts and styles are
// removed, tags stripped, whitespace collapsed.
func stripHTML(html string) string {
	text := styleRegexp.ReplaceAllString(html, "")
	text = scriptRegexp.ReplaceAllString(text, "")
	text = tagRegexp.ReplaceAllString(text, " ")
	text = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", "\"",
		"&#39;", "'",
	).Replace(text)
	text = spaceRegexp.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// sinceTime resolves the polling window start from the cursor, falling back
// to the initial lookback for accounts that have never synced.
func sinceTime(state model.SyncState, now time.Time) time.Time {
	if state.LastSyncedAt != nil {
		return *state.LastSyncedAt
	}
	return now.Add(-initialLookback)
}
