package connector

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/sirupsen/logrus"

	"email-intel-go/internal/model"
)

// IMAPConfig carries the connection settings for one IMAP mailbox
type IMAPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	TLS      bool
}

// Addr returns the host:port dial address
func (c IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IMAPConnector polls a mailbox over IMAP. There is no push support and no
// durable provider cursor; each fetch searches the time window since the
// last successful sync. Every fetch opens a fresh session and closes it on
// all exit paths.
type IMAPConnector struct {
	config    IMAPConfig
	orgID     string
	accountID string
}

// NewIMAPConnector creates an IMAP polling connector
func NewIMAPConnector(orgID, accountID string, config IMAPConfig) *IMAPConnector {
	return &IMAPConnector{config: config, orgID: orgID, accountID: accountID}
}

// TestIMAPConnection attempts a real session open (dial, login, select
// INBOX) and returns a descriptive error if any step fails. Used to validate
// credentials before they are persisted.
func TestIMAPConnection(config IMAPConfig) error {
	c, err := dialIMAP(config)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", config.Addr(), err)
	}
	defer c.Logout()

	if err := c.Login(config.User, config.Password); err != nil {
		return fmt.Errorf("login failed for %s: %w", config.User, err)
	}

	if _, err := c.Select("INBOX", true); err != nil {
		return fmt.Errorf("failed to open INBOX: %w", err)
	}

	return nil
}

func dialIMAP(config IMAPConfig) (*client.Client, error) {
	if config.TLS {
		return client.DialTLS(config.Addr(), nil)
	}
	return client.Dial(config.Addr())
}

// FetchNewMessages searches the mailbox for messages received since the last
// synced timestamp (or the default lookback window on first run) and parses
// each full MIME message.
func (c *IMAPConnector) FetchNewMessages(ctx context.Context, state model.SyncState) ([]NormalizedEmail, model.SyncState, error) {
	now := time.Now()

	conn, err := dialIMAP(c.config)
	if err != nil {
		return nil, state, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	// The session is closed on every exit path, error or not.
	defer conn.Logout()

	if err := conn.Login(c.config.User, c.config.Password); err != nil {
		return nil, state, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	if _, err := conn.Select("INBOX", false); err != nil {
		return nil, state, fmt.Errorf("failed to select INBOX: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = sinceTime(state, now)

	seqNums, err := conn.Search(criteria)
	if err != nil {
		return nil, state, fmt.Errorf("failed to search messages: %w", err)
	}

	newState := model.SyncState{LastSyncedAt: &now}
	if len(seqNums) == 0 {
		return nil, newState, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNums...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(seqNums))
	done := make(chan error, 1)

	go func() {
		done <- conn.Fetch(seqset, items, messages)
	}()

	var emails []NormalizedEmail
	for msg := range messages {
		normalized, err := c.parseMessage(msg, section)
		if err != nil {
			logrus.Warnf("Failed to parse IMAP message: %v", err)
			continue
		}
		emails = append(emails, *normalized)
	}

	if err := <-done; err != nil {
		return nil, state, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return emails, newState, nil
}

// parseMessage converts one fetched IMAP message into the canonical form
func (c *IMAPConnector) parseMessage(msg *imap.Message, section *imap.BodySectionName) (*NormalizedEmail, error) {
	if msg.Uid == 0 {
		return nil, fmt.Errorf("message has no UID")
	}

	normalized := &NormalizedEmail{
		OrgID:             c.orgID,
		AccountID:         c.accountID,
		Provider:          model.ProviderIMAP,
		ProviderMessageID: strconv.FormatUint(uint64(msg.Uid), 10),
		ReceivedAt:        time.Now(),
	}

	if msg.Envelope != nil {
		normalized.Subject = msg.Envelope.Subject
		if !msg.Envelope.Date.IsZero() {
			normalized.ReceivedAt = msg.Envelope.Date
		}
		if len(msg.Envelope.From) > 0 {
			normalized.From = normalizeAddress(msg.Envelope.From[0].Address())
		}
		normalized.To = filterAddresses(envelopeAddresses(msg.Envelope.To))
		normalized.Cc = filterAddresses(envelopeAddresses(msg.Envelope.Cc))
		if msg.Envelope.MessageId != "" {
			normalized.ThreadID = msg.Envelope.MessageId
		}
	}

	if normalized.Subject == "" {
		normalized.Subject = "(No Subject)"
	}
	if normalized.ThreadID == "" {
		normalized.ThreadID = normalized.ProviderMessageID
	}

	r := msg.GetBody(section)
	if r == nil {
		return nil, fmt.Errorf("message %d has no body section", msg.Uid)
	}

	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read message %d: %w", msg.Uid, err)
	}

	if err := c.walkEntity(entity, normalized, 0); err != nil {
		return nil, err
	}

	if normalized.BodyText == "" && normalized.BodyHTML != "" {
		normalized.BodyText = stripHTML(normalized.BodyHTML)
	}

	return normalized, nil
}

// walkEntity recursively visits MIME parts, collecting body text and
// attachments. A single unreadable part is skipped, not fatal.
func (c *IMAPConnector) walkEntity(entity *message.Entity, normalized *NormalizedEmail, depth int) error {
	if entity == nil || depth > maxPartDepth {
		return nil
	}

	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				logrus.Warnf("Failed to read MIME part: %v", err)
				break
			}
			if err := c.walkEntity(part, normalized, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	disposition, dispParams, _ := entity.Header.ContentDisposition()
	contentType, typeParams, _ := entity.Header.ContentType()

	filename := dispParams["filename"]
	if filename == "" {
		filename = typeParams["name"]
	}

	if disposition == "attachment" || (filename != "" && disposition != "inline") {
		data, err := io.ReadAll(entity.Body)
		if err != nil {
			logrus.Warnf("Failed to read attachment %s: %v", filename, err)
			return nil
		}
		if filename == "" {
			filename = "attachment"
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		normalized.Attachments = append(normalized.Attachments, NormalizedAttachment{
			FileName: filename,
			MimeType: contentType,
			Data:     data,
			Size:     int64(len(data)),
		})
		return nil
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		logrus.Warnf("Failed to read body part: %v", err)
		return nil
	}

	switch contentType {
	case "text/plain":
		normalized.BodyText += string(content)
	case "text/html":
		normalized.BodyHTML += string(content)
	}

	return nil
}

// envelopeAddresses flattens an IMAP envelope address list
func envelopeAddresses(addrs []*imap.Address) []string {
	var out []string
	for _, addr := range addrs {
		out = append(out, addr.Address())
	}
	return out
}
