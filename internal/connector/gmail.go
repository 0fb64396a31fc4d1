package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"email-intel-go/internal/model"
)

const gmailInitialMaxResults = 100

// GmailConnector fetches messages via the Gmail API. Push notifications carry
// only an opaque history cursor; the actual content is resolved through the
// History API.
type GmailConnector struct {
	svc       *gmail.Service
	orgID     string
	accountID string
}

// NewGmailConnector creates a Gmail connector authenticated with the given
// access token. A fresh connector is built per sync run.
func NewGmailConnector(ctx context.Context, orgID, accountID, accessToken string) (*GmailConnector, error) {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})

	svc, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &GmailConnector{svc: svc, orgID: orgID, accountID: accountID}, nil
}

// GmailPushNotification is the decoded payload of a Gmail Pub/Sub push message
type GmailPushNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// pubSubEnvelope is the HTTP body delivered by a Pub/Sub push subscription
type pubSubEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodeGmailPush decodes a Pub/Sub push envelope into the notification it
// carries. The orchestrator uses the email address to resolve the account
// before a connector exists.
func DecodeGmailPush(payload []byte) (*GmailPushNotification, error) {
	var envelope pubSubEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("invalid pub/sub envelope: %w", err)
	}
	if envelope.Message.Data == "" {
		return nil, fmt.Errorf("pub/sub envelope has no data")
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pub/sub data: %w", err)
	}

	var notification GmailPushNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		return nil, fmt.Errorf("invalid gmail notification: %w", err)
	}
	if notification.EmailAddress == "" {
		return nil, fmt.Errorf("gmail notification has no email address")
	}

	return &notification, nil
}

// FetchNewMessages fetches the delta since the stored history cursor, or a
// bounded time-window backfill when no cursor exists yet.
func (c *GmailConnector) FetchNewMessages(ctx context.Context, state model.SyncState) ([]NormalizedEmail, model.SyncState, error) {
	if state.HistoryID == "" {
		return c.initialSync(ctx)
	}
	return c.historySync(ctx, state.HistoryID)
}

// ParseWebhook resolves a push notification ("something changed, here is a
// new cursor") into concrete messages via the History API.
func (c *GmailConnector) ParseWebhook(ctx context.Context, payload []byte, state model.SyncState) ([]NormalizedEmail, model.SyncState, error) {
	notification, err := DecodeGmailPush(payload)
	if err != nil {
		return nil, state, err
	}

	messages, newState, err := c.FetchNewMessages(ctx, state)
	if err != nil {
		return nil, state, err
	}

	// First notification on a fresh account: adopt the notification's cursor
	// so the next run can use the history delta.
	if newState.HistoryID == "" && notification.HistoryID != 0 {
		newState.HistoryID = strconv.FormatUint(notification.HistoryID, 10)
	}

	return messages, newState, nil
}

// initialSync fetches recent messages from the last 7 days, capped at a
// maximum page size, and records the mailbox's current history id as cursor.
func (c *GmailConnector) initialSync(ctx context.Context) ([]NormalizedEmail, model.SyncState, error) {
	query := fmt.Sprintf("after:%d", time.Now().Add(-initialLookback).Unix())

	response, err := c.svc.Users.Messages.List("me").Q(query).MaxResults(gmailInitialMaxResults).Context(ctx).Do()
	if err != nil {
		return nil, model.SyncState{}, fmt.Errorf("failed to list messages: %w", err)
	}

	var messages []NormalizedEmail
	for _, msg := range response.Messages {
		normalized, err := c.fetchFullMessage(ctx, msg.Id)
		if err != nil {
			logrus.Warnf("Failed to fetch Gmail message %s: %v", msg.Id, err)
			continue
		}
		messages = append(messages, *normalized)
	}

	state := model.SyncState{}
	profile, err := c.svc.Users.GetProfile("me").Context(ctx).Do()
	if err == nil && profile.HistoryId != 0 {
		state.HistoryID = strconv.FormatUint(profile.HistoryId, 10)
	}

	return messages, state, nil
}

// historySync fetches exactly the delta since the stored cursor, paging the
// History API until exhausted.
func (c *GmailConnector) historySync(ctx context.Context, cursor string) ([]NormalizedEmail, model.SyncState, error) {
	startHistoryID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, model.SyncState{}, fmt.Errorf("invalid history id cursor %q: %w", cursor, err)
	}

	var messages []NormalizedEmail
	seen := make(map[string]bool)
	latestHistoryID := startHistoryID
	pageToken := ""

	for {
		call := c.svc.Users.History.List("me").
			StartHistoryId(startHistoryID).
			HistoryTypes("messageAdded").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		response, err := call.Do()
		if err != nil {
			return nil, model.SyncState{}, fmt.Errorf("failed to list history: %w", err)
		}

		if response.HistoryId > latestHistoryID {
			latestHistoryID = response.HistoryId
		}

		for _, record := range response.History {
			if record.Id > latestHistoryID {
				latestHistoryID = record.Id
			}
			for _, added := range record.MessagesAdded {
				msgID := added.Message.Id
				if seen[msgID] {
					continue
				}
				seen[msgID] = true

				normalized, err := c.fetchFullMessage(ctx, msgID)
				if err != nil {
					logrus.Warnf("Failed to fetch Gmail message %s: %v", msgID, err)
					continue
				}
				messages = append(messages, *normalized)
			}
		}

		if response.NextPageToken == "" {
			break
		}
		pageToken = response.NextPageToken
	}

	state := model.SyncState{HistoryID: strconv.FormatUint(latestHistoryID, 10)}
	return messages, state, nil
}

// fetchFullMessage fetches one message with headers, body parts and attachments
func (c *GmailConnector) fetchFullMessage(ctx context.Context, messageID string) (*NormalizedEmail, error) {
	msg, err := c.svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	headers := make(map[string]string)
	for _, header := range msg.Payload.Headers {
		headers[header.Name] = header.Value
	}

	var bodyText, bodyHTML string
	c.extractBody(msg.Payload, &bodyText, &bodyHTML, 0)

	var attachments []NormalizedAttachment
	c.extractAttachments(ctx, msg.Payload, messageID, &attachments, 0)

	if bodyText == "" && bodyHTML != "" {
		bodyText = stripHTML(bodyHTML)
	}

	subject := headers["Subject"]
	if subject == "" {
		subject = "(No Subject)"
	}

	threadID := msg.ThreadId
	if threadID == "" {
		threadID = messageID
	}

	return &NormalizedEmail{
		OrgID:             c.orgID,
		AccountID:         c.accountID,
		Provider:          model.ProviderGmail,
		ProviderMessageID: messageID,
		ThreadID:          threadID,
		From:              extractAddress(headers["From"]),
		To:                parseAddressList(headers["To"]),
		Cc:                parseAddressList(headers["Cc"]),
		Subject:           subject,
		BodyText:          bodyText,
		BodyHTML:          bodyHTML,
		ReceivedAt:        time.UnixMilli(msg.InternalDate),
		Attachments:       attachments,
	}, nil
}

// extractBody recursively collects text/plain and text/html parts
func (c *GmailConnector) extractBody(part *gmail.MessagePart, bodyText, bodyHTML *string, depth int) {
	if part == nil || depth > maxPartDepth {
		return
	}

	if part.Body != nil && part.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err == nil {
			switch part.MimeType {
			case "text/plain":
				*bodyText += string(data)
			case "text/html":
				*bodyHTML += string(data)
			}
		}
	}

	for _, subPart := range part.Parts {
		c.extractBody(subPart, bodyText, bodyHTML, depth+1)
	}
}

// extractAttachments walks the part tree and fetches each attachment body.
// A failed attachment fetch is logged and skipped, never fatal.
func (c *GmailConnector) extractAttachments(ctx context.Context, part *gmail.MessagePart, messageID string, attachments *[]NormalizedAttachment, depth int) {
	if part == nil || depth > maxPartDepth {
		return
	}

	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		body, err := c.svc.Users.Messages.Attachments.Get("me", messageID, part.Body.AttachmentId).Context(ctx).Do()
		if err != nil {
			logrus.Warnf("Failed to fetch attachment %s of message %s: %v", part.Filename, messageID, err)
		} else {
			data, err := base64.URLEncoding.DecodeString(body.Data)
			if err != nil {
				logrus.Warnf("Failed to decode attachment %s of message %s: %v", part.Filename, messageID, err)
			} else {
				*attachments = append(*attachments, NormalizedAttachment{
					FileName: part.Filename,
					MimeType: part.MimeType,
					Data:     data,
					Size:     int64(len(data)),
				})
			}
		}
	}

	for _, subPart := range part.Parts {
		c.extractAttachments(ctx, subPart, messageID, attachments, depth+1)
	}
}
