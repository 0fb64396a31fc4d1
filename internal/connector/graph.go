package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"email-intel-go/internal/model"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

const graphSelectFields = "id,subject,from,toRecipients,ccRecipients,receivedDateTime,hasAttachments,body,conversationId"

// GraphConnector fetches messages from Microsoft 365 via the Graph REST API.
// Incremental sync uses delta queries: the webhook carries change
// notifications directly, and the delta token resumes the listing.
type GraphConnector struct {
	baseURL     string
	accessToken string
	orgID       string
	accountID   string
	httpClient  *http.Client
}

// NewGraphConnector creates a Microsoft Graph connector authenticated with
// the given access token. A fresh connector is built per sync run.
func NewGraphConnector(orgID, accountID, accessToken string) *GraphConnector {
	return &GraphConnector{
		baseURL:     graphBaseURL,
		accessToken: accessToken,
		orgID:       orgID,
		accountID:   accountID,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// graphMessage is the subset of a Graph message resource we consume
type graphMessage struct {
	ID      string `json:"id"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
	Subject        string           `json:"subject"`
	ConversationID string           `json:"conversationId"`
	HasAttachments bool             `json:"hasAttachments"`
	ReceivedAt     string           `json:"receivedDateTime"`
	From           *graphRecipient  `json:"from"`
	ToRecipients   []graphRecipient `json:"toRecipients"`
	CcRecipients   []graphRecipient `json:"ccRecipients"`
	Body           *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

type graphRecipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphDeltaPage struct {
	Value     []graphMessage `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

type graphAttachmentList struct {
	Value []struct {
		ODataType    string `json:"@odata.type"`
		Name         string `json:"name"`
		ContentType  string `json:"contentType"`
		ContentBytes string `json:"contentBytes"`
		Size         int64  `json:"size"`
	} `json:"value"`
}

// GraphNotification is one change notification from a Graph webhook POST
type GraphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

type graphNotificationBody struct {
	Value []GraphNotification `json:"value"`
}

// DecodeGraphNotifications decodes a webhook POST body into its notifications
func DecodeGraphNotifications(payload []byte) ([]GraphNotification, error) {
	var body graphNotificationBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("invalid graph notification body: %w", err)
	}
	return body.Value, nil
}

// FetchNewMessages follows the delta listing from the stored token (or the
// beginning for fresh accounts), paging through nextLinks until the provider
// signals the sync is complete with a delta link.
func (c *GraphConnector) FetchNewMessages(ctx context.Context, state model.SyncState) ([]NormalizedEmail, model.SyncState, error) {
	fetchURL := c.baseURL + "/me/messages/delta?$select=" + graphSelectFields
	if state.DeltaToken != "" {
		fetchURL = c.baseURL + "/me/messages/delta?$deltatoken=" + url.QueryEscape(state.DeltaToken)
	}

	var messages []NormalizedEmail
	newState := state

	for fetchURL != "" {
		var page graphDeltaPage
		if err := c.getJSON(ctx, fetchURL, &page); err != nil {
			return nil, state, fmt.Errorf("graph delta fetch failed: %w", err)
		}

		for _, msg := range page.Value {
			// Deleted entries in the change feed are not new messages.
			if msg.Removed != nil {
				continue
			}

			normalized, err := c.normalizeMessage(ctx, &msg)
			if err != nil {
				logrus.Warnf("Failed to normalize Graph message %s: %v", msg.ID, err)
				continue
			}
			messages = append(messages, *normalized)
		}

		if page.DeltaLink != "" {
			if token := deltaTokenFromLink(page.DeltaLink); token != "" {
				newState.DeltaToken = token
			}
		}

		fetchURL = page.NextLink
	}

	return messages, newState, nil
}

// ParseWebhook resolves inbound change notifications into messages. Created
// messages are fetched individually; everything else is ignored. Notification
// batches can mix accounts, so entries carrying another account's clientState
// are skipped.
func (c *GraphConnector) ParseWebhook(ctx context.Context, payload []byte, state model.SyncState) ([]NormalizedEmail, model.SyncState, error) {
	notifications, err := DecodeGraphNotifications(payload)
	if err != nil {
		return nil, state, err
	}

	var messages []NormalizedEmail
	for _, notification := range notifications {
		if notification.ClientState != "" && notification.ClientState != c.accountID {
			continue
		}
		if notification.ChangeType != "created" || notification.ResourceData.ID == "" {
			continue
		}

		var msg graphMessage
		msgURL := c.baseURL + "/me/messages/" + url.PathEscape(notification.ResourceData.ID)
		if err := c.getJSON(ctx, msgURL, &msg); err != nil {
			logrus.Warnf("Failed to fetch Graph message %s: %v", notification.ResourceData.ID, err)
			continue
		}

		normalized, err := c.normalizeMessage(ctx, &msg)
		if err != nil {
			logrus.Warnf("Failed to normalize Graph message %s: %v", msg.ID, err)
			continue
		}
		messages = append(messages, *normalized)
	}

	return messages, state, nil
}

// normalizeMessage converts a Graph message resource into the canonical form
func (c *GraphConnector) normalizeMessage(ctx context.Context, msg *graphMessage) (*NormalizedEmail, error) {
	if msg.ID == "" {
		return nil, fmt.Errorf("message has no id")
	}

	var from string
	if msg.From != nil {
		from = normalizeAddress(msg.From.EmailAddress.Address)
	}

	var bodyText, bodyHTML string
	if msg.Body != nil {
		if msg.Body.ContentType == "html" {
			bodyHTML = msg.Body.Content
			bodyText = stripHTML(bodyHTML)
		} else {
			bodyText = msg.Body.Content
		}
	}

	receivedAt := time.Now()
	if msg.ReceivedAt != "" {
		if t, err := time.Parse(time.RFC3339, msg.ReceivedAt); err == nil {
			receivedAt = t
		}
	}

	var attachments []NormalizedAttachment
	if msg.HasAttachments {
		attachments = c.fetchAttachments(ctx, msg.ID)
	}

	subject := msg.Subject
	if subject == "" {
		subject = "(No Subject)"
	}

	threadID := msg.ConversationID
	if threadID == "" {
		threadID = msg.ID
	}

	return &NormalizedEmail{
		OrgID:             c.orgID,
		AccountID:         c.accountID,
		Provider:          model.ProviderM365,
		ProviderMessageID: msg.ID,
		ThreadID:          threadID,
		From:              from,
		To:                filterAddresses(recipientAddresses(msg.ToRecipients)),
		Cc:                filterAddresses(recipientAddresses(msg.CcRecipients)),
		Subject:           subject,
		BodyText:          bodyText,
		BodyHTML:          bodyHTML,
		ReceivedAt:        receivedAt,
		Attachments:       attachments,
	}, nil
}

func recipientAddresses(recipients []graphRecipient) []string {
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, r.EmailAddress.Address)
	}
	return out
}

// fetchAttachments lists a message's file attachments. Failures are logged
// and yield an empty list; they never fail the message.
func (c *GraphConnector) fetchAttachments(ctx context.Context, messageID string) []NormalizedAttachment {
	var list graphAttachmentList
	attachURL := c.baseURL + "/me/messages/" + url.PathEscape(messageID) + "/attachments"
	if err := c.getJSON(ctx, attachURL, &list); err != nil {
		logrus.Warnf("Failed to fetch attachments of Graph message %s: %v", messageID, err)
		return nil
	}

	var attachments []NormalizedAttachment
	for _, att := range list.Value {
		if att.ODataType != "#microsoft.graph.fileAttachment" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(att.ContentBytes)
		if err != nil {
			logrus.Warnf("Failed to decode attachment %s of Graph message %s: %v", att.Name, messageID, err)
			continue
		}
		attachments = append(attachments, NormalizedAttachment{
			FileName: att.Name,
			MimeType: att.ContentType,
			Data:     data,
			Size:     att.Size,
		})
	}

	return attachments
}

// getJSON performs an authenticated GET and decodes the JSON response
func (c *GraphConnector) getJSON(ctx context.Context, fetchURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graph API error: %d %s", resp.StatusCode, resp.Status)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// deltaTokenFromLink extracts the $deltatoken parameter from a delta link URL
func deltaTokenFromLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	for key, values := range u.Query() {
		// Graph spells it $deltatoken or %24deltatoken depending on encoding.
		if (key == "$deltatoken" || key == "deltatoken") && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}
