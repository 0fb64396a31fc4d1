package connector

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"email-intel-go/internal/model"
)

func newTestGraphConnector(serverURL string) *GraphConnector {
	c := NewGraphConnector("org-1", "acct-1", "test-token")
	c.baseURL = serverURL
	return c
}

func TestGraphFetchNewMessagesFollowsDeltaPages(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		switch {
		case r.URL.Path == "/me/messages/delta" && r.URL.Query().Get("$skiptoken") == "":
			// First page points at a nextLink.
			fmt.Fprintf(w, `{
				"value": [{
					"id": "msg-1",
					"subject": "Rechnung 4711",
					"conversationId": "conv-1",
					"receivedDateTime": "2024-05-01T10:00:00Z",
					"from": {"emailAddress": {"address": "Billing@Vendor.example"}},
					"toRecipients": [{"emailAddress": {"address": "inbox@example.com"}}],
					"body": {"contentType": "html", "content": "<p>Anbei die <b>Rechnung</b>.</p>"}
				}],
				"@odata.nextLink": "%s/me/messages/delta?$skiptoken=page2"
			}`, server.URL)
		case r.URL.Query().Get("$skiptoken") == "page2":
			// Second page carries the final delta link and a removed entry.
			fmt.Fprintf(w, `{
				"value": [
					{"id": "msg-gone", "@removed": {"reason": "deleted"}},
					{
						"id": "msg-2",
						"subject": "",
						"receivedDateTime": "2024-05-01T11:00:00Z",
						"body": {"contentType": "text", "content": "plain body"}
					}
				],
				"@odata.deltaLink": "%s/me/messages/delta?$deltatoken=token-after"
			}`, server.URL)
		default:
			t.Errorf("unexpected request: %s", r.URL.String())
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	conn := newTestGraphConnector(server.URL)

	messages, state, err := conn.FetchNewMessages(context.Background(), model.SyncState{})
	assert.NoError(t, err)
	assert.Equal(t, "token-after", state.DeltaToken)
	assert.Len(t, messages, 2)

	first := messages[0]
	assert.Equal(t, "msg-1", first.ProviderMessageID)
	assert.Equal(t, model.ProviderM365, first.Provider)
	assert.Equal(t, "billing@vendor.example", first.From)
	assert.Equal(t, []string{"inbox@example.com"}, first.To)
	assert.Equal(t, "conv-1", first.ThreadID)
	assert.Equal(t, "Anbei die Rechnung .", first.BodyText)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), first.ReceivedAt)

	second := messages[1]
	assert.Equal(t, "msg-2", second.ProviderMessageID)
	assert.Equal(t, "(No Subject)", second.Subject)
	assert.Equal(t, "plain body", second.BodyText)
}

func TestGraphFetchResumesFromDeltaToken(t *testing.T) {
	var sawToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawToken = r.URL.Query().Get("$deltatoken")
		fmt.Fprintf(w, `{"value": [], "@odata.deltaLink": "%s/me/messages/delta?$deltatoken=next"}`, "https://graph.microsoft.com/v1.0")
	}))
	defer server.Close()

	conn := newTestGraphConnector(server.URL)

	messages, state, err := conn.FetchNewMessages(context.Background(), model.SyncState{DeltaToken: "previous"})
	assert.NoError(t, err)
	assert.Empty(t, messages)
	assert.Equal(t, "previous", sawToken)
	assert.Equal(t, "next", state.DeltaToken)
}

func TestGraphFetchErrorKeepsState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}))
	defer server.Close()

	conn := newTestGraphConnector(server.URL)

	_, state, err := conn.FetchNewMessages(context.Background(), model.SyncState{DeltaToken: "keep-me"})
	assert.Error(t, err)
	assert.Equal(t, "keep-me", state.DeltaToken)
}

func TestGraphFetchAttachments(t *testing.T) {
	content := base64.StdEncoding.EncodeToString([]byte("pdf-bytes"))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me/messages/delta":
			fmt.Fprintf(w, `{
				"value": [{
					"id": "msg-att",
					"subject": "docs",
					"hasAttachments": true,
					"receivedDateTime": "2024-05-01T10:00:00Z",
					"body": {"contentType": "text", "content": "see attached"}
				}],
				"@odata.deltaLink": "https://graph.microsoft.com/v1.0/me/messages/delta?$deltatoken=t"
			}`)
		case "/me/messages/msg-att/attachments":
			fmt.Fprintf(w, `{
				"value": [
					{"@odata.type": "#microsoft.graph.fileAttachment", "name": "invoice.pdf", "contentType": "application/pdf", "contentBytes": %q, "size": 9},
					{"@odata.type": "#microsoft.graph.itemAttachment", "name": "nested-mail"}
				]
			}`, content)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	conn := newTestGraphConnector(server.URL)

	messages, _, err := conn.FetchNewMessages(context.Background(), model.SyncState{})
	assert.NoError(t, err)
	assert.Len(t, messages, 1)

	// Only file attachments survive; item attachments are skipped.
	assert.Len(t, messages[0].Attachments, 1)
	att := messages[0].Attachments[0]
	assert.Equal(t, "invoice.pdf", att.FileName)
	assert.Equal(t, "application/pdf", att.MimeType)
	assert.Equal(t, []byte("pdf-bytes"), att.Data)
}

func TestGraphParseWebhookFetchesCreatedMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/messages/new-msg", r.URL.Path)
		fmt.Fprint(w, `{
			"id": "new-msg",
			"subject": "hello",
			"receivedDateTime": "2024-05-01T10:00:00Z",
			"body": {"contentType": "text", "content": "hi"}
		}`)
	}))
	defer server.Close()

	conn := newTestGraphConnector(server.URL)

	payload := []byte(`{"value": [
		{"subscriptionId": "sub-1", "clientState": "acct-1", "changeType": "created", "resourceData": {"id": "new-msg"}},
		{"subscriptionId": "sub-1", "clientState": "acct-1", "changeType": "updated", "resourceData": {"id": "old-msg"}}
	]}`)

	messages, _, err := conn.ParseWebhook(context.Background(), payload, model.SyncState{DeltaToken: "t"})
	assert.NoError(t, err)
	assert.Len(t, messages, 1)
	assert.Equal(t, "new-msg", messages[0].ProviderMessageID)
}

func TestGraphParseWebhookSkipsForeignClientState(t *testing.T) {
	var fetched []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched = append(fetched, r.URL.Path)
		fmt.Fprint(w, `{
			"id": "own-msg",
			"subject": "hello",
			"receivedDateTime": "2024-05-01T10:00:00Z",
			"body": {"contentType": "text", "content": "hi"}
		}`)
	}))
	defer server.Close()

	conn := newTestGraphConnector(server.URL)

	// One notification batch can carry entries for several subscriptions.
	payload := []byte(`{"value": [
		{"subscriptionId": "sub-1", "clientState": "acct-1", "changeType": "created", "resourceData": {"id": "own-msg"}},
		{"subscriptionId": "sub-2", "clientState": "acct-other", "changeType": "created", "resourceData": {"id": "foreign-msg"}}
	]}`)

	messages, _, err := conn.ParseWebhook(context.Background(), payload, model.SyncState{})
	assert.NoError(t, err)
	assert.Len(t, messages, 1)
	assert.Equal(t, "own-msg", messages[0].ProviderMessageID)
	assert.Equal(t, []string{"/me/messages/own-msg"}, fetched)
}

func TestDeltaTokenFromLink(t *testing.T) {
	assert.Equal(t, "abc", deltaTokenFromLink("https://graph.microsoft.com/v1.0/me/messages/delta?$deltatoken=abc"))
	assert.Equal(t, "abc", deltaTokenFromLink("https://graph.microsoft.com/v1.0/me/messages/delta?deltatoken=abc"))
	assert.Equal(t, "", deltaTokenFromLink("https://graph.microsoft.com/v1.0/me/messages/delta"))
}
