package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"email-intel-go/internal/connector"
	"email-intel-go/internal/credentials"
	"email-intel-go/internal/metrics"
	"email-intel-go/internal/model"
	"email-intel-go/internal/processor"
)

var (
	// ErrAccountNotFound indicates the referenced account does not exist
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountInactive indicates the account has been deactivated
	ErrAccountInactive = errors.New("account is inactive")
	// ErrUnsupportedProvider indicates an account with a provider kind no
	// connector exists for
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// Syncer coordinates fetching new messages per account and handing them to
// the processor. Each account syncs independently; one failing account never
// blocks the others.
type Syncer struct {
	db          *gorm.DB
	credentials *credentials.Provider
	processor   *processor.Processor
	metrics     *metrics.Metrics

	// newConnector builds the provider connector for an account; replaced in
	// tests.
	newConnector func(ctx context.Context, account *model.EmailAccount) (connector.Connector, error)
}

// New creates a Syncer
func New(db *gorm.DB, creds *credentials.Provider, proc *processor.Processor, m *metrics.Metrics) *Syncer {
	s := &Syncer{
		db:          db,
		credentials: creds,
		processor:   proc,
		metrics:     m,
	}
	s.newConnector = s.connectorFor
	return s
}

// SyncAccount fetches and processes everything new for one account. The
// account's cursor only advances after the batch has been handed to the
// processor, so a failed fetch re-reads the same window next time.
func (s *Syncer) SyncAccount(ctx context.Context, account *model.EmailAccount) (int, error) {
	if !account.Active {
		return 0, ErrAccountInactive
	}

	conn, err := s.newConnector(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("failed to build connector for account %s: %w", account.ID, err)
	}

	emails, newState, err := conn.FetchNewMessages(ctx, account.SyncState())
	if err != nil {
		if s.metrics != nil {
			s.metrics.SyncFailures.Inc()
		}
		return 0, fmt.Errorf("failed to fetch messages for account %s: %w", account.ID, err)
	}

	return s.finishSync(ctx, account, emails, newState)
}

// syncFromPush resolves a provider push payload into messages for one account
// and processes them. Push providers fetch only what the notification names
// instead of re-reading the whole delta window.
func (s *Syncer) syncFromPush(ctx context.Context, account *model.EmailAccount, payload []byte) (int, error) {
	if !account.Active {
		return 0, ErrAccountInactive
	}

	conn, err := s.newConnector(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("failed to build connector for account %s: %w", account.ID, err)
	}

	webhookConn, ok := conn.(connector.WebhookConnector)
	if !ok {
		return 0, fmt.Errorf("provider %s of account %s does not accept push payloads", account.Provider, account.ID)
	}

	emails, newState, err := webhookConn.ParseWebhook(ctx, payload, account.SyncState())
	if err != nil {
		if s.metrics != nil {
			s.metrics.SyncFailures.Inc()
		}
		return 0, fmt.Errorf("failed to resolve push payload for account %s: %w", account.ID, err)
	}

	return s.finishSync(ctx, account, emails, newState)
}

// finishSync hands a fetched batch to the processor and advances the cursor.
// The cursor moves even when single messages failed; dedup makes a later
// re-read of the same window harmless.
func (s *Syncer) finishSync(ctx context.Context, account *model.EmailAccount, emails []connector.NormalizedEmail, newState model.SyncState) (int, error) {
	processed, procErr := s.processor.ProcessBatch(ctx, emails)

	if err := s.advanceCursor(account, newState); err != nil {
		return processed, err
	}

	if procErr != nil {
		return processed, fmt.Errorf("account %s: %w", account.ID, procErr)
	}

	logrus.Infof("Synced account %s (%s): %d new messages", account.ID, account.Provider, processed)
	return processed, nil
}

// SyncAccountByID loads the account and syncs it
func (s *Syncer) SyncAccountByID(ctx context.Context, accountID string) (int, error) {
	account, err := s.loadAccount(accountID)
	if err != nil {
		return 0, err
	}
	return s.SyncAccount(ctx, account)
}

// PollAccounts syncs every active polling-based account. Webhook providers
// are skipped here; they sync on push.
func (s *Syncer) PollAccounts(ctx context.Context) {
	var accounts []model.EmailAccount
	if err := s.db.Where("active = ? AND provider = ?", true, model.ProviderIMAP).Find(&accounts).Error; err != nil {
		logrus.Errorf("Failed to list accounts for polling: %v", err)
		return
	}

	logrus.Infof("Polling %d IMAP accounts", len(accounts))
	for i := range accounts {
		account := &accounts[i]
		if _, err := s.SyncAccount(ctx, account); err != nil {
			logrus.Errorf("Failed to sync account %s: %v", account.ID, err)
		}
	}
}

// HandleGmailNotification resolves a Pub/Sub push payload to its account and
// syncs it.
func (s *Syncer) HandleGmailNotification(ctx context.Context, payload []byte) error {
	notification, err := connector.DecodeGmailPush(payload)
	if err != nil {
		return fmt.Errorf("failed to decode gmail notification: %w", err)
	}

	var account model.EmailAccount
	err = s.db.Where("provider = ? AND email_address = ? AND active = ?",
		model.ProviderGmail, notification.EmailAddress, true).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Subscriptions can outlive accounts; drop the notification.
			logrus.Warnf("Gmail notification for unknown address %s", notification.EmailAddress)
			return nil
		}
		return fmt.Errorf("failed to look up gmail account: %w", err)
	}

	if _, err := s.syncFromPush(ctx, &account, payload); err != nil {
		return err
	}
	return nil
}

// HandleGraphNotification syncs every account referenced by a Microsoft
// change-notification batch.
func (s *Syncer) HandleGraphNotification(ctx context.Context, payload []byte) error {
	notifications, err := connector.DecodeGraphNotifications(payload)
	if err != nil {
		return fmt.Errorf("failed to decode graph notification: %w", err)
	}

	seen := make(map[string]bool)
	var firstErr error
	for _, n := range notifications {
		accountID := n.ClientState
		if accountID == "" || seen[accountID] {
			continue
		}
		seen[accountID] = true

		account, err := s.loadAccount(accountID)
		if err != nil {
			logrus.Warnf("Graph notification for unknown account %s: %v", accountID, err)
			continue
		}
		if _, err := s.syncFromPush(ctx, account, payload); err != nil {
			if errors.Is(err, ErrAccountInactive) {
				// Subscriptions can outlive deactivation.
				logrus.Warnf("Graph notification for inactive account %s", accountID)
				continue
			}
			logrus.Errorf("Failed to sync account %s from notification: %v", accountID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// connectorFor builds the provider connector for an account
func (s *Syncer) connectorFor(ctx context.Context, account *model.EmailAccount) (connector.Connector, error) {
	switch account.Provider {
	case model.ProviderGmail:
		token, err := s.credentials.AccessToken(ctx, account)
		if err != nil {
			return nil, err
		}
		return connector.NewGmailConnector(ctx, account.OrgID, account.ID, token)
	case model.ProviderM365:
		token, err := s.credentials.AccessToken(ctx, account)
		if err != nil {
			return nil, err
		}
		return connector.NewGraphConnector(account.OrgID, account.ID, token), nil
	case model.ProviderIMAP:
		cfg, err := s.credentials.IMAPConfig(account.CredentialRef)
		if err != nil {
			return nil, err
		}
		return connector.NewIMAPConnector(account.OrgID, account.ID, cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, account.Provider)
	}
}

// advanceCursor persists the new sync state on the account
func (s *Syncer) advanceCursor(account *model.EmailAccount, state model.SyncState) error {
	if err := account.ApplySyncState(state); err != nil {
		return fmt.Errorf("failed to apply sync state for account %s: %w", account.ID, err)
	}
	now := time.Now()
	account.LastSyncedAt = &now
	if err := s.db.Save(account).Error; err != nil {
		return fmt.Errorf("failed to persist sync state for account %s: %w", account.ID, err)
	}
	return nil
}

func (s *Syncer) loadAccount(accountID string) (*model.EmailAccount, error) {
	var account model.EmailAccount
	if err := s.db.Where("id = ?", accountID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &account, nil
}
