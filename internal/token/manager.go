// Package token owns the credential lifecycle: it serves cached access
// tokens, refreshes them before expiry, and retires accounts whose
// refresh token the provider has revoked.
package token

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"

	"github.com/kairos-app/kairos-sync/internal"
)

// ExpiryMargin is how long before the real expiry a token is treated as
// stale. Refreshing strictly before expiry keeps us from ever sending a
// token the provider already rejects.
const ExpiryMargin = 5 * time.Minute

const (
	refreshTimeout = 10 * time.Second
	maxRetries     = 3
)

type CredentialStore interface {
	CredentialByAccount(ctx context.Context, accountID string) (*internal.Credential, error)
	ReplaceCredential(ctx context.Context, cred *internal.Credential) error
	DeleteCredential(ctx context.Context, accountID string) error
	SetAccountStatus(ctx context.Context, id string, status internal.AccountStatus) error
}

// Manager is the single entry point for access tokens. All components
// resolve tokens through it, so a credential is only ever replaced, not
// raced over by concurrent refreshers.
type Manager struct {
	oauth  *oauth2.Config
	store  CredentialStore
	logger *slog.Logger
	now    func() time.Time
	margin time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(oauthCfg *oauth2.Config, store CredentialStore, logger *slog.Logger) *Manager {
	return &Manager{
		oauth:  oauthCfg,
		store:  store,
		logger: logger.With("component", "token"),
		now:    time.Now,
		margin: ExpiryMargin,
		locks:  make(map[string]*sync.Mutex),
	}
}

// AccessToken returns a token valid for at least the expiry margin,
// refreshing first if needed. A missing credential means the account
// must be reauthorized; that is terminal and involves no network call.
func (m *Manager) AccessToken(ctx context.Context, accountID string) (string, error) {
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	cred, err := m.store.CredentialByAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, internal.ErrAccountNotFound) {
			return "", &internal.AuthError{AccountID: accountID, Reauth: true, Err: err}
		}
		return "", &internal.AuthError{AccountID: accountID, Err: err}
	}

	if cred.ValidFor(m.now(), m.margin) {
		return cred.AccessToken, nil
	}
	return m.refresh(ctx, accountID, cred)
}

// Refresh forces a refresh regardless of the cached expiry. The
// calendar client uses it for its single retry after a 401/403.
func (m *Manager) Refresh(ctx context.Context, accountID string) (string, error) {
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	cred, err := m.store.CredentialByAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, internal.ErrAccountNotFound) {
			return "", &internal.AuthError{AccountID: accountID, Reauth: true, Err: err}
		}
		return "", &internal.AuthError{AccountID: accountID, Err: err}
	}
	return m.refresh(ctx, accountID, cred)
}

// Revoke drops the account's credential and marks it as needing
// reauthorization. Called on disconnect and on provider revocation.
func (m *Manager) Revoke(ctx context.Context, accountID string) error {
	if err := m.store.DeleteCredential(ctx, accountID); err != nil {
		return err
	}
	return m.store.SetAccountStatus(ctx, accountID, internal.AccountNeedsReauth)
}

func (m *Manager) refresh(ctx context.Context, accountID string, cred *internal.Credential) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	var tok *oauth2.Token
	op := func() error {
		src := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
		t, err := src.Token()
		if err != nil {
			if revoked(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		tok = t
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if revoked(err) {
			m.logger.Warn("refresh token revoked, disabling sync",
				"account_id", accountID, "error", err)
			if revokeErr := m.Revoke(ctx, accountID); revokeErr != nil {
				m.logger.Error("revoking credential", "account_id", accountID, "error", revokeErr)
			}
			return "", &internal.AuthError{AccountID: accountID, Reauth: true, Err: err}
		}
		return "", &internal.AuthError{AccountID: accountID, Err: err}
	}

	next := &internal.Credential{
		AccountID:    accountID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        cred.Scope,
	}
	// The provider does not always re-issue the refresh token.
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if err := m.store.ReplaceCredential(ctx, next); err != nil {
		return "", &internal.AuthError{AccountID: accountID, Err: err}
	}

	m.logger.Info("access token refreshed", "account_id", accountID, "expiry", next.Expiry)
	return next.AccessToken, nil
}

func (m *Manager) accountLock(accountID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[accountID] = lock
	}
	return lock
}

// revoked reports whether the token endpoint rejected the refresh token
// itself. invalid_grant covers both expired and revoked grants; it must
// never be retried.
func revoked(err error) bool {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) {
		return false
	}
	if rErr.ErrorCode == "invalid_grant" {
		return true
	}
	return rErr.Response != nil && rErr.Response.StatusCode == http.StatusUnauthorized
}
