package internal

import (
	"errors"
	"fmt"
)

// ErrSyncInFlight is returned when a SyncAccount trigger is coalesced
// because a run for the same account is already executing.
var ErrSyncInFlight = errors.New("sync already in flight for account")

// ErrAccountNotFound is returned when an account id resolves to nothing.
var ErrAccountNotFound = errors.New("account not found")

// ErrChannelUnknown is returned for notifications carrying a channel id
// we have no record of. The caller acknowledges and drops them.
var ErrChannelUnknown = errors.New("unknown webhook channel")

// AuthError is a credential failure for one account. Reauth marks the
// terminal case: the refresh token itself was rejected and sync stays
// disabled until the user reconnects. Everything else is transient.
type AuthError struct {
	AccountID string
	Reauth    bool
	Err       error
}

func (e *AuthError) Error() string {
	if e.Reauth {
		return fmt.Sprintf("auth: account %s requires reauthorization: %v", e.AccountID, e.Err)
	}
	return fmt.Sprintf("auth: transient failure for account %s: %v", e.AccountID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ReauthRequired reports whether err is a terminal AuthError.
func ReauthRequired(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Reauth
}

type ProviderErrorKind string

var (
	ProviderRateLimited ProviderErrorKind = "rate_limited"
	ProviderServerError ProviderErrorKind = "server_error"
	ProviderNotFound    ProviderErrorKind = "not_found"
)

// ProviderError classifies a calendar API failure after retries exhaust.
type ProviderError struct {
	Kind ProviderErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider: %s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RateLimited reports whether err carries a provider rate-limit response,
// which imposes a cooldown on the account's next scheduled attempt.
func RateLimited(err error) bool {
	var provErr *ProviderError
	return errors.As(err, &provErr) && provErr.Kind == ProviderRateLimited
}

// DeliveryError is a push-transport failure for a single recipient token.
// TokenInvalid means the transport reported the token as no longer
// registered; the device row should be pruned, not retried.
type DeliveryError struct {
	Token        string
	TokenInvalid bool
	Err          error
}

func (e *DeliveryError) Error() string {
	if e.TokenInvalid {
		return fmt.Sprintf("delivery: token no longer registered: %v", e.Err)
	}
	return fmt.Sprintf("delivery: transient failure: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
