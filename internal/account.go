package internal

import "time"

// AccountStatus tracks whether an account is eligible for sync.
type AccountStatus string

var (
	AccountActive      AccountStatus = "active"
	AccountNeedsReauth AccountStatus = "needs_reauth"
)

// AccountTier controls how often the batch scheduler revisits an account.
type AccountTier string

var (
	TierPriority AccountTier = "priority"
	TierStandard AccountTier = "standard"
)

// Account is a user's authorized link to the calendar provider.
type Account struct {
	ID            string
	Email         string
	Status        AccountStatus
	Tier          AccountTier
	CooldownUntil time.Time
	CreatedAt     time.Time
}

// SyncEligible reports whether the account may be synced at all.
// Accounts waiting on reauthorization are skipped until the user reconnects.
func (a Account) SyncEligible() bool {
	return a.Status == AccountActive
}

// Credential is the live access/refresh token pair for an account.
// There is exactly one per account; refreshing replaces the row.
type Credential struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
	UpdatedAt    time.Time
}

// ValidFor reports whether the access token is still usable at now,
// keeping the given safety margin before the real expiry.
func (c Credential) ValidFor(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	return c.Expiry.After(now.Add(margin))
}
