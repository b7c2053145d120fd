// Package google is the typed request layer over the Google Calendar
// API. Every call resolves an access token through the token manager;
// an auth failure triggers exactly one refresh-and-retry.
package google

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/kairos-app/kairos-sync/internal"
)

const (
	apiTimeout = 30 * time.Second
	maxRetries = 3
)

// TokenSource resolves access tokens per account. Refresh bypasses the
// cached expiry and is only used after the provider rejects a token.
type TokenSource interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
	Refresh(ctx context.Context, accountID string) (string, error)
}

type Client struct {
	tokens TokenSource
	logger *slog.Logger

	// Endpoint overrides the API base URL. Tests point it at a fake.
	Endpoint string
}

func NewClient(tokens TokenSource, logger *slog.Logger) *Client {
	return &Client{
		tokens: tokens,
		logger: logger.With("component", "google"),
	}
}

// Calendars lists the account's calendars, normalized to internal rows.
func (c *Client) Calendars(ctx context.Context, accountID string) ([]*internal.Calendar, error) {
	var items []*calendar.CalendarListEntry
	err := c.withService(ctx, accountID, func(ctx context.Context, svc *calendar.Service) error {
		items = items[:0]
		pageToken := ""
		for {
			call := svc.CalendarList.List().Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			list, err := call.Do()
			if err != nil {
				return err
			}
			items = append(items, list.Items...)
			pageToken = list.NextPageToken
			if pageToken == "" {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}

	cals := make([]*internal.Calendar, len(items))
	for i, item := range items {
		cals[i] = newCalendar(accountID, item)
	}
	return cals, nil
}

// Events lists all events of one calendar in [from, to), including
// cancelled ones so tombstones propagate. The returned slice is only
// complete listings: a pagination failure surfaces as an error rather
// than a truncated result.
func (c *Client) Events(ctx context.Context, accountID, calendarProviderID string, from, to time.Time) ([]*internal.Event, error) {
	var items []*calendar.Event
	err := c.withService(ctx, accountID, func(ctx context.Context, svc *calendar.Service) error {
		items = items[:0]
		pageToken := ""
		for {
			call := svc.Events.List(calendarProviderID).
				Context(ctx).
				ShowDeleted(true).
				SingleEvents(true).
				TimeMin(from.Format(time.RFC3339)).
				TimeMax(to.Format(time.RFC3339))
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			list, err := call.Do()
			if err != nil {
				return err
			}
			items = append(items, list.Items...)
			pageToken = list.NextPageToken
			if pageToken == "" {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}

	events := make([]*internal.Event, 0, len(items))
	for _, item := range items {
		events = append(events, newEvent(item))
	}
	return events, nil
}

func (c *Client) CreateEvent(ctx context.Context, accountID, calendarProviderID string, ev *internal.Event) (*internal.Event, error) {
	var created *calendar.Event
	err := c.withService(ctx, accountID, func(ctx context.Context, svc *calendar.Service) error {
		var err error
		created, err = svc.Events.Insert(calendarProviderID, newGoogleEvent(ev)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return newEvent(created), nil
}

func (c *Client) UpdateEvent(ctx context.Context, accountID, calendarProviderID string, ev *internal.Event) (*internal.Event, error) {
	var updated *calendar.Event
	err := c.withService(ctx, accountID, func(ctx context.Context, svc *calendar.Service) error {
		var err error
		updated, err = svc.Events.Update(calendarProviderID, ev.ProviderID, newGoogleEvent(ev)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return newEvent(updated), nil
}

// Watch registers a push channel for the calendar and returns the
// provider-assigned resource id and expiry.
func (c *Client) Watch(ctx context.Context, accountID, calendarProviderID, channelID, address string) (resourceID string, expiresAt time.Time, err error) {
	var ch *calendar.Channel
	err = c.withService(ctx, accountID, func(ctx context.Context, svc *calendar.Service) error {
		var err error
		ch, err = svc.Events.Watch(calendarProviderID, &calendar.Channel{
			Id:      channelID,
			Type:    "web_hook",
			Address: address,
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return ch.ResourceId, time.UnixMilli(ch.Expiration).UTC(), nil
}

func (c *Client) StopChannel(ctx context.Context, accountID, channelID, resourceID string) error {
	err := c.withService(ctx, accountID, func(ctx context.Context, svc *calendar.Service) error {
		return svc.Channels.Stop(&calendar.Channel{
			Id:         channelID,
			ResourceId: resourceID,
		}).Context(ctx).Do()
	})
	// A channel the provider no longer knows is already stopped.
	if err != nil && notFound(err) {
		return nil
	}
	return err
}

// withService resolves a token, runs fn with a service bound to it, and
// retries exactly once with a forced refresh when the provider rejects
// the token. Transient failures inside fn are retried with backoff.
func (c *Client) withService(ctx context.Context, accountID string, fn func(context.Context, *calendar.Service) error) error {
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	tok, err := c.tokens.AccessToken(ctx, accountID)
	if err != nil {
		return err
	}
	err = c.do(ctx, tok, fn)
	if err == nil || !authFailure(err) {
		return classify(err)
	}

	c.logger.Info("provider rejected token, refreshing once",
		"account_id", accountID, "error", err)
	tok, err = c.tokens.Refresh(ctx, accountID)
	if err != nil {
		return err
	}
	return classify(c.do(ctx, tok, fn))
}

func (c *Client) do(ctx context.Context, accessToken string, fn func(context.Context, *calendar.Service) error) error {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return err
	}

	op := func() error {
		err := fn(ctx, svc)
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	return backoff.Retry(op, bo)
}

// classify maps a raw API error to the provider error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return err
	}
	switch {
	case rateLimited(err):
		return &internal.ProviderError{Kind: internal.ProviderRateLimited, Err: err}
	case gErr.Code == http.StatusNotFound:
		return &internal.ProviderError{Kind: internal.ProviderNotFound, Err: err}
	case gErr.Code >= http.StatusInternalServerError:
		return &internal.ProviderError{Kind: internal.ProviderServerError, Err: err}
	}
	return err
}

func transient(err error) bool {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		// Network-level failures without an HTTP status are retryable.
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return rateLimited(err) ||
		gErr.Code >= http.StatusInternalServerError
}

func authFailure(err error) bool {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return false
	}
	if gErr.Code == http.StatusUnauthorized {
		return true
	}
	return gErr.Code == http.StatusForbidden && !rateLimited(err)
}

func rateLimited(err error) bool {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return false
	}
	if gErr.Code == http.StatusTooManyRequests {
		return true
	}
	return errIsReason(err, "rateLimitExceeded") || errIsReason(err, "userRateLimitExceeded")
}

func notFound(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusNotFound
}

func errIsReason(err error, reason string) bool {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return false
	}

	for _, err := range gErr.Errors {
		switch err.Reason {
		case reason:
			return true
		}
	}
	return false
}
