package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kairos-app/kairos-sync/calendar/google"
	"github.com/kairos-app/kairos-sync/internal"
	"github.com/kairos-app/kairos-sync/internal/config"
)

var ConnectCommand = _connectCommand{
	Name:        "connect",
	Description: "Authorize a calendar account and store its credential",
}

type _connectCommand struct {
	Name        string
	Description string
}

func (s _connectCommand) Run(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	var (
		listenAddr string
		priority   bool
	)

	fs := flag.NewFlagSet(s.Name, flag.ExitOnError)
	fs.StringVar(&listenAddr, "listen", ":8080", "local address for the oauth redirect")
	fs.BoolVar(&priority, "priority", false, "sync this account on the short interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	storage, err := openStorage(cfg)
	if err != nil {
		return err
	}

	w := flag.CommandLine.Output()
	tok, err := google.Authorize(ctx, oauthConfig(cfg), listenAddr, func(authURL string) {
		fmt.Fprintf(w, "Go to the following link in your browser\n%s\n", authURL)
	})
	if err != nil {
		return fmt.Errorf("google: logging in: %w", err)
	}

	email, err := google.PrimaryEmail(ctx, tok)
	if err != nil {
		return fmt.Errorf("google: resolving account email: %w", err)
	}

	acc := internal.Account{
		Email: email,
		Tier:  internal.TierStandard,
	}
	if priority {
		acc.Tier = internal.TierPriority
	}
	if err := storage.CreateAccount(ctx, &acc); err != nil {
		return fmt.Errorf("saving account: %w", err)
	}

	err = storage.ReplaceCredential(ctx, &internal.Credential{
		AccountID:    acc.ID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	})
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}

	err = storage.UpsertPreference(ctx, &internal.NotificationPreference{
		AccountID:          acc.ID,
		DigestEnabled:      true,
		DigestHour:         8,
		RemindersEnabled:   true,
		ReminderLeadMargin: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("saving notification preferences: %w", err)
	}

	fmt.Fprintf(os.Stdout, "Account %q connected (id %s). First sync will pick it up shortly.\n", email, acc.ID)
	return nil
}
