package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/kairos-app/kairos-sync/calendar/google"
	"github.com/kairos-app/kairos-sync/internal"
	"github.com/kairos-app/kairos-sync/internal/config"
	"github.com/kairos-app/kairos-sync/internal/syncer"
	"github.com/kairos-app/kairos-sync/internal/token"
)

var SyncCommand = _syncCommand{
	Name:        "sync",
	Description: "Run a one-off reconciliation for connected accounts",
}

type _syncCommand struct {
	Name        string
	Description string
}

func (s _syncCommand) Run(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	var accountIDs Strings

	fs := flag.NewFlagSet(s.Name, flag.ExitOnError)
	fs.Usage = func() {
		w := flag.CommandLine.Output()
		fmt.Fprintf(w, "Usage of %s %s:\n", os.Args[0], fs.Name())
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Options:\n")
		fs.PrintDefaults()
	}
	fs.Var(&accountIDs, "account", "account id to sync (default: all accounts)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	storage, err := openStorage(cfg)
	if err != nil {
		return err
	}

	tokens := token.NewManager(oauthConfig(cfg), storage, logger)
	client := google.NewClient(tokens, logger)
	engine := syncer.New(storage, client, logger, cfg.SyncWindow)

	if len(accountIDs) == 0 {
		accounts, err := storage.Accounts(ctx)
		if err != nil {
			return err
		}
		for _, acc := range accounts {
			accountIDs = append(accountIDs, acc.ID)
		}
	}
	if len(accountIDs) == 0 {
		fmt.Fprintln(os.Stdout, "No connected accounts. Run the connect command first.")
		return nil
	}

	var failed bool
	for _, id := range accountIDs {
		res, err := engine.SyncAccount(ctx, id, internal.TriggerManual)
		switch {
		case internal.ReauthRequired(err):
			fmt.Fprintf(os.Stdout, "%s: needs reconnection\n", id)
			failed = true
		case err != nil:
			fmt.Fprintf(os.Stdout, "%s: sync failed: %v\n", id, err)
			failed = true
		default:
			fmt.Fprintf(os.Stdout, "%s: %d calendars updated, %d events upserted\n",
				id, res.CalendarsUpdated, res.EventsUpserted())
		}
	}
	if failed {
		return errors.New("some accounts failed to sync, check the output")
	}
	return nil
}
