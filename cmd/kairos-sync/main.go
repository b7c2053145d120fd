package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"github.com/kairos-app/kairos-sync/internal/config"
	"github.com/kairos-app/kairos-sync/internal/sqlite"
)

func main() {
	var verbose bool
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.Usage = usage
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Unable to load configuration:", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case ServeCommand.Name:
		err = ServeCommand.Run(ctx, cfg, logger, args[1:])
	case SyncCommand.Name:
		err = SyncCommand.Run(ctx, cfg, logger, args[1:])
	case ConnectCommand.Name:
		err = ConnectCommand.Run(ctx, cfg, logger, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "Usage of %s:\n", os.Args[0])
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range [][2]string{
		{ServeCommand.Name, ServeCommand.Description},
		{SyncCommand.Name, SyncCommand.Description},
		{ConnectCommand.Name, ConnectCommand.Description},
	} {
		fmt.Fprintf(w, "  %-10s %s\n", c[0], c[1])
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	flag.PrintDefaults()
}

func openStorage(cfg *config.Config) (*sqlite.Storage, error) {
	db, err := sql.Open(sqlite.DriverName, fmt.Sprintf("file:%s?_foreign_keys=on", cfg.DatabasePath))
	if err != nil {
		return nil, err
	}
	return sqlite.NewStorage(db), nil
}

func oauthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
		Scopes:       []string{calendar.CalendarScope},
		Endpoint:     googleoauth.Endpoint,
	}
}
