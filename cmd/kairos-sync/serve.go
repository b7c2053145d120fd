package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"time"

	"github.com/kairos-app/kairos-sync/calendar/google"
	"github.com/kairos-app/kairos-sync/internal"
	"github.com/kairos-app/kairos-sync/internal/config"
	"github.com/kairos-app/kairos-sync/internal/notify"
	"github.com/kairos-app/kairos-sync/internal/scheduler"
	"github.com/kairos-app/kairos-sync/internal/syncer"
	"github.com/kairos-app/kairos-sync/internal/token"
	"github.com/kairos-app/kairos-sync/internal/webhook"
)

var ServeCommand = _serveCommand{
	Name:        "serve",
	Description: "Run the sync daemon: webhook receiver and schedules",
}

type _serveCommand struct {
	Name        string
	Description string
}

func (s _serveCommand) Run(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet(s.Name, flag.ExitOnError)
	listenAddr := fs.String("listen", cfg.ListenAddr, "webhook receiver listen address")
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
	transport := notify.NewHTTPTransport(cfg.Push.Endpoint, cfg.Push.APIKey, logger)
	dispatcher := notify.NewDispatcher(storage, transport, logger)

	pipeline := &syncPipeline{engine: engine, notifier: dispatcher, logger: logger}
	channels := webhook.NewManager(storage, client, pipeline, cfg.WebhookCallbackURL, logger)

	// Cold start: re-establish watches for calendars whose channels
	// expired while the daemon was down.
	if err := channels.EnsureWatches(ctx); err != nil {
		logger.Warn("initial watch sweep incomplete", "error", err)
	}

	sched := scheduler.New(scheduler.Config{
		SyncInterval:     cfg.SyncInterval,
		BatchSize:        cfg.BatchSize,
		BatchDelay:       cfg.BatchDelay,
		PriorityInterval: cfg.PriorityInterval,
		StandardInterval: cfg.StandardInterval,
		JobRetention:     cfg.JobRetention,
	}, storage, pipeline, channels, dispatcher, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	receiver := webhook.NewReceiver(channels, logger)
	server := &http.Server{
		Addr:              *listenAddr,
		Handler:           receiver.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhook receiver listening", "addr", *listenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// syncPipeline runs a sync and feeds the result to the notification
// dispatcher as an explicit second stage.
type syncPipeline struct {
	engine   *syncer.Engine
	notifier *notify.Dispatcher
	logger   *slog.Logger
}

func (p *syncPipeline) SyncAccount(ctx context.Context, accountID string, trigger internal.Trigger) (*internal.SyncResult, error) {
	res, err := p.engine.SyncAccount(ctx, accountID, trigger)
	if err != nil || res == nil {
		return res, err
	}
	if derr := p.notifier.DispatchSyncResult(ctx, res); derr != nil {
		var dErr *internal.DeliveryError
		if !errors.As(derr, &dErr) || !dErr.TokenInvalid {
			p.logger.Warn("dispatching sync notifications",
				"account_id", accountID, "error", derr)
		}
	}
	return res, nil
}
