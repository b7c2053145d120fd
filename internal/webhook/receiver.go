package webhook

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const handleTimeout = 2 * time.Minute

// Receiver is the HTTP endpoint the provider pushes notifications to.
// It acknowledges immediately and hands the actual sync work to a
// goroutine: providers retry on non-2xx and expect sub-second replies.
type Receiver struct {
	manager *Manager
	logger  *slog.Logger
}

func NewReceiver(manager *Manager, logger *slog.Logger) *Receiver {
	return &Receiver{
		manager: manager,
		logger:  logger.With("component", "webhook-receiver"),
	}
}

func (rc *Receiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/google", rc.handleNotification)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (rc *Receiver) handleNotification(w http.ResponseWriter, req *http.Request) {
	channelID := req.Header.Get("X-Goog-Channel-ID")
	resourceID := req.Header.Get("X-Goog-Resource-ID")
	state := req.Header.Get("X-Goog-Resource-State")

	if channelID == "" {
		http.Error(w, "missing channel id", http.StatusBadRequest)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		defer cancel()

		if err := rc.manager.HandleNotification(ctx, channelID, resourceID, state); err != nil {
			rc.logger.Error("handling notification",
				"channel_id", channelID, "state", state, "error", err)
		}
	}()

	w.WriteHeader(http.StatusOK)
}
