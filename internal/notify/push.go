package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// PushMessage is one notification for one recipient token.
type PushMessage struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

const (
	StatusOK            = "ok"
	StatusNotRegistered = "not_registered"
	StatusError         = "error"
)

// DeliveryStatus is the transport's per-token outcome. NotRegistered is
// terminal for the token; everything else is transient.
type DeliveryStatus struct {
	Token  string `json:"token"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Transport delivers push messages and reports per-token status.
type Transport interface {
	Send(ctx context.Context, msgs []PushMessage) ([]DeliveryStatus, error)
}

const sendTimeout = 10 * time.Second

// HTTPTransport talks to the external push-delivery service.
type HTTPTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTPTransport(endpoint, apiKey string, logger *slog.Logger) *HTTPTransport {
	return &HTTPTransport{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: sendTimeout},
		logger:   logger.With("component", "push"),
	}
}

func (t *HTTPTransport) Send(ctx context.Context, msgs []PushMessage) ([]DeliveryStatus, error) {
	payload, err := json.Marshal(struct {
		Messages []PushMessage `json:"messages"`
	}{Messages: msgs})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push: sending batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("push: transport returned %d: %s", resp.StatusCode, body)
	}

	var res struct {
		Results []DeliveryStatus `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("push: parsing response: %w", err)
	}
	return res.Results, nil
}
