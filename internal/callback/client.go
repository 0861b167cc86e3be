// Package callback pushes ticket events to the chat front end over HTTP.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/psds-microservice/escrow-service/internal/events"
)

const EventsPath = "/escrow/events"

// Client posts every event to <baseURL>/escrow/events. Delivery is best-effort.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

var _ events.Notifier = (*Client)(nil)

// NewClient returns a client. An empty baseURL makes Notify a no-op.
func NewClient(baseURL string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		log: log.Named("callback"),
	}
}

func (c *Client) Notify(ctx context.Context, e events.Event) {
	if c.baseURL == "" {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		c.log.Warn("marshal", zap.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+EventsPath, bytes.NewReader(body))
	if err != nil {
		c.log.Warn("new request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrow-Event", string(e.Kind))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("request", zap.String("ticket_id", e.TicketID), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		c.log.Warn("unexpected status",
			zap.Int("status", resp.StatusCode),
			zap.String("kind", string(e.Kind)),
			zap.String("ticket_id", e.TicketID))
	}
}
