package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/db"
)

// WebhookGateway posts reminders to a landlord-configured endpoint. The
// recipient address is the endpoint URL.
type WebhookGateway struct {
	client *http.Client
	logger *zap.Logger
}

type WebhookConfig struct {
	Timeout time.Duration
}

func NewWebhookGateway(logger *zap.Logger, cfg WebhookConfig) *WebhookGateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebhookGateway{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// webhookBody is the JSON document posted to the endpoint.
type webhookBody struct {
	NotificationID string `json:"notification_id"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	SentAt         int64  `json:"sent_at"`
}

// Send posts the rendered reminder. The idempotency key travels in a
// header so receivers can dedup replays after a crash on our side.
func (g *WebhookGateway) Send(ctx context.Context, msg *Message) error {
	if msg.Method != db.MethodWebhook {
		return fmt.Errorf("%w: webhook gateway only supports webhooks, got %s", ErrGatewayRejected, msg.Method)
	}
	if msg.Recipient == "" {
		return fmt.Errorf("%w: recipient has no webhook URL", ErrGatewayRejected)
	}

	payload, err := json.Marshal(webhookBody{
		NotificationID: msg.NotificationID.String(),
		Subject:        msg.Subject,
		Body:           msg.Body,
		SentAt:         time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Recipient, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayRejected, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Hermitta/1.0")
	req.Header.Set("X-Hermitta-Notification-ID", msg.NotificationID.String())
	req.Header.Set("X-Hermitta-Idempotency-Key", msg.IdempotencyKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	// 4xx means the receiver refused the document: terminal. Anything
	// else non-2xx is a server-side fault worth retrying.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: webhook returned %d, body: %s", ErrGatewayRejected, resp.StatusCode, string(bodyBytes))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	g.logger.Info("webhook delivered",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("url", msg.Recipient),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

func (g *WebhookGateway) SupportsMethod(method string) bool {
	return method == db.MethodWebhook
}
