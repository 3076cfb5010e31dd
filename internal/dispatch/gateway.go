// Package dispatch consumes scheduled notifications, renders their
// templates and delivers them through an external gateway with bounded
// retries, committing the dedup ledger only on confirmed acceptance.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/db"
)

// ErrGatewayRejected is a terminal delivery failure: the gateway refused
// the message (invalid recipient address, malformed content). Rejected
// sends are never retried.
var ErrGatewayRejected = errors.New("gateway rejected message")

// IsTerminal reports whether a send error must not be retried. Anything
// else (timeouts, throttling, 5xx-equivalents, open circuit) is treated
// as transient and retried up to the configured ceiling.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrGatewayRejected)
}

// Message is a fully rendered notification ready for delivery. The
// idempotency key is stable per notification so that a crash between
// gateway acceptance and ledger commit cannot double-deliver on replay.
type Message struct {
	NotificationID uuid.UUID
	IdempotencyKey string
	Method         string // email, sms, webhook
	Recipient      string // address appropriate to the method
	Subject        string
	Body           string
}

// Gateway is the unified delivery interface.
// Implementations: Email (SES), SMS (SNS), Webhooks.
type Gateway interface {
	Send(ctx context.Context, msg *Message) error
	SupportsMethod(method string) bool
}

// MultiGateway routes messages to the matching method gateway.
type MultiGateway struct {
	gateways []Gateway
	logger   *zap.Logger
}

func NewMultiGateway(logger *zap.Logger, gateways ...Gateway) *MultiGateway {
	return &MultiGateway{gateways: gateways, logger: logger}
}

func (m *MultiGateway) Send(ctx context.Context, msg *Message) error {
	for _, g := range m.gateways {
		if g.SupportsMethod(msg.Method) {
			m.logger.Debug("routing message to gateway",
				zap.String("method", msg.Method),
				zap.String("notification_id", msg.NotificationID.String()),
			)
			return g.Send(ctx, msg)
		}
	}
	return fmt.Errorf("%w: no gateway for method %s", ErrGatewayRejected, msg.Method)
}

func (m *MultiGateway) SupportsMethod(method string) bool {
	for _, g := range m.gateways {
		if g.SupportsMethod(method) {
			return true
		}
	}
	return false
}

// LogGateway logs messages instead of delivering them (development mode).
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(ctx context.Context, msg *Message) error {
	g.logger.Info("logging message (development mode)",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("method", msg.Method),
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject),
	)
	return nil
}

func (g *LogGateway) SupportsMethod(method string) bool {
	return method == db.MethodEmail || method == db.MethodSMS || method == db.MethodWebhook
}
