package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/dispatch"
)

// ProtectedGateway decorates a dispatch.Gateway with a CircuitBreaker.
// Gateway rejections (bad recipient, malformed content) are not counted
// as breaker failures: the downstream is healthy, the message is not.
type ProtectedGateway struct {
	gateway dispatch.Gateway
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedGateway(gateway dispatch.Gateway, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedGateway {
	return &ProtectedGateway{
		gateway: gateway,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedGateway) Send(ctx context.Context, msg *dispatch.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected dispatch, failing fast",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("notification_id", msg.NotificationID.String()),
			zap.String("method", msg.Method),
		)
		return fmt.Errorf("%w: %s gateway unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.gateway.Send(ctx, msg)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case dispatch.IsTerminal(err):
		// The gateway answered; only its verdict was negative.
		p.breaker.RecordSuccess()
	default:
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
	}
	return err
}

func (p *ProtectedGateway) SupportsMethod(method string) bool {
	return p.gateway.SupportsMethod(method)
}

// Breaker exposes the underlying breaker for health reporting.
func (p *ProtectedGateway) Breaker() *CircuitBreaker {
	return p.breaker
}
