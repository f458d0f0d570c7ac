package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/push"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

// ProtectedSender wraps one delivery channel with a breaker. Invalid
// targets are the target's fault, so they count as successes for the
// channel.
type ProtectedSender struct {
	sender  push.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender push.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedSender) Send(ctx context.Context, target reminder.Target, msg reminder.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected push",
			zap.String("breaker", p.breaker.Name()),
			zap.String("user_id", target.UserID),
			zap.String("kind", target.Kind),
		)
		return fmt.Errorf("%w: %s channel unavailable: %w", ErrCircuitOpen, p.breaker.Name(), push.ErrTransient)
	}

	err := p.sender.Send(ctx, target, msg)
	switch {
	case err == nil, errors.Is(err, push.ErrInvalidToken):
		p.breaker.RecordSuccess()
	default:
		p.breaker.RecordFailure()
	}
	return err
}

func (p *ProtectedSender) SupportsKind(kind string) bool {
	return p.sender.SupportsKind(kind)
}

func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
