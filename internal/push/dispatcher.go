package push

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/metrics"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

var tracer = otel.Tracer("trivita/push")

// Dispatcher is the delivery gateway: it fans a message out to every target
// of a user. Targets that report an invalid token are deleted.
type Dispatcher struct {
	targets reminder.TargetStore
	sender  Sender
	logger  *zap.Logger
}

func NewDispatcher(targets reminder.TargetStore, sender Sender, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		targets: targets,
		sender:  sender,
		logger:  logger,
	}
}

// Send delivers msg to the user. It succeeds when at least one target
// accepted the message. Other failures are wrapped in ErrTransient, except
// when every target turned out to be invalid (ErrInvalidToken) or none
// exists (ErrNoTargets).
func (d *Dispatcher) Send(ctx context.Context, userID string, msg reminder.Message) error {
	ctx, span := tracer.Start(ctx, "push.send")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	targets, err := d.targets.ListTargets(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list targets: %v: %w", err, ErrTransient)
	}
	if len(targets) == 0 {
		metrics.RecordDelivery("none", "no_target")
		return ErrNoTargets
	}

	var (
		delivered int
		invalid   int
		errs      []error
	)
	for _, t := range targets {
		err := d.sender.Send(ctx, t, msg)
		switch {
		case err == nil:
			delivered++
			metrics.RecordDelivery(t.Kind, "delivered")
		case errors.Is(err, ErrInvalidToken):
			invalid++
			metrics.RecordDelivery(t.Kind, "invalid_target")
			d.logger.Warn("push target invalid, removing",
				zap.String("user_id", userID),
				zap.String("kind", t.Kind),
				zap.Error(err),
			)
			if delErr := d.targets.DeleteTarget(ctx, t.UserID, t.Kind, t.Address); delErr != nil {
				d.logger.Error("failed to remove invalid target",
					zap.String("user_id", userID),
					zap.Error(delErr),
				)
			}
		default:
			metrics.RecordDelivery(t.Kind, "failed")
			errs = append(errs, err)
		}
	}

	span.SetAttributes(
		attribute.Int("targets", len(targets)),
		attribute.Int("delivered", delivered),
	)

	if delivered > 0 {
		return nil
	}
	if invalid == len(targets) {
		span.SetStatus(codes.Error, "all targets invalid")
		return ErrInvalidToken
	}
	err = errors.Join(errs...)
	span.RecordError(err)
	span.SetStatus(codes.Error, "delivery failed")
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
