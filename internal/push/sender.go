// Package push delivers slot reminders to a user's registered targets.
package push

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

var (
	// ErrTransient covers every delivery failure that is not the target's fault.
	ErrTransient = errors.New("transient delivery failure")
	// ErrInvalidToken means the target is gone and should be forgotten.
	ErrInvalidToken = errors.New("push target is no longer valid")
	// ErrNoTargets means the user has nothing registered to deliver to.
	ErrNoTargets = errors.New("no push targets registered")
)

// Sender is the unified interface for all push channels.
// Implementations: SNS (mobile), Web Push (browser), SES (email).
type Sender interface {
	Send(ctx context.Context, target reminder.Target, msg reminder.Message) error
	SupportsKind(kind string) bool
}

// MultiSender routes a target to the sender that handles its kind.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

func (m *MultiSender) Send(ctx context.Context, target reminder.Target, msg reminder.Message) error {
	for _, sender := range m.senders {
		if sender.SupportsKind(target.Kind) {
			m.logger.Debug("routing push to sender",
				zap.String("kind", target.Kind),
				zap.String("user_id", target.UserID),
			)
			return sender.Send(ctx, target, msg)
		}
	}

	return fmt.Errorf("no sender for target kind %s: %w", target.Kind, ErrTransient)
}

func (m *MultiSender) SupportsKind(kind string) bool {
	for _, sender := range m.senders {
		if sender.SupportsKind(kind) {
			return true
		}
	}
	return false
}

// LogSender only logs pushes. Used when no real channel is configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, target reminder.Target, msg reminder.Message) error {
	s.logger.Info("logging push (development mode)",
		zap.String("user_id", target.UserID),
		zap.String("kind", target.Kind),
		zap.String("title", msg.Title),
		zap.Any("data", msg.Data),
	)
	return nil
}

func (s *LogSender) SupportsKind(kind string) bool {
	return kind == reminder.TargetSNS || kind == reminder.TargetWebPush || kind == reminder.TargetEmail
}
