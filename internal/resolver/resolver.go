// Package resolver applies user quick actions to slots.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/metrics"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

// SignalEmitter forwards quick-log signals to the logging collaborator.
type SignalEmitter interface {
	Emit(ctx context.Context, sig reminder.LogSignal) error
}

// LogEmitter only logs signals. Used when no queue is configured.
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter creates an emitter that only logs.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(ctx context.Context, sig reminder.LogSignal) error {
	e.logger.Info("log signal (development mode)",
		zap.String("signal_id", sig.ID),
		zap.String("user_id", sig.UserID),
		zap.String("category", string(sig.Category)),
		zap.String("action", string(sig.Action)),
	)
	return nil
}

// Result is the outcome of a quick action.
type Result struct {
	Slot *reminder.Slot `json:"slot"`
	// Changed is false when the slot was already resolved.
	Changed bool `json:"changed"`
	// FollowUp is the slot created by snoozing a delivered reminder.
	FollowUp *reminder.Slot `json:"follow_up,omitempty"`
}

// maxAttempts bounds re-reads when the sweep changes a slot under us.
const maxAttempts = 3

// Resolver applies quick actions with conditional status updates, so it can
// run alongside the sweep.
type Resolver struct {
	slots   reminder.SlotStore
	signals SignalEmitter
	logger  *zap.Logger
}

// New creates a resolver that emits log signals through signals.
func New(slots reminder.SlotStore, signals SignalEmitter, logger *zap.Logger) *Resolver {
	return &Resolver{
		slots:   slots,
		signals: signals,
		logger:  logger,
	}
}

// Ack resolves a slot without logging anything.
func (r *Resolver) Ack(ctx context.Context, key reminder.Key, now time.Time) (*Result, error) {
	return r.Resolve(ctx, key, reminder.ActionAck, now)
}

// Resolve applies action to the slot at key.
//
//	pending + snooze     -> pending, moved later by the snooze duration
//	pending + other      -> skipped, the reminder is pre-empted
//	sent    + snooze     -> acked, plus a pending follow-up slot
//	sent    + other      -> acked
//	resolved             -> unchanged
//
// Log actions emit a signal whenever they resolve the slot.
func (r *Resolver) Resolve(ctx context.Context, key reminder.Key, action reminder.Action, now time.Time) (*Result, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		slot, err := r.slots.GetSlot(ctx, key)
		if err != nil {
			if errors.Is(err, reminder.ErrSlotNotFound) {
				metrics.RecordQuickAction(string(action), "not_found")
			}
			return nil, err
		}
		if !action.IsValid(slot.Kind) {
			metrics.RecordQuickAction(string(action), "invalid")
			return nil, fmt.Errorf("%w: %q for %s", reminder.ErrInvalidAction, action, slot.Kind)
		}
		if slot.Status.Terminal() {
			metrics.RecordQuickAction(string(action), "noop")
			return r.repeat(ctx, slot, action)
		}

		res, applied, err := r.apply(ctx, slot, action, now)
		if err != nil {
			return nil, err
		}
		if !applied {
			// the sweep moved the slot; decide again on its new status
			continue
		}

		metrics.RecordQuickAction(string(action), "resolved")
		if action.IsLog() && res.Slot.Status.Terminal() {
			r.emit(ctx, res.Slot, action, now)
		}
		return res, nil
	}
	return nil, fmt.Errorf("resolve %s/%s/%s: slot kept changing", key.UserID, key.Date, key.Label)
}

// repeat answers an action on an already resolved slot. A repeated snooze
// makes sure its follow-up exists, since the follow-up insert can fail after
// the slot was acked.
func (r *Resolver) repeat(ctx context.Context, slot *reminder.Slot, action reminder.Action) (*Result, error) {
	res := &Result{Slot: slot}
	snooze, isSnooze := action.SnoozeDuration()
	if !isSnooze || slot.Status != reminder.StatusAcked ||
		slot.ResolutionAction != string(action) || slot.ResolvedAt == nil {
		return res, nil
	}
	next, err := r.followUp(ctx, slot, slot.ResolvedAt.Add(snooze))
	if err != nil {
		return nil, err
	}
	res.FollowUp = next
	return res, nil
}

func (r *Resolver) apply(ctx context.Context, slot *reminder.Slot, action reminder.Action, now time.Time) (*Result, bool, error) {
	snooze, isSnooze := action.SnoozeDuration()

	switch {
	case slot.Status == reminder.StatusPending && isSnooze:
		minutes, err := reminder.ParseClock(slot.ScheduledTime)
		if err != nil {
			return nil, false, err
		}
		clock := reminder.FormatClock(minutes + int(snooze/time.Minute))
		at := slot.ScheduledAt.Add(snooze)
		ok, err := r.slots.Reschedule(ctx, slot.Key(), clock, at)
		if err != nil || !ok {
			return nil, false, err
		}
		slot.ScheduledTime, slot.ScheduledAt = clock, at
		return &Result{Slot: slot, Changed: true}, true, nil

	case slot.Status == reminder.StatusPending:
		ok, err := r.transition(ctx, slot, reminder.StatusSkipped, action, now)
		if err != nil || !ok {
			return nil, false, err
		}
		return &Result{Slot: slot, Changed: true}, true, nil

	case slot.Status == reminder.StatusSent:
		ok, err := r.transition(ctx, slot, reminder.StatusAcked, action, now)
		if err != nil || !ok {
			return nil, false, err
		}
		res := &Result{Slot: slot, Changed: true}
		if isSnooze {
			res.FollowUp, err = r.followUp(ctx, slot, now.Add(snooze))
			if err != nil {
				return nil, false, err
			}
		}
		return res, true, nil
	}
	return nil, false, fmt.Errorf("unexpected slot status %s", slot.Status)
}

func (r *Resolver) transition(ctx context.Context, slot *reminder.Slot, to reminder.Status, action reminder.Action, now time.Time) (bool, error) {
	t := reminder.Transition{Key: slot.Key(), From: slot.Status, To: to, At: now, Action: string(action)}
	ok, err := r.slots.CompareAndSetStatus(ctx, t)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", slot.Label, err)
	}
	if !ok {
		return false, nil
	}
	metrics.RecordTransition(string(to))

	_, resolvedAt := t.Times()
	slot.Status = to
	slot.ResolvedAt = resolvedAt
	slot.ResolutionAction = string(action)
	return true, nil
}

// followUp schedules a fresh pending slot for a snoozed delivery. Its
// label is the original label plus the local time, so repeated snoozes do
// not collide.
func (r *Resolver) followUp(ctx context.Context, slot *reminder.Slot, at time.Time) (*reminder.Slot, error) {
	base, _, _ := strings.Cut(slot.Label, "@")
	minutes, err := reminder.ParseClock(slot.ScheduledTime)
	if err != nil {
		return nil, err
	}
	clock := reminder.FormatClock(minutes + int(at.Sub(slot.ScheduledAt)/time.Minute))

	next := &reminder.Slot{
		UserID:        slot.UserID,
		Date:          slot.Date,
		Category:      slot.Category,
		Kind:          slot.Kind,
		Label:         base + "@" + clock,
		ScheduledTime: clock,
		ScheduledAt:   at.UTC(),
		Status:        reminder.StatusPending,
		GeneratedAt:   at.UTC(),
	}
	if _, err := r.slots.InsertSlotIfAbsent(ctx, next); err != nil {
		return nil, fmt.Errorf("insert follow-up %s: %w", next.Label, err)
	}
	return next, nil
}

// emit is fire-and-forget: a lost signal never fails the user's action.
func (r *Resolver) emit(ctx context.Context, slot *reminder.Slot, action reminder.Action, now time.Time) {
	sig := reminder.LogSignal{
		ID:        uuid.NewString(),
		UserID:    slot.UserID,
		Category:  slot.Category,
		Kind:      slot.Kind,
		Date:      slot.Date,
		Label:     slot.Label,
		Action:    action,
		Timestamp: now.UTC(),
	}
	if err := r.signals.Emit(ctx, sig); err != nil {
		metrics.RecordLogSignal("failed")
		r.logger.Error("failed to emit log signal",
			zap.String("user_id", slot.UserID),
			zap.String("label", slot.Label),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		return
	}
	metrics.RecordLogSignal("emitted")
}
