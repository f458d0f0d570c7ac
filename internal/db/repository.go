package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

// Repository implements reminder.Store on Postgres.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

var _ reminder.Store = (*Repository)(nil)

// NewRepository creates a new reminder repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetPreferences loads the stored preferences of a user.
func (r *Repository) GetPreferences(ctx context.Context, userID string) (reminder.Preferences, bool, error) {
	var raw []byte
	err := r.db.Pool().QueryRow(ctx,
		`SELECT prefs FROM notification_preferences WHERE user_id = $1`, userID,
	).Scan(&raw)

	if errors.Is(err, pgx.ErrNoRows) {
		return reminder.DefaultPreferences(), false, nil
	}
	if err != nil {
		r.logger.Error("failed to get preferences",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		return reminder.Preferences{}, false, fmt.Errorf("query preferences: %w", err)
	}

	prefs := reminder.DefaultPreferences()
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return reminder.Preferences{}, false, fmt.Errorf("decode preferences: %w", err)
	}
	return prefs, true, nil
}

// PutPreferences replaces the preferences document of a user.
func (r *Repository) PutPreferences(ctx context.Context, userID string, prefs reminder.Preferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	query := `
		INSERT INTO notification_preferences (user_id, global_enabled, prefs, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET global_enabled = EXCLUDED.global_enabled,
		    prefs = EXCLUDED.prefs,
		    updated_at = NOW()
	`
	if _, err := r.db.Pool().Exec(ctx, query, userID, prefs.GlobalEnabled, raw); err != nil {
		r.logger.Error("failed to save preferences",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		return fmt.Errorf("upsert preferences: %w", err)
	}

	r.logger.Info("preferences saved",
		zap.String("user_id", userID),
		zap.Bool("global_enabled", prefs.GlobalEnabled),
	)
	return nil
}

// ListEnabledUsers returns users with reminders switched on.
func (r *Repository) ListEnabledUsers(ctx context.Context) ([]string, error) {
	return r.queryUserIDs(ctx,
		`SELECT user_id FROM notification_preferences WHERE global_enabled ORDER BY user_id`)
}

// ListSweepUsers returns enabled users plus users with open slots since a date.
func (r *Repository) ListSweepUsers(ctx context.Context, since string) ([]string, error) {
	query := `
		SELECT user_id FROM notification_preferences WHERE global_enabled
		UNION
		SELECT DISTINCT user_id FROM notification_slots
		WHERE slot_date >= $1 AND status IN ('pending', 'sent')
		ORDER BY user_id
	`
	return r.queryUserIDs(ctx, query, since)
}

func (r *Repository) queryUserIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return users, nil
}

// GetSlots returns the slots of one user's date in schedule order.
func (r *Repository) GetSlots(ctx context.Context, userID, date string) ([]reminder.Slot, error) {
	query := `SELECT ` + slotColumns + `
		FROM notification_slots
		WHERE user_id = $1 AND slot_date = $2
		ORDER BY scheduled_at ASC, label ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, date)
	if err != nil {
		return nil, fmt.Errorf("query slots: %w", err)
	}
	defer rows.Close()

	var slots []reminder.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return slots, nil
}

// GetSlot retrieves a slot by key
func (r *Repository) GetSlot(ctx context.Context, key reminder.Key) (*reminder.Slot, error) {
	query := `SELECT ` + slotColumns + `
		FROM notification_slots
		WHERE user_id = $1 AND slot_date = $2 AND label = $3
	`

	s, err := scanSlot(r.db.Pool().QueryRow(ctx, query, key.UserID, key.Date, key.Label))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s/%s", reminder.ErrSlotNotFound, key.UserID, key.Date, key.Label)
	}
	if err != nil {
		r.logger.Error("failed to get slot",
			zap.Error(err),
			zap.String("user_id", key.UserID),
			zap.String("label", key.Label),
		)
		return nil, fmt.Errorf("query slot: %w", err)
	}
	return &s, nil
}

// InsertSlotIfAbsent creates the slot unless one with the same key exists.
func (r *Repository) InsertSlotIfAbsent(ctx context.Context, slot *reminder.Slot) (bool, error) {
	if slot.GeneratedAt.IsZero() {
		slot.GeneratedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO notification_slots (
			user_id, slot_date, category, kind, label,
			scheduled_time, scheduled_at, status, generated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, slot_date, label) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query,
		slot.UserID,
		slot.Date,
		string(slot.Category),
		string(slot.Kind),
		slot.Label,
		slot.ScheduledTime,
		slot.ScheduledAt.UTC(),
		string(reminder.StatusPending),
		slot.GeneratedAt,
	)
	if err != nil {
		r.logger.Error("failed to insert slot",
			zap.Error(err),
			zap.String("user_id", slot.UserID),
			zap.String("label", slot.Label),
		)
		return false, fmt.Errorf("insert slot: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// CompareAndSetStatus applies a transition only while the row still holds
// the expected status.
func (r *Repository) CompareAndSetStatus(ctx context.Context, t reminder.Transition) (bool, error) {
	if !reminder.CanTransition(t.From, t.To) {
		return false, fmt.Errorf("illegal transition %s -> %s", t.From, t.To)
	}
	sentAt, resolvedAt := t.Times()

	query := `
		UPDATE notification_slots
		SET status = $5,
		    sent_at = COALESCE($6, sent_at),
		    resolved_at = COALESCE($7, resolved_at),
		    resolution_action = COALESCE(NULLIF($8, ''), resolution_action)
		WHERE user_id = $1 AND slot_date = $2 AND label = $3 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query,
		t.UserID, t.Date, t.Label, string(t.From), string(t.To), sentAt, resolvedAt, t.Action,
	)
	if err != nil {
		r.logger.Error("failed to update slot status",
			zap.Error(err),
			zap.String("user_id", t.UserID),
			zap.String("label", t.Label),
			zap.String("to", string(t.To)),
		)
		return false, fmt.Errorf("update slot status: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// Reschedule moves a pending slot to a new time.
func (r *Repository) Reschedule(ctx context.Context, key reminder.Key, scheduledTime string, at time.Time) (bool, error) {
	query := `
		UPDATE notification_slots
		SET scheduled_time = $4, scheduled_at = $5
		WHERE user_id = $1 AND slot_date = $2 AND label = $3 AND status = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, key.UserID, key.Date, key.Label, scheduledTime, at.UTC())
	if err != nil {
		return false, fmt.Errorf("reschedule slot: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ListTargets returns the push targets of a user, oldest first.
func (r *Repository) ListTargets(ctx context.Context, userID string) ([]reminder.Target, error) {
	query := `
		SELECT user_id, kind, address, p256dh, auth, created_at
		FROM push_targets
		WHERE user_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var targets []reminder.Target
	for rows.Next() {
		var t reminder.Target
		if err := rows.Scan(&t.UserID, &t.Kind, &t.Address, &t.P256dh, &t.Auth, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return targets, nil
}

// PutTarget registers a push target, refreshing keys of a known one.
func (r *Repository) PutTarget(ctx context.Context, t reminder.Target) error {
	query := `
		INSERT INTO push_targets (user_id, kind, address, p256dh, auth)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, kind, address) DO UPDATE
		SET p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth
	`
	if _, err := r.db.Pool().Exec(ctx, query, t.UserID, t.Kind, t.Address, t.P256dh, t.Auth); err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}

	r.logger.Info("push target registered",
		zap.String("user_id", t.UserID),
		zap.String("kind", t.Kind),
	)
	return nil
}

// DeleteTarget removes a push target. Deleting an unknown target is not an error.
func (r *Repository) DeleteTarget(ctx context.Context, userID, kind, address string) error {
	_, err := r.db.Pool().Exec(ctx,
		`DELETE FROM push_targets WHERE user_id = $1 AND kind = $2 AND address = $3`,
		userID, kind, address,
	)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}

	r.logger.Info("push target removed",
		zap.String("user_id", userID),
		zap.String("kind", kind),
	)
	return nil
}
