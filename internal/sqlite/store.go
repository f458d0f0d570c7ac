package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

// timeLayout is fixed width so that stored instants sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Store implements reminder.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ reminder.Store = (*Store)(nil)

func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) GetPreferences(ctx context.Context, userID string) (reminder.Preferences, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT prefs FROM notification_preferences WHERE user_id = ?`, userID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.DefaultPreferences(), false, nil
	}
	if err != nil {
		return reminder.Preferences{}, false, fmt.Errorf("get preferences: %w", err)
	}

	prefs := reminder.DefaultPreferences()
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		return reminder.Preferences{}, false, fmt.Errorf("decode preferences: %w", err)
	}
	return prefs, true, nil
}

func (s *Store) PutPreferences(ctx context.Context, userID string, prefs reminder.Preferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notification_preferences (user_id, global_enabled, prefs, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   global_enabled = excluded.global_enabled,
		   prefs = excluded.prefs,
		   updated_at = excluded.updated_at`,
		userID, prefs.GlobalEnabled, string(raw), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put preferences: %w", err)
	}
	return nil
}

func (s *Store) ListEnabledUsers(ctx context.Context) ([]string, error) {
	return s.queryUserIDs(ctx,
		`SELECT user_id FROM notification_preferences WHERE global_enabled = 1 ORDER BY user_id`)
}

func (s *Store) ListSweepUsers(ctx context.Context, since string) ([]string, error) {
	return s.queryUserIDs(ctx,
		`SELECT user_id FROM notification_preferences WHERE global_enabled = 1
		 UNION
		 SELECT user_id FROM notification_slots
		 WHERE slot_date >= ? AND status IN ('pending', 'sent')
		 ORDER BY user_id`, since)
}

func (s *Store) queryUserIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
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
	return users, rows.Err()
}

const slotColumns = `user_id, slot_date, category, kind, label, scheduled_time, scheduled_at,
	status, generated_at, sent_at, resolved_at, resolution_action`

type scanner interface {
	Scan(dest ...any) error
}

func scanSlot(row scanner) (reminder.Slot, error) {
	var (
		sl                     reminder.Slot
		category, kind, status string
		scheduledAt, generated string
		sentAt, resolvedAt     sql.NullString
	)
	err := row.Scan(&sl.UserID, &sl.Date, &category, &kind, &sl.Label, &sl.ScheduledTime, &scheduledAt,
		&status, &generated, &sentAt, &resolvedAt, &sl.ResolutionAction)
	if err != nil {
		return reminder.Slot{}, err
	}

	sl.Category = reminder.Category(category)
	sl.Kind = reminder.Kind(kind)
	sl.Status = reminder.Status(status)
	if sl.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return reminder.Slot{}, fmt.Errorf("parse scheduled_at: %w", err)
	}
	if sl.GeneratedAt, err = parseTime(generated); err != nil {
		return reminder.Slot{}, fmt.Errorf("parse generated_at: %w", err)
	}
	if sl.SentAt, err = parseTimePtr(sentAt); err != nil {
		return reminder.Slot{}, fmt.Errorf("parse sent_at: %w", err)
	}
	if sl.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return reminder.Slot{}, fmt.Errorf("parse resolved_at: %w", err)
	}
	return sl, nil
}

func (s *Store) GetSlots(ctx context.Context, userID, date string) ([]reminder.Slot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM notification_slots
		 WHERE user_id = ? AND slot_date = ?
		 ORDER BY scheduled_at ASC, label ASC`, userID, date)
	if err != nil {
		return nil, fmt.Errorf("get slots: %w", err)
	}
	defer rows.Close()

	var slots []reminder.Slot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, sl)
	}
	return slots, rows.Err()
}

func (s *Store) GetSlot(ctx context.Context, key reminder.Key) (*reminder.Slot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+slotColumns+` FROM notification_slots
		 WHERE user_id = ? AND slot_date = ? AND label = ?`, key.UserID, key.Date, key.Label)

	sl, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s/%s", reminder.ErrSlotNotFound, key.UserID, key.Date, key.Label)
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return &sl, nil
}

func (s *Store) InsertSlotIfAbsent(ctx context.Context, slot *reminder.Slot) (bool, error) {
	if slot.GeneratedAt.IsZero() {
		slot.GeneratedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_slots (
		   user_id, slot_date, category, kind, label,
		   scheduled_time, scheduled_at, status, generated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, slot_date, label) DO NOTHING`,
		slot.UserID, slot.Date, string(slot.Category), string(slot.Kind), slot.Label,
		slot.ScheduledTime, formatTime(slot.ScheduledAt), string(reminder.StatusPending), formatTime(slot.GeneratedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) CompareAndSetStatus(ctx context.Context, t reminder.Transition) (bool, error) {
	if !reminder.CanTransition(t.From, t.To) {
		return false, fmt.Errorf("illegal transition %s -> %s", t.From, t.To)
	}
	sentAt, resolvedAt := t.Times()

	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_slots
		 SET status = ?,
		     sent_at = COALESCE(?, sent_at),
		     resolved_at = COALESCE(?, resolved_at),
		     resolution_action = COALESCE(NULLIF(?, ''), resolution_action)
		 WHERE user_id = ? AND slot_date = ? AND label = ? AND status = ?`,
		string(t.To), formatTimePtr(sentAt), formatTimePtr(resolvedAt), t.Action,
		t.UserID, t.Date, t.Label, string(t.From),
	)
	if err != nil {
		s.logger.Error("failed to update slot status",
			zap.Error(err),
			zap.String("user_id", t.UserID),
			zap.String("label", t.Label),
		)
		return false, fmt.Errorf("update slot status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) Reschedule(ctx context.Context, key reminder.Key, scheduledTime string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_slots SET scheduled_time = ?, scheduled_at = ?
		 WHERE user_id = ? AND slot_date = ? AND label = ? AND status = 'pending'`,
		scheduledTime, formatTime(at), key.UserID, key.Date, key.Label,
	)
	if err != nil {
		return false, fmt.Errorf("reschedule slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ListTargets(ctx context.Context, userID string) ([]reminder.Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, kind, address, p256dh, auth, created_at
		 FROM push_targets WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var targets []reminder.Target
	for rows.Next() {
		var (
			t       reminder.Target
			created string
		)
		if err := rows.Scan(&t.UserID, &t.Kind, &t.Address, &t.P256dh, &t.Auth, &created); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		if t.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *Store) PutTarget(ctx context.Context, t reminder.Target) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_targets (user_id, kind, address, p256dh, auth, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, kind, address) DO UPDATE SET
		   p256dh = excluded.p256dh, auth = excluded.auth`,
		t.UserID, t.Kind, t.Address, t.P256dh, t.Auth, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put target: %w", err)
	}
	return nil
}

func (s *Store) DeleteTarget(ctx context.Context, userID, kind, address string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM push_targets WHERE user_id = ? AND kind = ? AND address = ?`,
		userID, kind, address)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	return nil
}
