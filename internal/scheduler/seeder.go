package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/metrics"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

// Seeder materialises generated slots into the store. Every write is an
// insert-if-absent, so seeding the same date twice is harmless.
type Seeder struct {
	prefs  reminder.PreferenceStore
	slots  reminder.SlotStore
	logger *zap.Logger
}

// NewSeeder creates a seeder reading preferences and writing slots.
func NewSeeder(prefs reminder.PreferenceStore, slots reminder.SlotStore, logger *zap.Logger) *Seeder {
	return &Seeder{
		prefs:  prefs,
		slots:  slots,
		logger: logger,
	}
}

// SeedUser seeds one date of a user. An empty date means the user's local
// date at now. It returns the number of slots created.
func (s *Seeder) SeedUser(ctx context.Context, userID, date string, now time.Time) (int, error) {
	prefs, _, err := s.prefs.GetPreferences(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load preferences: %w", err)
	}
	if date == "" {
		loc, err := prefs.Location()
		if err != nil {
			return 0, err
		}
		date = reminder.LocalDate(now, loc)
	}
	return s.seed(ctx, userID, prefs, date, now)
}

// SeedAll seeds every globally enabled user and returns the users visited
// and the slots created. One user's failure does not stop the others.
func (s *Seeder) SeedAll(ctx context.Context, date string, now time.Time) (users, created int, err error) {
	if date != "" {
		if _, err := reminder.ParseDate(date); err != nil {
			return 0, 0, err
		}
	}

	ids, err := s.prefs.ListEnabledUsers(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list enabled users: %w", err)
	}

	var errs []error
	for _, id := range ids {
		n, err := s.SeedUser(ctx, id, date, now)
		if err != nil {
			s.logger.Error("failed to seed user", zap.String("user_id", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("user %s: %w", id, err))
			continue
		}
		created += n
	}

	s.logger.Info("seeded slots",
		zap.String("date", date),
		zap.Int("users", len(ids)),
		zap.Int("created", created),
	)
	return len(ids), created, errors.Join(errs...)
}

// Reseed applies freshly saved preferences to a date that may already hold
// slots. Missing labels are inserted and pending slots are moved when their
// anchor differs between prev and prefs. A pending slot whose anchor did not
// change keeps its time, so a snooze survives unrelated edits. Slots that
// already left pending are never touched.
func (s *Seeder) Reseed(ctx context.Context, userID string, prev, prefs reminder.Preferences, date string, now time.Time) (created, moved int, err error) {
	fresh, err := reminder.Generate(userID, prefs, date)
	if err != nil {
		return 0, 0, err
	}
	if len(fresh) == 0 {
		return 0, 0, nil
	}

	existing, err := s.slots.GetSlots(ctx, userID, date)
	if err != nil {
		return 0, 0, fmt.Errorf("get slots: %w", err)
	}
	before := anchorTimes(userID, prev, date)
	byLabel := make(map[string]reminder.Slot, len(existing))
	for _, sl := range existing {
		byLabel[sl.Label] = sl
	}

	for i := range fresh {
		sl := &fresh[i]
		old, ok := byLabel[sl.Label]
		if !ok {
			sl.GeneratedAt = now.UTC()
			inserted, err := s.slots.InsertSlotIfAbsent(ctx, sl)
			if err != nil {
				return created, moved, fmt.Errorf("insert %s: %w", sl.Label, err)
			}
			if inserted {
				created++
			}
			continue
		}
		if old.Status != reminder.StatusPending || old.ScheduledTime == sl.ScheduledTime {
			continue
		}
		if t, ok := before[sl.Label]; ok && t == sl.ScheduledTime {
			continue
		}
		ok, err := s.slots.Reschedule(ctx, old.Key(), sl.ScheduledTime, sl.ScheduledAt)
		if err != nil {
			return created, moved, fmt.Errorf("reschedule %s: %w", sl.Label, err)
		}
		if ok {
			moved++
		}
	}

	metrics.RecordSeeded(created)
	return created, moved, nil
}

// anchorTimes maps every label prefs can produce on date to its local time,
// ignoring the enable toggles.
func anchorTimes(userID string, prefs reminder.Preferences, date string) map[string]string {
	prefs.GlobalEnabled = true
	prefs.SleepEnabled = true
	prefs.NutritionEnabled = true
	prefs.HydrationEnabled = true

	out := map[string]string{}
	slots, err := reminder.Generate(userID, prefs, date)
	if err != nil {
		return out
	}
	for _, sl := range slots {
		out[sl.Label] = sl.ScheduledTime
	}
	return out
}

func (s *Seeder) seed(ctx context.Context, userID string, prefs reminder.Preferences, date string, now time.Time) (int, error) {
	return s.fill(ctx, userID, prefs, date, nil, now)
}

// fill inserts the generated slots whose labels are not in existing. A
// partially seeded date is completed by the next call.
func (s *Seeder) fill(ctx context.Context, userID string, prefs reminder.Preferences, date string, existing []reminder.Slot, now time.Time) (int, error) {
	slots, err := reminder.Generate(userID, prefs, date)
	if err != nil {
		return 0, err
	}
	have := make(map[string]bool, len(existing))
	for _, sl := range existing {
		have[sl.Label] = true
	}

	created := 0
	for i := range slots {
		if have[slots[i].Label] {
			continue
		}
		slots[i].GeneratedAt = now.UTC()
		ok, err := s.slots.InsertSlotIfAbsent(ctx, &slots[i])
		if err != nil {
			return created, fmt.Errorf("insert %s: %w", slots[i].Label, err)
		}
		if ok {
			created++
		}
	}

	metrics.RecordSeeded(created)
	if created > 0 {
		s.logger.Debug("seeded user date",
			zap.String("user_id", userID),
			zap.String("date", date),
			zap.Int("created", created),
		)
	}
	return created, nil
}
