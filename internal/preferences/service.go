// Package preferences validates and stores a user's reminder settings and
// applies a change to the user's current day.
package preferences

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

// Reseeder applies saved preferences to one date of a user.
type Reseeder interface {
	Reseed(ctx context.Context, userID string, prev, prefs reminder.Preferences, date string, now time.Time) (created, moved int, err error)
}

// Service validates, stores and applies preferences.
type Service struct {
	store  reminder.PreferenceStore
	seeder Reseeder
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a preference service that re-seeds through seeder.
func NewService(store reminder.PreferenceStore, seeder Reseeder, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		seeder: seeder,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the time source used to find the user's today.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get returns the stored preferences, or the defaults for a new user.
func (s *Service) Get(ctx context.Context, userID string) (reminder.Preferences, error) {
	prefs, _, err := s.store.GetPreferences(ctx, userID)
	if err != nil {
		return reminder.Preferences{}, fmt.Errorf("get preferences: %w", err)
	}
	return prefs, nil
}

// Save validates and replaces the user's preferences, then re-seeds the
// user's current local date. Invalid preferences are rejected before
// anything is written.
func (s *Service) Save(ctx context.Context, userID string, prefs reminder.Preferences) (reminder.Preferences, error) {
	if prefs.Timezone == "" {
		prefs.Timezone = "UTC"
	}
	if prefs.HydrationIntervalHours == 0 {
		prefs.HydrationIntervalHours = reminder.DefaultPreferences().HydrationIntervalHours
	}
	if prefs.CustomSlots == nil {
		prefs.CustomSlots = []reminder.CustomSlot{}
	}
	if err := prefs.Validate(); err != nil {
		return reminder.Preferences{}, err
	}

	prev, _, err := s.store.GetPreferences(ctx, userID)
	if err != nil {
		return reminder.Preferences{}, fmt.Errorf("get preferences: %w", err)
	}
	if err := s.store.PutPreferences(ctx, userID, prefs); err != nil {
		return reminder.Preferences{}, fmt.Errorf("put preferences: %w", err)
	}

	now := s.now()
	loc, _ := prefs.Location()
	today := reminder.LocalDate(now, loc)
	created, moved, err := s.seeder.Reseed(ctx, userID, prev, prefs, today, now)
	if err != nil {
		// the next tick seeds or keeps the old times; the save itself stands
		s.logger.Warn("failed to re-seed after preference change",
			zap.String("user_id", userID),
			zap.String("date", today),
			zap.Error(err),
		)
	} else {
		s.logger.Info("preferences saved",
			zap.String("user_id", userID),
			zap.Bool("global_enabled", prefs.GlobalEnabled),
			zap.Int("created", created),
			zap.Int("moved", moved),
		)
	}
	return prefs, nil
}
