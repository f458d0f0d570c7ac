package reminder

import (
	"fmt"
	"math"
	"sort"
)

// MaxHydrationSlots caps the hydration reminders of one day.
const MaxHydrationSlots = 8

// MinHydrationIntervalHours is the shortest accepted hydration interval.
const MinHydrationIntervalHours = 0.5

type anchor struct {
	kind     Kind
	value    string
	fallback string
}

// Generate builds the ordered slot set of a user for one local date.
// All slots are pending. Generation is pure; idempotence comes from the
// store's insert-if-absent.
func Generate(userID string, prefs Preferences, date string) ([]Slot, error) {
	if !prefs.GlobalEnabled {
		return nil, nil
	}

	loc, err := prefs.Location()
	if err != nil {
		return nil, err
	}
	if _, err := ParseDate(date); err != nil {
		return nil, err
	}

	defaults := DefaultPreferences()
	var slots []Slot
	seen := make(map[string]bool)

	add := func(kind Kind, label string, minutes int) error {
		if seen[label] {
			return nil
		}
		at, err := At(date, minutes, loc)
		if err != nil {
			return err
		}
		seen[label] = true
		slots = append(slots, Slot{
			UserID:        userID,
			Date:          date,
			Category:      kind.Category(),
			Kind:          kind,
			Label:         label,
			ScheduledTime: FormatClock(minutes),
			ScheduledAt:   at,
			Status:        StatusPending,
		})
		return nil
	}

	addAnchors := func(anchors []anchor) error {
		for _, a := range anchors {
			v := a.value
			if v == "" {
				v = a.fallback
			}
			m, err := ParseClock(v)
			if err != nil {
				return fmt.Errorf("%s: %w", a.kind, err)
			}
			if err := add(a.kind, string(a.kind), m); err != nil {
				return err
			}
		}
		return nil
	}

	if prefs.SleepEnabled {
		if err := addAnchors([]anchor{
			{KindWake, prefs.WakeTime, defaults.WakeTime},
			{KindBedtime, prefs.BedtimeTime, defaults.BedtimeTime},
		}); err != nil {
			return nil, err
		}
	}

	if prefs.NutritionEnabled {
		if err := addAnchors([]anchor{
			{KindBreakfast, prefs.BreakfastTime, defaults.BreakfastTime},
			{KindMidMorning, prefs.MidMorningTime, defaults.MidMorningTime},
			{KindLunch, prefs.LunchTime, defaults.LunchTime},
			{KindAfternoonBreak, prefs.AfternoonBreakTime, defaults.AfternoonBreakTime},
			{KindDinner, prefs.DinnerTime, defaults.DinnerTime},
			{KindPostDinner, prefs.PostDinnerTime, defaults.PostDinnerTime},
		}); err != nil {
			return nil, err
		}
	}

	if prefs.HydrationEnabled {
		times, err := hydrationTimes(prefs, defaults)
		if err != nil {
			return nil, err
		}
		for _, m := range times {
			if err := add(KindHydration, HydrationLabel(m), m); err != nil {
				return nil, err
			}
		}
	}

	for i, c := range prefs.CustomSlots {
		m, err := ParseClock(c.Time)
		if err != nil {
			return nil, fmt.Errorf("custom slot %d: %w", i, err)
		}
		label := c.Label
		if label == "" {
			label = fmt.Sprintf("custom_%d", i+1)
		}
		if err := add(KindCustom, label, m); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].ScheduledAt.Before(slots[j].ScheduledAt)
	})
	return slots, nil
}

// HydrationLabel names the hydration slot at the given minute of day.
func HydrationLabel(minutes int) string {
	return "hydration_" + FormatClock(minutes)
}

// hydrationTimes walks the interval from wake (inclusive) while strictly
// before bedtime. A bedtime at or before wake belongs to the next day.
func hydrationTimes(prefs, defaults Preferences) ([]int, error) {
	wakeStr, bedStr := prefs.WakeTime, prefs.BedtimeTime
	if wakeStr == "" {
		wakeStr = defaults.WakeTime
	}
	if bedStr == "" {
		bedStr = defaults.BedtimeTime
	}
	wake, err := ParseClock(wakeStr)
	if err != nil {
		return nil, fmt.Errorf("wake: %w", err)
	}
	bed, err := ParseClock(bedStr)
	if err != nil {
		return nil, fmt.Errorf("bedtime: %w", err)
	}
	if bed <= wake {
		bed += 24 * 60
	}

	interval := prefs.HydrationIntervalHours
	if interval <= 0 {
		interval = defaults.HydrationIntervalHours
	}
	step := int(math.Round(interval * 60))
	if step <= 0 {
		step = int(defaults.HydrationIntervalHours * 60)
	}

	var out []int
	for m := wake; m < bed && len(out) < MaxHydrationSlots; m += step {
		out = append(out, m)
	}
	return out, nil
}
