package reminder

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the layout of a slot date in the user's local calendar.
const DateLayout = "2006-01-02"

// ClockLayout is the layout of a local wall-clock time.
const ClockLayout = "15:04"

var (
	ErrSlotNotFound    = errors.New("slot not found")
	ErrInvalidAction   = errors.New("invalid action for slot")
	ErrUnknownTimezone = errors.New("unknown timezone")
	ErrInvalidTime     = errors.New("invalid time of day")
	ErrInvalidDate     = errors.New("invalid date")
	ErrInvalidInterval = errors.New("hydration interval must be between 0.5 and 24 hours")
)

// Category groups slot kinds for enable/disable toggles.
type Category string

const (
	CategorySleep     Category = "sleep"
	CategoryNutrition Category = "nutrition"
	CategoryHydration Category = "hydration"
	CategoryCustom    Category = "custom"
)

// Kind selects the notification template and the valid quick actions.
type Kind string

const (
	KindWake           Kind = "wake"
	KindBedtime        Kind = "bedtime"
	KindBreakfast      Kind = "breakfast"
	KindMidMorning     Kind = "mid_morning"
	KindLunch          Kind = "lunch"
	KindAfternoonBreak Kind = "afternoon_break"
	KindDinner         Kind = "dinner"
	KindPostDinner     Kind = "post_dinner"
	KindHydration      Kind = "hydration"
	KindCustom         Kind = "custom"
)

// Category returns the category a kind belongs to.
func (k Kind) Category() Category {
	switch k {
	case KindWake, KindBedtime:
		return CategorySleep
	case KindBreakfast, KindMidMorning, KindLunch, KindAfternoonBreak, KindDinner, KindPostDinner:
		return CategoryNutrition
	case KindHydration:
		return CategoryHydration
	default:
		return CategoryCustom
	}
}

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindWake, KindBedtime, KindBreakfast, KindMidMorning, KindLunch,
		KindAfternoonBreak, KindDinner, KindPostDinner, KindHydration, KindCustom:
		return true
	}
	return false
}

// Status is the lifecycle state of a slot.
//
//	pending -> sent -> acked | missed
//	pending -> skipped | missed
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusAcked   Status = "acked"
	StatusMissed  Status = "missed"
	StatusSkipped Status = "skipped"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusAcked || s == StatusMissed || s == StatusSkipped
}

// CanTransition reports whether from -> to is an allowed forward move.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusSent || to == StatusSkipped || to == StatusMissed
	case StatusSent:
		return to == StatusAcked || to == StatusMissed
	default:
		return false
	}
}

// Slot is one scheduled reminder for a user on a local date.
type Slot struct {
	UserID           string     `json:"user_id"`
	Date             string     `json:"date"`
	Category         Category   `json:"category"`
	Kind             Kind       `json:"kind"`
	Label            string     `json:"label"`
	ScheduledTime    string     `json:"scheduled_time"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	Status           Status     `json:"status"`
	GeneratedAt      time.Time  `json:"generated_at"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolutionAction string     `json:"resolution_action,omitempty"`
}

// Key identifies a slot.
type Key struct {
	UserID string
	Date   string
	Label  string
}

func (s *Slot) Key() Key {
	return Key{UserID: s.UserID, Date: s.Date, Label: s.Label}
}

// CustomSlot is a user-defined reminder at a fixed local time.
type CustomSlot struct {
	Label string `json:"label"`
	Time  string `json:"time"`
}

// Preferences is the per-user notification configuration.
// Empty anchor times fall back to the defaults.
type Preferences struct {
	GlobalEnabled          bool         `json:"global_enabled"`
	SleepEnabled           bool         `json:"sleep_enabled"`
	NutritionEnabled       bool         `json:"nutrition_enabled"`
	HydrationEnabled       bool         `json:"hydration_enabled"`
	Timezone               string       `json:"timezone"`
	WakeTime               string       `json:"wake_time"`
	BreakfastTime          string       `json:"breakfast_time"`
	MidMorningTime         string       `json:"mid_morning_time,omitempty"`
	LunchTime              string       `json:"lunch_time"`
	AfternoonBreakTime     string       `json:"afternoon_break_time,omitempty"`
	DinnerTime             string       `json:"dinner_time"`
	PostDinnerTime         string       `json:"post_dinner_time,omitempty"`
	BedtimeTime            string       `json:"bedtime_time"`
	HydrationIntervalHours float64      `json:"hydration_interval_hours"`
	CustomSlots            []CustomSlot `json:"custom_slots"`
}

// DefaultPreferences returns the configuration of a user who never saved one.
// Reminders stay off until the user opts in.
func DefaultPreferences() Preferences {
	return Preferences{
		GlobalEnabled:          false,
		SleepEnabled:           true,
		NutritionEnabled:       true,
		HydrationEnabled:       true,
		Timezone:               "UTC",
		WakeTime:               "07:00",
		BreakfastTime:          "08:00",
		MidMorningTime:         "10:30",
		LunchTime:              "13:00",
		AfternoonBreakTime:     "16:00",
		DinnerTime:             "19:30",
		PostDinnerTime:         "21:00",
		BedtimeTime:            "22:30",
		HydrationIntervalHours: 3,
		CustomSlots:            []CustomSlot{},
	}
}

// Location resolves the IANA timezone of the preferences.
func (p Preferences) Location() (*time.Location, error) {
	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimezone, tz)
	}
	return loc, nil
}

// Validate checks everything Generate depends on.
func (p Preferences) Validate() error {
	if _, err := p.Location(); err != nil {
		return err
	}

	times := map[string]string{
		"wake_time":            p.WakeTime,
		"breakfast_time":       p.BreakfastTime,
		"mid_morning_time":     p.MidMorningTime,
		"lunch_time":           p.LunchTime,
		"afternoon_break_time": p.AfternoonBreakTime,
		"dinner_time":          p.DinnerTime,
		"post_dinner_time":     p.PostDinnerTime,
		"bedtime_time":         p.BedtimeTime,
	}
	for field, v := range times {
		if v == "" {
			continue
		}
		if _, err := ParseClock(v); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}

	if p.HydrationIntervalHours < MinHydrationIntervalHours || p.HydrationIntervalHours > 24 {
		return ErrInvalidInterval
	}

	for i, c := range p.CustomSlots {
		if _, err := ParseClock(c.Time); err != nil {
			return fmt.Errorf("custom_slots[%d]: %w", i, err)
		}
	}
	return nil
}

// ParseClock parses a local "HH:MM" time into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse(ClockLayout, s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// FormatClock renders minutes after midnight as "HH:MM", wrapping past 24h.
func FormatClock(minutes int) string {
	minutes = ((minutes % 1440) + 1440) % 1440
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// ParseDate validates a "YYYY-MM-DD" local date.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return d, nil
}

// At returns the instant of a wall-clock offset on a local date.
func At(date string, minutes int, loc *time.Location) (time.Time, error) {
	d, err := ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, minutes, 0, 0, loc), nil
}

// LocalDate returns the calendar date of t in loc.
func LocalDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}
