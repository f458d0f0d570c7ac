package db

import (
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

// slotColumns is the projection scanned by scanSlot.
const slotColumns = `
	user_id, slot_date, category, kind, label,
	scheduled_time, scheduled_at, status, generated_at,
	sent_at, resolved_at, resolution_action
`

// slotRow mirrors a notification_slots row.
type slotRow struct {
	UserID           string
	SlotDate         string
	Category         string
	Kind             string
	Label            string
	ScheduledTime    string
	ScheduledAt      time.Time
	Status           string
	GeneratedAt      time.Time
	SentAt           *time.Time
	ResolvedAt       *time.Time
	ResolutionAction string
}

func (r *slotRow) toSlot() reminder.Slot {
	return reminder.Slot{
		UserID:           r.UserID,
		Date:             r.SlotDate,
		Category:         reminder.Category(r.Category),
		Kind:             reminder.Kind(r.Kind),
		Label:            r.Label,
		ScheduledTime:    r.ScheduledTime,
		ScheduledAt:      r.ScheduledAt,
		Status:           reminder.Status(r.Status),
		GeneratedAt:      r.GeneratedAt,
		SentAt:           r.SentAt,
		ResolvedAt:       r.ResolvedAt,
		ResolutionAction: r.ResolutionAction,
	}
}

func scanSlot(row pgx.Row) (reminder.Slot, error) {
	var r slotRow
	err := row.Scan(
		&r.UserID,
		&r.SlotDate,
		&r.Category,
		&r.Kind,
		&r.Label,
		&r.ScheduledTime,
		&r.ScheduledAt,
		&r.Status,
		&r.GeneratedAt,
		&r.SentAt,
		&r.ResolvedAt,
		&r.ResolutionAction,
	)
	if err != nil {
		return reminder.Slot{}, err
	}
	return r.toSlot(), nil
}
