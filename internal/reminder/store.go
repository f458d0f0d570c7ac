package reminder

import (
	"context"
	"time"
)

// PreferenceStore persists one Preferences document per user.
type PreferenceStore interface {
	// GetPreferences reports found=false when the user never saved any.
	GetPreferences(ctx context.Context, userID string) (prefs Preferences, found bool, err error)
	PutPreferences(ctx context.Context, userID string, prefs Preferences) error
	// ListEnabledUsers returns users whose reminders are globally enabled.
	ListEnabledUsers(ctx context.Context) ([]string, error)
}

// Transition is a conditional status change. It applies only while the
// stored status still equals From.
type Transition struct {
	Key
	From   Status
	To     Status
	At     time.Time
	Action string
}

// Times returns the sent_at and resolved_at values the transition sets.
func (t Transition) Times() (sentAt, resolvedAt *time.Time) {
	at := t.At.UTC()
	if t.To == StatusSent {
		sentAt = &at
	}
	if t.To.Terminal() {
		resolvedAt = &at
	}
	return sentAt, resolvedAt
}

// SlotStore persists slots with atomic per-slot transitions.
type SlotStore interface {
	// GetSlots returns the slots of a user's date ordered by scheduled instant.
	GetSlots(ctx context.Context, userID, date string) ([]Slot, error)
	// GetSlot returns ErrSlotNotFound when no slot has the key.
	GetSlot(ctx context.Context, key Key) (*Slot, error)
	// InsertSlotIfAbsent reports whether the slot was created.
	InsertSlotIfAbsent(ctx context.Context, slot *Slot) (bool, error)
	// CompareAndSetStatus reports whether the transition was applied.
	CompareAndSetStatus(ctx context.Context, t Transition) (bool, error)
	// Reschedule moves a still-pending slot to a new time.
	Reschedule(ctx context.Context, key Key, scheduledTime string, at time.Time) (bool, error)
	// ListSweepUsers returns users that are globally enabled or still have
	// pending or sent slots on a date at or after since.
	ListSweepUsers(ctx context.Context, since string) ([]string, error)
}

// Target kinds.
const (
	TargetSNS     = "sns"
	TargetWebPush = "webpush"
	TargetEmail   = "email"
)

// Target is one push destination of a user.
type Target struct {
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Address   string    `json:"address"`
	P256dh    string    `json:"p256dh,omitempty"`
	Auth      string    `json:"auth,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TargetStore persists push destinations.
type TargetStore interface {
	ListTargets(ctx context.Context, userID string) ([]Target, error)
	PutTarget(ctx context.Context, t Target) error
	DeleteTarget(ctx context.Context, userID, kind, address string) error
}

// Store is everything a storage backend provides.
type Store interface {
	PreferenceStore
	SlotStore
	TargetStore
}

// LogSignal asks the logging collaborator to record a quick-log entry.
type LogSignal struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Category  Category  `json:"category"`
	Kind      Kind      `json:"kind"`
	Date      string    `json:"date"`
	Label     string    `json:"label"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}
