package scheduler

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

func TestSeedUser_Idempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	prefs := reminder.DefaultPreferences()
	prefs.GlobalEnabled = true
	store.PutPreferences(ctx, "u1", prefs)

	s := NewSeeder(store, store, zap.NewNop())
	first, err := s.SeedUser(ctx, "u1", "2025-06-01", at("06:00"))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	// 2 sleep + 6 nutrition + 6 hydration (07:00..22:00 every 3h)
	if first != 14 {
		t.Fatalf("created = %d, want 14", first)
	}

	second, err := s.SeedUser(ctx, "u1", "2025-06-01", at("06:30"))
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if second != 0 {
		t.Fatalf("second seed created %d slots", second)
	}

	slots, _ := store.GetSlots(ctx, "u1", "2025-06-01")
	if len(slots) != 14 {
		t.Fatalf("stored = %d", len(slots))
	}
	if !slots[0].GeneratedAt.Equal(at("06:00")) {
		t.Errorf("generated_at = %v", slots[0].GeneratedAt)
	}
}

func TestSeedUser_DefaultsAreDisabled(t *testing.T) {
	store := setupStore(t)
	n, err := NewSeeder(store, store, zap.NewNop()).SeedUser(context.Background(), "nobody", "", at("06:00"))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != 0 {
		t.Fatalf("created = %d for a user without preferences", n)
	}
}

func TestSeedAll(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	store.PutPreferences(ctx, "a", hydrationOnly("UTC"))
	store.PutPreferences(ctx, "b", hydrationOnly("America/New_York"))
	off := hydrationOnly("UTC")
	off.GlobalEnabled = false
	store.PutPreferences(ctx, "c", off)

	users, created, err := NewSeeder(store, store, zap.NewNop()).SeedAll(ctx, "2025-06-01", at("06:00"))
	if err != nil {
		t.Fatalf("seed all: %v", err)
	}
	if users != 2 || created != 10 {
		t.Fatalf("users = %d created = %d", users, created)
	}

	if _, _, err := NewSeeder(store, store, zap.NewNop()).SeedAll(ctx, "06/01/2025", at("06:00")); err == nil {
		t.Fatal("expected invalid date error")
	}
}

func TestReseed(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	prefs := hydrationOnly("UTC")
	store.PutPreferences(ctx, "u1", prefs)
	s := NewSeeder(store, store, zap.NewNop())
	s.SeedUser(ctx, "u1", "2025-06-01", at("06:00"))

	// 08:00 was delivered before the change
	store.CompareAndSetStatus(ctx, reminder.Transition{
		Key:  reminder.Key{UserID: "u1", Date: "2025-06-01", Label: "hydration_08:00"},
		From: reminder.StatusPending, To: reminder.StatusSent, At: at("08:00"),
	})

	prev := prefs
	prefs.SleepEnabled = true
	prefs.BedtimeTime = "23:00"
	created, moved, err := s.Reseed(ctx, "u1", prev, prefs, "2025-06-01", at("09:00"))
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	// wake and bedtime are new; hydration labels are unchanged
	if created != 2 || moved != 0 {
		t.Fatalf("created = %d moved = %d", created, moved)
	}

	custom := prefs
	custom.CustomSlots = []reminder.CustomSlot{{Label: "vitamins", Time: "12:00"}}
	s.Reseed(ctx, "u1", prefs, custom, "2025-06-01", at("09:00"))
	later := custom
	later.CustomSlots = []reminder.CustomSlot{{Label: "vitamins", Time: "12:30"}}
	later.WakeTime = "08:00"
	_, moved, err = s.Reseed(ctx, "u1", custom, later, "2025-06-01", at("09:05"))
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}

	sl, _ := store.GetSlot(ctx, reminder.Key{UserID: "u1", Date: "2025-06-01", Label: "vitamins"})
	if sl.ScheduledTime != "12:30" || !sl.ScheduledAt.Equal(at("12:30")) {
		t.Errorf("vitamins = %s at %v", sl.ScheduledTime, sl.ScheduledAt)
	}
	sent, _ := store.GetSlot(ctx, reminder.Key{UserID: "u1", Date: "2025-06-01", Label: "hydration_08:00"})
	if sent.Status != reminder.StatusSent {
		t.Errorf("delivered slot changed to %s", sent.Status)
	}
}

func TestReseed_GlobalDisabledLeavesSlots(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	prefs := hydrationOnly("UTC")
	s := NewSeeder(store, store, zap.NewNop())
	store.PutPreferences(ctx, "u1", prefs)
	s.SeedUser(ctx, "u1", "2025-06-01", at("06:00"))

	prev := prefs
	prefs.GlobalEnabled = false
	created, moved, err := s.Reseed(ctx, "u1", prev, prefs, "2025-06-01", at("09:00"))
	if err != nil || created != 0 || moved != 0 {
		t.Fatalf("created = %d moved = %d err = %v", created, moved, err)
	}
	if slots, _ := store.GetSlots(ctx, "u1", "2025-06-01"); len(slots) != 5 {
		t.Fatalf("slots = %d, want 5 untouched", len(slots))
	}
}

func TestReseed_KeepsSnoozedSlot(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	prefs := hydrationOnly("UTC")
	prefs.SleepEnabled = true
	store.PutPreferences(ctx, "u1", prefs)
	s := NewSeeder(store, store, zap.NewNop())
	s.SeedUser(ctx, "u1", "2025-06-01", at("06:00"))

	bedtime := reminder.Key{UserID: "u1", Date: "2025-06-01", Label: "bedtime"}
	if ok, err := store.Reschedule(ctx, bedtime, "22:45", at("22:45")); err != nil || !ok {
		t.Fatalf("snooze bedtime: ok=%v err=%v", ok, err)
	}

	// an unrelated edit leaves the snoozed time alone
	edited := prefs
	edited.CustomSlots = []reminder.CustomSlot{{Label: "vitamins", Time: "12:00"}}
	_, moved, err := s.Reseed(ctx, "u1", prefs, edited, "2025-06-01", at("20:00"))
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if moved != 0 {
		t.Fatalf("moved = %d, want 0", moved)
	}
	if sl, _ := store.GetSlot(ctx, bedtime); sl.ScheduledTime != "22:45" {
		t.Fatalf("bedtime = %s, want 22:45", sl.ScheduledTime)
	}

	// changing the bedtime anchor itself moves the slot
	later := edited
	later.BedtimeTime = "23:00"
	_, moved, err = s.Reseed(ctx, "u1", edited, later, "2025-06-01", at("20:05"))
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}
	if sl, _ := store.GetSlot(ctx, bedtime); sl.ScheduledTime != "23:00" || !sl.ScheduledAt.Equal(at("23:00")) {
		t.Fatalf("bedtime = %s at %v, want 23:00", sl.ScheduledTime, sl.ScheduledAt)
	}
}
