package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, zap.NewNop())
}

func testSlot(label string, at time.Time) *reminder.Slot {
	return &reminder.Slot{
		UserID:        "u1",
		Date:          "2025-06-01",
		Category:      reminder.CategoryHydration,
		Kind:          reminder.KindHydration,
		Label:         label,
		ScheduledTime: at.Format(reminder.ClockLayout),
		ScheduledAt:   at,
		Status:        reminder.StatusPending,
	}
}

func TestPreferences_DefaultWhenMissing(t *testing.T) {
	s := setupStore(t)

	prefs, found, err := s.GetPreferences(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("get preferences: %v", err)
	}
	if found {
		t.Error("expected found=false")
	}
	if prefs.WakeTime != "07:00" || prefs.GlobalEnabled {
		t.Errorf("unexpected defaults: %+v", prefs)
	}
}

func TestPreferences_PutReplaces(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p := reminder.DefaultPreferences()
	p.GlobalEnabled = true
	p.Timezone = "Asia/Kolkata"
	if err := s.PutPreferences(ctx, "u1", p); err != nil {
		t.Fatalf("put: %v", err)
	}

	p.WakeTime = "06:15"
	p.CustomSlots = []reminder.CustomSlot{{Label: "meds", Time: "09:00"}}
	if err := s.PutPreferences(ctx, "u1", p); err != nil {
		t.Fatalf("put again: %v", err)
	}

	got, found, err := s.GetPreferences(ctx, "u1")
	if err != nil || !found {
		t.Fatalf("get: %v found=%v", err, found)
	}
	if got.WakeTime != "06:15" || got.Timezone != "Asia/Kolkata" || len(got.CustomSlots) != 1 {
		t.Errorf("unexpected preferences: %+v", got)
	}

	users, err := s.ListEnabledUsers(ctx)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(users) != 1 || users[0] != "u1" {
		t.Errorf("enabled users = %v", users)
	}
}

func TestInsertSlotIfAbsent_Idempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	created, err := s.InsertSlotIfAbsent(ctx, testSlot("hydration_10:00", at))
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}

	dup := testSlot("hydration_10:00", at.Add(time.Hour))
	created, err = s.InsertSlotIfAbsent(ctx, dup)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatal("duplicate insert must not create a slot")
	}

	slots, err := s.GetSlots(ctx, "u1", "2025-06-01")
	if err != nil {
		t.Fatalf("get slots: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d", len(slots))
	}
	if !slots[0].ScheduledAt.Equal(at) {
		t.Errorf("scheduled_at = %v, want original %v", slots[0].ScheduledAt, at)
	}
}

func TestGetSlots_Ordered(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for _, h := range []int{19, 7, 13} {
		at := base.Add(time.Duration(h) * time.Hour)
		if _, err := s.InsertSlotIfAbsent(ctx, testSlot(reminder.HydrationLabel(h*60), at)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	slots, err := s.GetSlots(ctx, "u1", "2025-06-01")
	if err != nil {
		t.Fatalf("get slots: %v", err)
	}
	want := []string{"hydration_07:00", "hydration_13:00", "hydration_19:00"}
	for i, w := range want {
		if slots[i].Label != w {
			t.Errorf("slots[%d] = %s, want %s", i, slots[i].Label, w)
		}
	}
}

func TestGetSlot_NotFound(t *testing.T) {
	s := setupStore(t)
	_, err := s.GetSlot(context.Background(), reminder.Key{UserID: "u1", Date: "2025-06-01", Label: "nope"})
	if !errors.Is(err, reminder.ErrSlotNotFound) {
		t.Fatalf("expected ErrSlotNotFound, got %v", err)
	}
}

func TestCompareAndSetStatus(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	sl := testSlot("hydration_10:00", at)
	if _, err := s.InsertSlotIfAbsent(ctx, sl); err != nil {
		t.Fatalf("insert: %v", err)
	}
	key := sl.Key()
	now := at.Add(2 * time.Minute)

	ok, err := s.CompareAndSetStatus(ctx, reminder.Transition{Key: key, From: reminder.StatusPending, To: reminder.StatusSent, At: now})
	if err != nil || !ok {
		t.Fatalf("pending->sent: ok=%v err=%v", ok, err)
	}

	// stale expectation loses
	ok, err = s.CompareAndSetStatus(ctx, reminder.Transition{Key: key, From: reminder.StatusPending, To: reminder.StatusSkipped, At: now})
	if err != nil {
		t.Fatalf("pending->skipped: %v", err)
	}
	if ok {
		t.Fatal("transition from a stale status must not apply")
	}

	ok, err = s.CompareAndSetStatus(ctx, reminder.Transition{Key: key, From: reminder.StatusSent, To: reminder.StatusAcked, At: now.Add(time.Minute), Action: "ml_500"})
	if err != nil || !ok {
		t.Fatalf("sent->acked: ok=%v err=%v", ok, err)
	}

	got, err := s.GetSlot(ctx, key)
	if err != nil {
		t.Fatalf("get slot: %v", err)
	}
	if got.Status != reminder.StatusAcked || got.ResolutionAction != "ml_500" {
		t.Errorf("slot = %s/%s", got.Status, got.ResolutionAction)
	}
	if got.SentAt == nil || !got.SentAt.Equal(now) {
		t.Errorf("sent_at = %v, want %v", got.SentAt, now)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(now.Add(time.Minute)) {
		t.Errorf("resolved_at = %v", got.ResolvedAt)
	}
}

func TestCompareAndSetStatus_RejectsBackwards(t *testing.T) {
	s := setupStore(t)
	_, err := s.CompareAndSetStatus(context.Background(), reminder.Transition{
		Key:  reminder.Key{UserID: "u1", Date: "2025-06-01", Label: "x"},
		From: reminder.StatusSent,
		To:   reminder.StatusPending,
	})
	if err == nil {
		t.Fatal("expected error for backwards transition")
	}
}

func TestCompareAndSetStatus_ConcurrentSingleWinner(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	sl := testSlot("hydration_10:00", at)
	if _, err := s.InsertSlotIfAbsent(ctx, sl); err != nil {
		t.Fatalf("insert: %v", err)
	}

	targets := []reminder.Status{reminder.StatusSent, reminder.StatusSkipped, reminder.StatusSent, reminder.StatusSkipped}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, to := range targets {
		wg.Add(1)
		go func(to reminder.Status) {
			defer wg.Done()
			ok, err := s.CompareAndSetStatus(ctx, reminder.Transition{Key: sl.Key(), From: reminder.StatusPending, To: to, At: at})
			if err != nil {
				t.Errorf("cas: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestReschedule_OnlyPending(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 22, 30, 0, 0, time.UTC)
	sl := testSlot("bedtime", at)
	if _, err := s.InsertSlotIfAbsent(ctx, sl); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := s.Reschedule(ctx, sl.Key(), "22:45", at.Add(15*time.Minute))
	if err != nil || !ok {
		t.Fatalf("reschedule: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetSlot(ctx, sl.Key())
	if got.ScheduledTime != "22:45" || got.Status != reminder.StatusPending {
		t.Errorf("slot = %s %s", got.ScheduledTime, got.Status)
	}

	if _, err := s.CompareAndSetStatus(ctx, reminder.Transition{Key: sl.Key(), From: reminder.StatusPending, To: reminder.StatusSent, At: at}); err != nil {
		t.Fatalf("cas: %v", err)
	}
	ok, err = s.Reschedule(ctx, sl.Key(), "23:00", at.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("reschedule sent: %v", err)
	}
	if ok {
		t.Fatal("a sent slot must not be rescheduled")
	}
}

func TestListSweepUsers(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	enabled := reminder.DefaultPreferences()
	enabled.GlobalEnabled = true
	_ = s.PutPreferences(ctx, "enabled", enabled)
	_ = s.PutPreferences(ctx, "disabled", reminder.DefaultPreferences())

	open := testSlot("hydration_10:00", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	open.UserID = "disabled"
	if _, err := s.InsertSlotIfAbsent(ctx, open); err != nil {
		t.Fatalf("insert: %v", err)
	}
	old := testSlot("hydration_10:00", time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	old.UserID = "gone"
	old.Date = "2025-05-01"
	if _, err := s.InsertSlotIfAbsent(ctx, old); err != nil {
		t.Fatalf("insert: %v", err)
	}

	users, err := s.ListSweepUsers(ctx, "2025-05-31")
	if err != nil {
		t.Fatalf("list sweep users: %v", err)
	}
	if len(users) != 2 || users[0] != "disabled" || users[1] != "enabled" {
		t.Errorf("sweep users = %v", users)
	}
}

func TestTargets(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.PutTarget(ctx, reminder.Target{UserID: "u1", Kind: reminder.TargetWebPush, Address: "https://push/1", P256dh: "a", Auth: "b"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutTarget(ctx, reminder.Target{UserID: "u1", Kind: reminder.TargetWebPush, Address: "https://push/1", P256dh: "c", Auth: "d"}); err != nil {
		t.Fatalf("put again: %v", err)
	}

	targets, err := s.ListTargets(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(targets) != 1 || targets[0].P256dh != "c" {
		t.Fatalf("targets = %+v", targets)
	}

	if err := s.DeleteTarget(ctx, "u1", reminder.TargetWebPush, "https://push/1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	targets, _ = s.ListTargets(ctx, "u1")
	if len(targets) != 0 {
		t.Fatalf("expected no targets, got %d", len(targets))
	}
}
