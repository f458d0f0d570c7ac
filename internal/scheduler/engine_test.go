package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/push"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/sqlite"
)

type fakeGateway struct {
	mu    sync.Mutex
	sent  []string
	err   error
	delay time.Duration
	calls chan string
}

func (g *fakeGateway) Send(ctx context.Context, userID string, msg reminder.Message) error {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	g.sent = append(g.sent, userID+"/"+msg.Data["slot_label"])
	g.mu.Unlock()
	if g.calls != nil {
		select {
		case g.calls <- msg.Data["slot_label"]:
		default:
		}
	}
	return g.err
}

func (g *fakeGateway) Sent() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent...)
}

func setupStore(t *testing.T) *sqlite.Store {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlite.NewStore(db, zap.NewNop())
}

// hydrationOnly yields hydration slots at 08:00, 11:00, 14:00, 17:00, 20:00.
func hydrationOnly(tz string) reminder.Preferences {
	p := reminder.DefaultPreferences()
	p.GlobalEnabled = true
	p.SleepEnabled = false
	p.NutritionEnabled = false
	p.Timezone = tz
	p.WakeTime = "08:00"
	p.BedtimeTime = "22:30"
	p.HydrationIntervalHours = 3
	return p
}

func at(hhmm string) time.Time {
	t, _ := time.Parse("2006-01-02 15:04", "2025-06-01 "+hhmm)
	return t.UTC()
}

func statusByLabel(t *testing.T, store *sqlite.Store, userID, date string) map[string]reminder.Status {
	t.Helper()
	slots, err := store.GetSlots(context.Background(), userID, date)
	if err != nil {
		t.Fatalf("get slots: %v", err)
	}
	out := make(map[string]reminder.Status, len(slots))
	for _, s := range slots {
		out[s.Label] = s.Status
	}
	return out
}

func newEngine(store *sqlite.Store, gw Gateway) *Engine {
	return New(store, gw, DefaultConfig(), zap.NewNop())
}

func TestTick_SendsDueAndExpiresStale(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	if err := store.PutPreferences(ctx, "u1", hydrationOnly("UTC")); err != nil {
		t.Fatalf("put prefs: %v", err)
	}
	gw := &fakeGateway{}
	e := newEngine(store, gw)

	stats, err := e.Tick(ctx, at("14:05"))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Seeded != 5 || stats.Sent != 1 || stats.Missed != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	got := statusByLabel(t, store, "u1", "2025-06-01")
	want := map[string]reminder.Status{
		"hydration_08:00": reminder.StatusMissed,
		"hydration_11:00": reminder.StatusMissed,
		"hydration_14:00": reminder.StatusSent,
		"hydration_17:00": reminder.StatusPending,
		"hydration_20:00": reminder.StatusPending,
	}
	for label, status := range want {
		if got[label] != status {
			t.Errorf("%s = %s, want %s", label, got[label], status)
		}
	}

	sent := gw.Sent()
	if len(sent) != 1 || sent[0] != "u1/hydration_14:00" {
		t.Fatalf("sent = %v", sent)
	}

	missed, _ := store.GetSlot(ctx, reminder.Key{UserID: "u1", Date: "2025-06-01", Label: "hydration_11:00"})
	if missed.ResolutionAction != ActionStale || missed.ResolvedAt == nil {
		t.Errorf("stale slot = %+v", missed)
	}
}

func TestTick_RepeatedTicksSendOnce(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	store.PutPreferences(ctx, "u1", hydrationOnly("UTC"))
	gw := &fakeGateway{}
	e := newEngine(store, gw)

	for _, now := range []string{"14:05", "14:10", "14:15"} {
		if _, err := e.Tick(ctx, at(now)); err != nil {
			t.Fatalf("tick %s: %v", now, err)
		}
	}
	if sent := gw.Sent(); len(sent) != 1 {
		t.Fatalf("sent = %v, want one send", sent)
	}
}

func TestTick_CompletesPartialSeed(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	prefs := hydrationOnly("UTC")
	store.PutPreferences(ctx, "u1", prefs)

	// a seed that stopped after the first insert
	slots, err := reminder.Generate("u1", prefs, "2025-06-01")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	slots[0].GeneratedAt = at("00:01")
	if _, err := store.InsertSlotIfAbsent(ctx, &slots[0]); err != nil {
		t.Fatalf("insert: %v", err)
	}

	e := newEngine(store, &fakeGateway{})
	stats, err := e.Tick(ctx, at("07:00"))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Seeded != 4 {
		t.Fatalf("seeded = %d, want 4", stats.Seeded)
	}
	got := statusByLabel(t, store, "u1", "2025-06-01")
	if len(got) != 5 {
		t.Fatalf("slots after tick = %v, want 5", got)
	}

	// a complete day is left alone
	stats, _ = e.Tick(ctx, at("07:05"))
	if stats.Seeded != 0 {
		t.Errorf("second tick seeded %d", stats.Seeded)
	}
}

func TestTick_StalenessBoundary(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	store.PutPreferences(ctx, "u1", hydrationOnly("UTC"))
	gw := &fakeGateway{}
	e := newEngine(store, gw)

	// exactly two hours late is still deliverable
	if _, err := e.Tick(ctx, at("13:00")); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := statusByLabel(t, store, "u1", "2025-06-01")
	if got["hydration_11:00"] != reminder.StatusSent {
		t.Errorf("hydration_11:00 = %s, want sent", got["hydration_11:00"])
	}
	if got["hydration_08:00"] != reminder.StatusMissed {
		t.Errorf("hydration_08:00 = %s, want missed", got["hydration_08:00"])
	}
}

func TestTick_ResponseWindowExpiresSent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	store.PutPreferences(ctx, "u1", hydrationOnly("UTC"))
	e := newEngine(store, &fakeGateway{})

	e.Tick(ctx, at("14:05"))
	if _, err := e.Tick(ctx, at("16:00")); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := statusByLabel(t, store, "u1", "2025-06-01")["hydration_14:00"]; got != reminder.StatusSent {
		t.Fatalf("inside the window hydration_14:00 = %s", got)
	}

	stats, _ := e.Tick(ctx, at("16:05"))
	if stats.Missed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	sl, _ := store.GetSlot(ctx, reminder.Key{UserID: "u1", Date: "2025-06-01", Label: "hydration_14:00"})
	if sl.Status != reminder.StatusMissed || sl.ResolutionAction != ActionNoResponse {
		t.Fatalf("slot = %+v", sl)
	}
}

func TestTick_DeliveryFailureStaysSent(t *testing.T) {
	for _, gwErr := range []error{push.ErrTransient, push.ErrNoTargets, push.ErrInvalidToken} {
		t.Run(gwErr.Error(), func(t *testing.T) {
			store := setupStore(t)
			ctx := context.Background()
			store.PutPreferences(ctx, "u1", hydrationOnly("UTC"))
			gw := &fakeGateway{err: gwErr}
			e := newEngine(store, gw)

			stats, err := e.Tick(ctx, at("14:05"))
			if err != nil {
				t.Fatalf("tick: %v", err)
			}
			if stats.Failed != 1 {
				t.Fatalf("stats = %+v", stats)
			}
			if got := statusByLabel(t, store, "u1", "2025-06-01")["hydration_14:00"]; got != reminder.StatusSent {
				t.Fatalf("hydration_14:00 = %s, want sent", got)
			}

			e.Tick(ctx, at("14:10"))
			if sent := gw.Sent(); len(sent) != 1 {
				t.Fatalf("failed slot was retried: %v", sent)
			}
		})
	}
}

func TestTick_DisabledUserWithOpenSlots(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	prefs := hydrationOnly("UTC")
	store.PutPreferences(ctx, "u1", prefs)

	e := newEngine(store, &fakeGateway{})
	e.Tick(ctx, at("09:00"))

	prefs.GlobalEnabled = false
	store.PutPreferences(ctx, "u1", prefs)

	gw := &fakeGateway{}
	e = newEngine(store, gw)
	if _, err := e.Tick(ctx, at("11:01")); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if sent := gw.Sent(); len(sent) != 1 || sent[0] != "u1/hydration_11:00" {
		t.Fatalf("sent = %v", sent)
	}
}

func TestTick_DisabledUserNotSeeded(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	prefs := hydrationOnly("UTC")
	prefs.GlobalEnabled = false
	store.PutPreferences(ctx, "u1", prefs)

	stats, err := newEngine(store, &fakeGateway{}).Tick(ctx, at("14:05"))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Users != 0 || stats.Seeded != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestTick_UsesLocalDate(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	store.PutPreferences(ctx, "u1", hydrationOnly("Asia/Kolkata"))

	// 20:00 UTC is 01:30 on June 2 in Kolkata
	if _, err := newEngine(store, &fakeGateway{}).Tick(ctx, at("20:00")); err != nil {
		t.Fatalf("tick: %v", err)
	}
	slots, _ := store.GetSlots(ctx, "u1", "2025-06-02")
	if len(slots) != 5 {
		t.Fatalf("local date slots = %d, want 5", len(slots))
	}
	loc, _ := time.LoadLocation("Asia/Kolkata")
	if got := slots[0].ScheduledAt.In(loc).Format("15:04"); got != "08:00" {
		t.Errorf("first slot local time = %s", got)
	}
	if other, _ := store.GetSlots(ctx, "u1", "2025-06-01"); len(other) != 0 {
		t.Errorf("UTC date was seeded: %d slots", len(other))
	}
}

func TestTick_ConcurrentWithUserSkip(t *testing.T) {
	for i := 0; i < 20; i++ {
		store := setupStore(t)
		ctx := context.Background()
		store.PutPreferences(ctx, "u1", hydrationOnly("UTC"))
		e := newEngine(store, &fakeGateway{})
		// seed ahead of the slot so it is still pending
		e.Tick(ctx, at("13:55"))

		gw := &fakeGateway{}
		e = newEngine(store, gw)
		key := reminder.Key{UserID: "u1", Date: "2025-06-01", Label: "hydration_14:00"}

		var wg sync.WaitGroup
		var skipped bool
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.Tick(ctx, at("14:01"))
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := store.CompareAndSetStatus(ctx, reminder.Transition{
				Key: key, From: reminder.StatusPending, To: reminder.StatusSkipped, At: at("14:01"), Action: "skip",
			})
			skipped = ok
		}()
		wg.Wait()

		sent := gw.Sent()
		if len(sent) > 1 {
			t.Fatalf("slot delivered %d times", len(sent))
		}
		sl, _ := store.GetSlot(ctx, key)
		if skipped && (len(sent) != 0 || sl.Status != reminder.StatusSkipped) {
			t.Fatalf("skip won but sent=%v status=%s", sent, sl.Status)
		}
		if !skipped && (len(sent) != 1 || sl.Status != reminder.StatusSent) {
			t.Fatalf("tick won but sent=%v status=%s", sent, sl.Status)
		}
	}
}

type fakeLocker struct {
	ok       bool
	err      error
	released int
}

func (l *fakeLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if l.err != nil || !l.ok {
		return nil, false, l.err
	}
	return func(context.Context) error { l.released++; return nil }, true, nil
}

func TestTick_Lease(t *testing.T) {
	tests := []struct {
		name        string
		locker      *fakeLocker
		wantSkipped bool
		wantRelease int
	}{
		{"held elsewhere", &fakeLocker{ok: false}, true, 0},
		{"acquired", &fakeLocker{ok: true}, false, 1},
		{"redis down", &fakeLocker{err: errors.New("connection refused")}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupStore(t)
			ctx := context.Background()
			store.PutPreferences(ctx, "u1", hydrationOnly("UTC"))
			gw := &fakeGateway{}
			e := newEngine(store, gw).WithLocker(tt.locker)

			stats, err := e.Tick(ctx, at("14:05"))
			if err != nil {
				t.Fatalf("tick: %v", err)
			}
			if stats.Skipped != tt.wantSkipped {
				t.Fatalf("skipped = %v", stats.Skipped)
			}
			if tt.wantSkipped && len(gw.Sent()) != 0 {
				t.Fatal("skipped tick delivered")
			}
			if tt.locker.released != tt.wantRelease {
				t.Errorf("released = %d, want %d", tt.locker.released, tt.wantRelease)
			}
		})
	}
}

func TestEngine_StartStop(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	store.PutPreferences(ctx, "u1", hydrationOnly("UTC"))

	gw := &fakeGateway{calls: make(chan string, 1)}
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	e := New(store, gw, cfg, zap.NewNop()).WithClock(func() time.Time { return at("14:05") })

	e.Start(ctx)
	e.Start(ctx)

	select {
	case label := <-gw.calls:
		if label != "hydration_14:00" {
			t.Errorf("delivered %s", label)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first tick did not run")
	}

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	e.Stop()
}
