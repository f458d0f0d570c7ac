package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/config"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

func testContext(t *testing.T) (*Context, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{
		Storage:          "sqlite",
		SQLitePath:       ":memory:",
		AWSRegion:        "us-east-1",
		SNSRegion:        "us-east-1",
		SweepConcurrency: 2,
	}
	var out bytes.Buffer
	ctx := newContext(cfg, zap.NewNop(), &out)
	ctx.now = func() time.Time { return time.Date(2025, 6, 1, 13, 5, 0, 0, time.UTC) }
	t.Cleanup(ctx.Close)
	return ctx, &out
}

func enableUser(t *testing.T, ctx *Context, userID string) {
	t.Helper()
	a, err := ctx.App()
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	prefs := reminder.DefaultPreferences()
	prefs.GlobalEnabled = true
	prefs.SleepEnabled = false
	prefs.NutritionEnabled = false
	if err := a.Store.PutPreferences(context.Background(), userID, prefs); err != nil {
		t.Fatalf("put preferences: %v", err)
	}
}

func TestSeedAndStatus(t *testing.T) {
	ctx, out := testContext(t)
	enableUser(t, ctx, "u1")

	if err := (&SeedCmd{Date: "2025-06-01"}).Run(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !strings.Contains(out.String(), "for 1 users") {
		t.Errorf("unexpected output %q", out.String())
	}

	out.Reset()
	if err := (&StatusCmd{User: "u1"}).Run(ctx); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "hydration_07:00") || !strings.Contains(out.String(), "pending") {
		t.Errorf("timeline missing slots:\n%s", out.String())
	}
}

func TestSweepThenResolve(t *testing.T) {
	ctx, out := testContext(t)
	enableUser(t, ctx, "u1")

	// 13:05: 13:00 is due, earlier slots are stale
	if err := (&SweepCmd{}).Run(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out.String(), "sent=1") {
		t.Fatalf("unexpected sweep output %q", out.String())
	}

	out.Reset()
	cmd := &ResolveCmd{User: "u1", Date: "2025-06-01", Label: "hydration_13:00", Action: "ml_500"}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(out.String(), `"status": "acked"`) {
		t.Errorf("unexpected resolve output %s", out.String())
	}

	bad := &ResolveCmd{User: "u1", Date: "2025-06-01", Label: "hydration_13:00", Action: "full_meal"}
	if err := bad.Run(ctx); err == nil {
		t.Error("expected an invalid action error")
	}
}

func TestVapidKeys(t *testing.T) {
	var out bytes.Buffer
	ctx := newContext(&config.Config{}, zap.NewNop(), &out)

	if err := (&VapidKeysCmd{}).Run(ctx); err != nil {
		t.Fatalf("vapid-keys: %v", err)
	}
	if !strings.Contains(out.String(), "VAPID_PUBLIC_KEY=") || !strings.Contains(out.String(), "VAPID_PRIVATE_KEY=") {
		t.Errorf("unexpected output %q", out.String())
	}
	if ctx.app != nil {
		t.Error("vapid-keys opened storage")
	}
}
