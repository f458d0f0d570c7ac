package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLocker_SingleHolder(t *testing.T) {
	client, _ := setupTestRedis(t)
	locker := NewLocker(client, zap.NewNop())
	ctx := context.Background()

	release, ok, err := locker.TryLock(ctx, "sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first lock should succeed: ok=%v err=%v", ok, err)
	}

	if _, ok, err := locker.TryLock(ctx, "sweep", time.Minute); err != nil || ok {
		t.Fatalf("second lock should fail: ok=%v err=%v", ok, err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, ok, _ := locker.TryLock(ctx, "sweep", time.Minute); !ok {
		t.Fatal("lock should be free after release")
	}
}

func TestLocker_StaleReleaseKeepsNewHolder(t *testing.T) {
	client, mr := setupTestRedis(t)
	locker := NewLocker(client, zap.NewNop())
	ctx := context.Background()

	staleRelease, ok, _ := locker.TryLock(ctx, "sweep", time.Second)
	if !ok {
		t.Fatal("first lock should succeed")
	}
	mr.FastForward(2 * time.Second)

	if _, ok, _ := locker.TryLock(ctx, "sweep", time.Minute); !ok {
		t.Fatal("expired lease should be takeable")
	}
	if err := staleRelease(ctx); err != nil {
		t.Fatalf("stale release failed: %v", err)
	}
	if !mr.Exists("lock:sweep") {
		t.Fatal("stale release removed the new holder's lease")
	}
}
