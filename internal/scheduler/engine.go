// Package scheduler runs the sweep: a recurring tick that seeds each user's
// day, claims due slots, delivers them and expires the ones nobody answered.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/metrics"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/push"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

var tracer = otel.Tracer("trivita/scheduler")

// Resolution actions written by the sweep itself.
const (
	ActionStale      = "stale"
	ActionNoResponse = "no_response"
)

const lockName = "sweep"

// Store is the part of the storage backend the sweep needs.
type Store interface {
	reminder.PreferenceStore
	reminder.SlotStore
}

// Gateway delivers a rendered message to every target of a user.
type Gateway interface {
	Send(ctx context.Context, userID string, msg reminder.Message) error
}

// Locker hands out a lease so that one replica sweeps per tick.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Config holds the sweep timings. Staleness is how late a pending slot may
// still fire, ResponseWindow how long a sent slot waits for the user, and
// Concurrency bounds the users swept in parallel.
type Config struct {
	Interval        time.Duration
	Staleness       time.Duration
	ResponseWindow  time.Duration
	DeliveryTimeout time.Duration
	Concurrency     int
}

// DefaultConfig returns a 5 minute sweep with a 2 hour staleness threshold.
func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Minute,
		Staleness:       2 * time.Hour,
		ResponseWindow:  2 * time.Hour,
		DeliveryTimeout: 5 * time.Second,
		Concurrency:     8,
	}
}

// Stats summarises one tick.
type Stats struct {
	Users   int  `json:"users"`
	Seeded  int  `json:"seeded"`
	Sent    int  `json:"sent"`
	Failed  int  `json:"failed"`
	Missed  int  `json:"missed"`
	Errors  int  `json:"errors"`
	Skipped bool `json:"skipped,omitempty"`
}

func (s *Stats) add(o Stats) {
	s.Seeded += o.Seeded
	s.Sent += o.Sent
	s.Failed += o.Failed
	s.Missed += o.Missed
	s.Errors += o.Errors
}

// Engine owns the sweep loop. Create one with New and drive it with
// Start/Stop, or call Tick directly.
type Engine struct {
	store   Store
	gateway Gateway
	seeder  *Seeder
	locker  Locker
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine. Zero fields of cfg take their defaults.
func New(store Store, gateway Gateway, cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = def.Staleness
	}
	if cfg.ResponseWindow <= 0 {
		cfg.ResponseWindow = def.ResponseWindow
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}

	return &Engine{
		store:   store,
		gateway: gateway,
		seeder:  NewSeeder(store, store, logger),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// WithLocker makes every tick take a lease first.
func (e *Engine) WithLocker(l Locker) *Engine {
	e.locker = l
	return e
}

// WithClock replaces the time source of Start. Tick takes its time explicitly.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Seeder returns the seeder the engine uses for seed-on-demand.
func (e *Engine) Seeder() *Seeder {
	return e.seeder
}

// SeedAll seeds every enabled user; see Seeder.SeedAll.
func (e *Engine) SeedAll(ctx context.Context, date string, now time.Time) (users, created int, err error) {
	return e.seeder.SeedAll(ctx, date, now)
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Start runs a tick immediately and then every Interval until Stop or ctx
// cancellation. Calling Start on a running engine does nothing.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()

		e.logger.Info("sweep engine started", zap.Duration("interval", e.cfg.Interval))
		for {
			if _, err := e.Tick(ctx, e.now()); err != nil && ctx.Err() == nil {
				e.logger.Error("sweep tick failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				e.logger.Info("sweep engine stopping")
				return
			case <-ticker.C:
			}
		}
	}(e.done)
}

// Stop cancels the loop and waits for the running tick to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Tick runs one sweep at now. Ticks may overlap: every status change is a
// compare-and-set, so a slot is claimed and delivered at most once.
func (e *Engine) Tick(ctx context.Context, now time.Time) (Stats, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "sweep.tick")
	defer span.End()

	if e.locker != nil {
		release, ok, err := e.locker.TryLock(ctx, lockName, e.cfg.Interval)
		switch {
		case err != nil:
			// the lease only saves duplicate work; sweep anyway
			e.logger.Warn("sweep lease unavailable", zap.Error(err))
		case !ok:
			metrics.RecordTick("skipped", 0)
			span.SetAttributes(attribute.Bool("skipped", true))
			return Stats{Skipped: true}, nil
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					e.logger.Warn("failed to release sweep lease", zap.Error(err))
				}
			}()
		}
	}

	since := now.UTC().AddDate(0, 0, -2).Format(reminder.DateLayout)
	users, err := e.store.ListSweepUsers(ctx, since)
	if err != nil {
		metrics.RecordTick("error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "list users")
		return Stats{}, fmt.Errorf("list sweep users: %w", err)
	}

	var (
		mu    sync.Mutex
		stats = Stats{Users: len(users)}
		g     errgroup.Group
	)
	g.SetLimit(e.cfg.Concurrency)
	for _, userID := range users {
		g.Go(func() error {
			us, err := e.sweepUser(ctx, userID, now)
			if err != nil {
				us.Errors++
				e.logger.Error("failed to sweep user", zap.String("user_id", userID), zap.Error(err))
			}
			mu.Lock()
			stats.add(us)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	span.SetAttributes(
		attribute.Int("users", stats.Users),
		attribute.Int("sent", stats.Sent),
		attribute.Int("missed", stats.Missed),
	)
	outcome := "ok"
	if stats.Errors > 0 {
		outcome = "error"
	}
	metrics.RecordTick(outcome, time.Since(start))

	e.logger.Info("sweep tick finished",
		zap.Int("users", stats.Users),
		zap.Int("seeded", stats.Seeded),
		zap.Int("sent", stats.Sent),
		zap.Int("failed", stats.Failed),
		zap.Int("missed", stats.Missed),
		zap.Int("errors", stats.Errors),
		zap.Duration("took", time.Since(start)),
	)
	return stats, nil
}

// sweepUser handles the user's local yesterday and today. Yesterday is
// included so that late-evening slots still expire after midnight.
func (e *Engine) sweepUser(ctx context.Context, userID string, now time.Time) (Stats, error) {
	ctx, span := tracer.Start(ctx, "sweep.user")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	var stats Stats

	prefs, _, err := e.store.GetPreferences(ctx, userID)
	if err != nil {
		return stats, fmt.Errorf("load preferences: %w", err)
	}
	loc, err := prefs.Location()
	if err != nil {
		e.logger.Warn("stored timezone unusable, sweeping in UTC",
			zap.String("user_id", userID),
			zap.String("timezone", prefs.Timezone),
		)
		loc = time.UTC
	}

	today := reminder.LocalDate(now, loc)
	yesterday := reminder.LocalDate(now.In(loc).AddDate(0, 0, -1), loc)

	var errs []error
	for _, date := range []string{yesterday, today} {
		slots, err := e.store.GetSlots(ctx, userID, date)
		if err != nil {
			errs = append(errs, fmt.Errorf("get slots %s: %w", date, err))
			continue
		}

		if date == today && prefs.GlobalEnabled {
			// seeds an empty day and completes one left partial by a failed seed
			n, err := e.seeder.fill(ctx, userID, prefs, date, slots, now)
			stats.Seeded += n
			if err != nil {
				errs = append(errs, fmt.Errorf("seed %s: %w", date, err))
			}
			if n > 0 {
				if slots, err = e.store.GetSlots(ctx, userID, date); err != nil {
					errs = append(errs, fmt.Errorf("get slots %s: %w", date, err))
					continue
				}
			}
		}

		for i := range slots {
			if err := e.processSlot(ctx, &slots[i], now, &stats); err != nil {
				errs = append(errs, err)
			}
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	return stats, err
}

func (e *Engine) processSlot(ctx context.Context, sl *reminder.Slot, now time.Time, stats *Stats) error {
	switch sl.Status {
	case reminder.StatusPending:
		if sl.ScheduledAt.After(now) {
			return nil
		}
		if now.Sub(sl.ScheduledAt) > e.cfg.Staleness {
			ok, err := e.transition(ctx, sl, reminder.StatusMissed, ActionStale, now)
			if ok {
				stats.Missed++
			}
			return err
		}

		ok, err := e.transition(ctx, sl, reminder.StatusSent, "", now)
		if err != nil || !ok {
			return err
		}
		stats.Sent++
		if err := e.deliver(ctx, sl); err != nil {
			stats.Failed++
		}
		return nil

	case reminder.StatusSent:
		if sl.SentAt == nil || now.Sub(*sl.SentAt) < e.cfg.ResponseWindow {
			return nil
		}
		ok, err := e.transition(ctx, sl, reminder.StatusMissed, ActionNoResponse, now)
		if ok {
			stats.Missed++
		}
		return err
	}
	return nil
}

// transition reports false without error when another writer got there first.
func (e *Engine) transition(ctx context.Context, sl *reminder.Slot, to reminder.Status, action string, now time.Time) (bool, error) {
	ok, err := e.store.CompareAndSetStatus(ctx, reminder.Transition{
		Key:    sl.Key(),
		From:   sl.Status,
		To:     to,
		At:     now,
		Action: action,
	})
	if err != nil {
		return false, fmt.Errorf("%s %s -> %s: %w", sl.Label, sl.Status, to, err)
	}
	if !ok {
		e.logger.Debug("slot superseded",
			zap.String("user_id", sl.UserID),
			zap.String("label", sl.Label),
			zap.String("expected", string(sl.Status)),
		)
		return false, nil
	}
	metrics.RecordTransition(string(to))
	return true, nil
}

// deliver sends a claimed slot. Whatever happens the slot stays sent.
func (e *Engine) deliver(ctx context.Context, sl *reminder.Slot) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DeliveryTimeout)
	defer cancel()

	err := e.gateway.Send(ctx, sl.UserID, reminder.MessageFor(sl))
	fields := []zap.Field{
		zap.String("user_id", sl.UserID),
		zap.String("date", sl.Date),
		zap.String("label", sl.Label),
	}
	switch {
	case err == nil:
		e.logger.Info("reminder delivered", fields...)
	case errors.Is(err, push.ErrNoTargets):
		e.logger.Info("reminder not delivered, no targets", fields...)
	case errors.Is(err, push.ErrInvalidToken):
		e.logger.Warn("reminder not delivered, targets invalid", fields...)
	default:
		e.logger.Error("reminder delivery failed", append(fields, zap.Error(err))...)
	}
	return err
}
