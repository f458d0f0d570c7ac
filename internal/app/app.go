// Package app assembles the scheduler services from configuration. The HTTP
// server and the admin CLI share it.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/circuitbreaker"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/config"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/db"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/metrics"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/preferences"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/push"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/redis"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/resolver"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/scheduler"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/sqlite"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/sqs"
)

// App holds the wired services. Optional parts are nil when not configured.
type App struct {
	Store       reminder.Store
	Dispatcher  *push.Dispatcher
	Engine      *scheduler.Engine
	Resolver    *resolver.Resolver
	Preferences *preferences.Service

	Redis       *redis.Client
	Idempotency *redis.IdempotencyService
	RateLimiter *redis.RateLimiter

	breakers []*circuitbreaker.CircuitBreaker

	logger  *zap.Logger
	dbConns func() int
	dbPing  func(ctx context.Context) error
	closers []func()
}

// New connects storage and the optional collaborators. Redis, SQS and the
// push channels degrade to disabled or log-only when unavailable; storage
// failures are fatal.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	if err := a.openStore(ctx, cfg); err != nil {
		return nil, err
	}

	if cfg.RedisHost != "" {
		client, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency, rate limits and sweep lease disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			a.Redis = client
			a.Idempotency = redis.NewIdempotencyService(client, logger, redis.DefaultIdempotencyTTL)
			a.RateLimiter = redis.NewRateLimiter(client, logger, redis.RateLimitConfig{
				Limit:  cfg.RateLimitPerMinute,
				Window: time.Minute,
			})
			a.closers = append(a.closers, func() { _ = client.Close() })
		}
	}

	a.Dispatcher = push.NewDispatcher(a.Store, a.buildSender(ctx, cfg), logger)

	var emitter resolver.SignalEmitter = resolver.NewLogEmitter(logger)
	if cfg.SQSQueueURL != "" {
		sqsEmitter, err := sqs.NewEmitter(ctx, sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL}, logger)
		if err != nil {
			logger.Warn("sqs emitter unavailable, log signals will only be logged", zap.Error(err))
		} else {
			emitter = sqsEmitter
		}
	}

	a.Engine = scheduler.New(a.Store, a.Dispatcher, scheduler.Config{
		Interval:        cfg.SchedulerInterval,
		Staleness:       cfg.Staleness,
		ResponseWindow:  cfg.ResponseWindow,
		DeliveryTimeout: cfg.DeliveryTimeout,
		Concurrency:     cfg.SweepConcurrency,
	}, logger)
	if a.Redis != nil {
		a.Engine.WithLocker(redis.NewLocker(a.Redis, logger))
	}

	a.Resolver = resolver.New(a.Store, emitter, logger)
	a.Preferences = preferences.NewService(a.Store, a.Engine.Seeder(), logger)

	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Storage {
	case "sqlite":
		sqlDB, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open sqlite database: %w", err)
		}
		a.Store = sqlite.NewStore(sqlDB, a.logger)
		a.dbConns = func() int { return sqlDB.Stats().InUse }
		a.dbPing = sqlDB.PingContext
		a.closers = append(a.closers, func() { _ = sqlDB.Close() })
		a.logger.Info("using sqlite storage", zap.String("path", cfg.SQLitePath))
	default:
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			// the sweep holds one connection per concurrent user
			MaxConns: int32(cfg.SweepConcurrency + 10),
		}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		a.Store = db.NewRepository(database, a.logger)
		a.dbConns = database.Stat
		a.dbPing = database.Health
		a.closers = append(a.closers, database.Close)
	}
	return nil
}

// buildSender wraps every configured push channel in its own circuit
// breaker and routes targets by kind. Without any channel, messages are
// only logged.
func (a *App) buildSender(ctx context.Context, cfg *config.Config) push.Sender {
	var senders []push.Sender

	snsSender, err := push.NewSNSSender(ctx, push.SNSConfig{Region: cfg.SNSRegion}, a.logger)
	if err != nil {
		a.logger.Warn("SNS sender unavailable, mobile push disabled", zap.Error(err))
	} else {
		senders = append(senders, a.protect("sns", snsSender, cfg))
	}

	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		webSender := push.NewWebPushSender(push.WebPushConfig{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubscriber,
		}, a.logger)
		senders = append(senders, a.protect("webpush", webSender, cfg))
	}

	if cfg.SESFromEmail != "" {
		sesSender, err := push.NewSESSender(ctx, push.SESConfig{Region: cfg.AWSRegion, FromEmail: cfg.SESFromEmail}, a.logger)
		if err != nil {
			a.logger.Warn("SES sender unavailable, email reminders disabled", zap.Error(err))
		} else {
			senders = append(senders, a.protect("email", sesSender, cfg))
		}
	}

	if len(senders) == 0 {
		a.logger.Warn("no push channel configured, reminders will only be logged")
		return push.NewLogSender(a.logger)
	}

	a.logger.Info("initialized push channels", zap.Int("channels", len(senders)))
	return push.NewMultiSender(a.logger, senders...)
}

func (a *App) protect(name string, sender push.Sender, cfg *config.Config) push.Sender {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:                name,
		MaxFailures:         cfg.BreakerMaxFailures,
		RecoveryTimeout:     cfg.BreakerRecovery,
		HalfOpenMaxRequests: 1,
	}, a.logger)
	breaker.OnStateChange(func(name string, state circuitbreaker.State) {
		metrics.SetBreakerState(name, int(state))
	})
	a.breakers = append(a.breakers, breaker)
	return circuitbreaker.NewProtectedSender(sender, breaker, a.logger)
}

// BreakerStats reports every push channel breaker.
func (a *App) BreakerStats() []circuitbreaker.Stats {
	stats := make([]circuitbreaker.Stats, 0, len(a.breakers))
	for _, b := range a.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}

// ResetBreaker closes the named breaker. It reports false for an unknown name.
func (a *App) ResetBreaker(name string) bool {
	for _, b := range a.breakers {
		if b.Name() == name {
			b.Reset()
			return true
		}
	}
	return false
}

// ReportConnections updates the connection gauges.
func (a *App) ReportConnections() {
	if a.dbConns != nil {
		metrics.SetDBConnections(a.dbConns())
	}
	if a.Redis != nil {
		metrics.SetRedisConnections(a.Redis.Conns())
	}
}

// Health pings storage and Redis.
func (a *App) Health(ctx context.Context) error {
	if err := a.dbPing(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	a.Engine.Stop()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
