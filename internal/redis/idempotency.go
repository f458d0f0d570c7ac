package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultIdempotencyTTL covers a notification's whole response window
	// plus a day of client retries.
	DefaultIdempotencyTTL = 24 * time.Hour

	// processingTTL bounds how long a crashed request can block its key.
	processingTTL = time.Minute

	processingMarker = "processing"
)

// ErrInFlight means another request with the same key is still running.
var ErrInFlight = errors.New("request with this idempotency key is in flight")

// IdempotencyResult is the response replayed for a repeated key.
type IdempotencyResult struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  int64           `json:"created_at"`
}

// IdempotencyService remembers quick-action responses per user and key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

func NewIdempotencyService(client *Client, logger *zap.Logger, ttl time.Duration) *IdempotencyService {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyService{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

func idempotencyKey(userID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", userID, key)
}

// Begin looks the key up and reserves it when absent. It returns the cached
// result for a finished request, ErrInFlight for a running one, and
// (nil, nil) when the caller now owns the key.
func (s *IdempotencyService) Begin(ctx context.Context, userID, key string) (*IdempotencyResult, error) {
	rkey := idempotencyKey(userID, key)

	reserved, err := s.client.rdb.SetNX(ctx, rkey, processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if reserved {
		return nil, nil
	}

	val, err := s.client.rdb.Get(ctx, rkey).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls; try once more
		return s.Begin(ctx, userID, key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if val == processingMarker {
		return nil, ErrInFlight
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("user_id", userID),
		zap.Int("status", result.StatusCode),
	)
	return &result, nil
}

// Complete stores the response for a key reserved by Begin.
func (s *IdempotencyService) Complete(ctx context.Context, userID, key string, result *IdempotencyResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, idempotencyKey(userID, key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Abandon drops a reservation so the client can retry a failed request.
func (s *IdempotencyService) Abandon(ctx context.Context, userID, key string) error {
	if err := s.client.rdb.Del(ctx, idempotencyKey(userID, key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
