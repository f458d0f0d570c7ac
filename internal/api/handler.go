package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/circuitbreaker"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/metrics"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/push"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/redis"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/resolver"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/scheduler"
)

// PreferenceService loads and saves notification preferences.
type PreferenceService interface {
	Get(ctx context.Context, userID string) (reminder.Preferences, error)
	Save(ctx context.Context, userID string, prefs reminder.Preferences) (reminder.Preferences, error)
}

// ActionResolver applies quick actions to slots.
type ActionResolver interface {
	Ack(ctx context.Context, key reminder.Key, now time.Time) (*resolver.Result, error)
	Resolve(ctx context.Context, key reminder.Key, action reminder.Action, now time.Time) (*resolver.Result, error)
}

// SlotReader reads a user's daily timeline.
type SlotReader interface {
	GetSlots(ctx context.Context, userID, date string) ([]reminder.Slot, error)
}

// Notifier delivers a message to every target of a user.
type Notifier interface {
	Send(ctx context.Context, userID string, msg reminder.Message) error
}

// Operator runs the manual scheduler operations.
type Operator interface {
	Tick(ctx context.Context, now time.Time) (scheduler.Stats, error)
	SeedAll(ctx context.Context, date string, now time.Time) (users, created int, err error)
}

// Breakers exposes the circuit breakers of the push channels.
type Breakers interface {
	BreakerStats() []circuitbreaker.Stats
	ResetBreaker(name string) bool
}

// Services bundles the collaborators of the HTTP surface.
type Services struct {
	Preferences PreferenceService
	Resolver    ActionResolver
	Slots       SlotReader
	Targets     reminder.TargetStore
	Notifier    Notifier
	Operator    Operator
	Breakers    Breakers // optional
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ActionRequest is the body of a quick action.
type ActionRequest struct {
	Action string `json:"action"`
}

// DeviceRequest registers or removes a push target.
type DeviceRequest struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
	P256dh  string `json:"p256dh,omitempty"`
	Auth    string `json:"auth,omitempty"`
}

// TestNotificationRequest picks the template of a test push.
type TestNotificationRequest struct {
	Kind string `json:"kind"`
}

// SlotsResponse is a user's timeline for one local date.
type SlotsResponse struct {
	Date  string          `json:"date"`
	Slots []reminder.Slot `json:"slots"`
	Count int             `json:"count"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	svc         Services
	idempotency *redis.IdempotencyService // nil if Redis not configured
	limiter     *redis.RateLimiter        // nil if Redis not configured
	now         func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, svc Services) *Handler {
	return &Handler{
		logger: logger,
		svc:    svc,
		now:    time.Now,
	}
}

// WithIdempotency enables Idempotency-Key replay on quick actions.
func (h *Handler) WithIdempotency(idempotency *redis.IdempotencyService) *Handler {
	h.idempotency = idempotency
	return h
}

// WithRateLimiter limits requests per user on the /users routes.
func (h *Handler) WithRateLimiter(limiter *redis.RateLimiter) *Handler {
	h.limiter = limiter
	return h
}

func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// Routes registers the /v1 endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Use(RateLimitMiddleware(h.limiter, h.logger, UserKeyFunc))

		r.Get("/preferences", h.GetPreferences)
		r.Put("/preferences", h.PutPreferences)
		r.Get("/slots", h.ListSlots)
		r.Post("/slots/{date}/{label}/ack", h.AckSlot)
		r.Post("/slots/{date}/{label}/actions", h.ResolveAction)
		r.Post("/devices", h.RegisterDevice)
		r.Delete("/devices", h.RemoveDevice)
		r.Post("/test-notification", h.SendTestNotification)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Use(RateLimitMiddleware(h.limiter, h.logger, IPKeyFunc))

		r.Post("/seed", h.Seed)
		r.Post("/sweep", h.Sweep)
		r.Get("/breakers", h.ListBreakers)
		r.Post("/breakers/{name}/reset", h.ResetBreaker)
	})
}

// GetPreferences handles GET /v1/users/{userID}/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	prefs, err := h.svc.Preferences.Get(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get preferences", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load preferences", "")
		return
	}

	h.writeJSON(w, http.StatusOK, prefs)
}

// PutPreferences handles PUT /v1/users/{userID}/preferences
// The whole document is replaced and today's slots are re-seeded.
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var prefs reminder.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	saved, err := h.svc.Preferences.Save(r.Context(), userID, prefs)
	if err != nil {
		if isValidationError(err) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid preferences", err.Error())
			return
		}
		h.logger.Error("failed to save preferences", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save preferences", "")
		return
	}

	h.writeJSON(w, http.StatusOK, saved)
}

// ListSlots handles GET /v1/users/{userID}/slots?date=YYYY-MM-DD
// Without a date the user's current local date is used.
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	date := r.URL.Query().Get("date")
	if date == "" {
		today, err := h.localToday(ctx, userID)
		if err != nil {
			h.logger.Error("failed to resolve local date", zap.Error(err), zap.String("user_id", userID))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to resolve local date", "")
			return
		}
		date = today
	} else if _, err := reminder.ParseDate(date); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid date", "date must be YYYY-MM-DD")
		return
	}

	slots, err := h.svc.Slots.GetSlots(ctx, userID, date)
	if err != nil {
		h.logger.Error("failed to list slots", zap.Error(err), zap.String("user_id", userID), zap.String("date", date))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list slots", "")
		return
	}
	if slots == nil {
		slots = []reminder.Slot{}
	}

	h.writeJSON(w, http.StatusOK, SlotsResponse{Date: date, Slots: slots, Count: len(slots)})
}

// AckSlot handles POST /v1/users/{userID}/slots/{date}/{label}/ack
func (h *Handler) AckSlot(w http.ResponseWriter, r *http.Request) {
	key, ok := h.slotKey(w, r)
	if !ok {
		return
	}

	res, err := h.svc.Resolver.Ack(r.Context(), key, h.now())
	if err != nil {
		h.writeResolveError(w, key, reminder.ActionAck, err)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

// ResolveAction handles POST /v1/users/{userID}/slots/{date}/{label}/actions
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) ResolveAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key, ok := h.slotKey(w, r)
	if !ok {
		return
	}

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Action == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing action", "action is required")
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	scopedKey := actionIdempotencyKey(key, req.Action, idempotencyKey)
	reserved := false
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.Begin(ctx, key.UserID, scopedKey)
		switch {
		case errors.Is(err, redis.ErrInFlight):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		default:
			reserved = true
		}
	}

	res, err := h.svc.Resolver.Resolve(ctx, key, reminder.Action(req.Action), h.now())
	if err != nil {
		if reserved {
			if abandonErr := h.idempotency.Abandon(ctx, key.UserID, scopedKey); abandonErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(abandonErr))
			}
		}
		h.writeResolveError(w, key, reminder.Action(req.Action), err)
		return
	}

	body, err := json.Marshal(res)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode response", "")
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{StatusCode: http.StatusOK, Body: body}
		if err := h.idempotency.Complete(ctx, key.UserID, scopedKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// RegisterDevice handles POST /v1/users/{userID}/devices
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if detail := validateDevice(req); detail != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid device", detail)
		return
	}

	target := reminder.Target{
		UserID:    userID,
		Kind:      req.Kind,
		Address:   req.Address,
		P256dh:    req.P256dh,
		Auth:      req.Auth,
		CreatedAt: h.now().UTC(),
	}
	if err := h.svc.Targets.PutTarget(r.Context(), target); err != nil {
		h.logger.Error("failed to register device", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to register device", "")
		return
	}

	h.logger.Info("device registered",
		zap.String("user_id", userID),
		zap.String("kind", req.Kind),
	)

	h.writeJSON(w, http.StatusCreated, target)
}

// RemoveDevice handles DELETE /v1/users/{userID}/devices
func (h *Handler) RemoveDevice(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Kind == "" || req.Address == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "kind and address are required")
		return
	}

	if err := h.svc.Targets.DeleteTarget(r.Context(), userID, req.Kind, req.Address); err != nil {
		h.logger.Error("failed to remove device", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to remove device", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SendTestNotification handles POST /v1/users/{userID}/test-notification
// It renders a template and sends it through the gateway without a slot.
func (h *Handler) SendTestNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	req := TestNotificationRequest{Kind: string(reminder.KindHydration)}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}
	kind := reminder.Kind(req.Kind)
	if !kind.IsValid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid kind", "unknown notification kind")
		return
	}

	date, err := h.localToday(ctx, userID)
	if err != nil {
		h.logger.Error("failed to resolve local date", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to resolve local date", "")
		return
	}
	msg := reminder.MessageFor(&reminder.Slot{
		UserID:   userID,
		Date:     date,
		Category: kind.Category(),
		Kind:     kind,
		Label:    "test",
	})

	if err := h.svc.Notifier.Send(ctx, userID, msg); err != nil {
		switch {
		case errors.Is(err, push.ErrNoTargets):
			h.writeError(w, http.StatusNotFound, "no_targets", "No devices registered", "register a device first")
		case errors.Is(err, push.ErrInvalidToken):
			h.writeError(w, http.StatusGone, "targets_invalid", "Registered devices are no longer valid", "")
		default:
			h.logger.Warn("test notification failed", zap.Error(err), zap.String("user_id", userID))
			h.writeError(w, http.StatusBadGateway, "delivery_failed", "Failed to deliver test notification", "")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "sent",
		"kind":   string(kind),
	})
}

// Seed handles POST /v1/admin/seed?date=YYYY-MM-DD
// Without a date every user is seeded for its own local today.
func (h *Handler) Seed(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")

	users, created, err := h.svc.Operator.SeedAll(r.Context(), date, h.now())
	if errors.Is(err, reminder.ErrInvalidDate) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid date", "date must be YYYY-MM-DD")
		return
	}

	resp := map[string]interface{}{
		"date":    date,
		"users":   users,
		"created": created,
	}
	if err != nil {
		h.logger.Warn("seeding finished with errors", zap.Error(err))
		resp["error"] = err.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Sweep handles POST /v1/admin/sweep and runs one tick now.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Operator.Tick(r.Context(), h.now())
	if err != nil {
		h.logger.Error("manual sweep failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "sweep_error", "Sweep failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// ListBreakers handles GET /v1/admin/breakers
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	stats := []circuitbreaker.Stats{}
	if h.svc.Breakers != nil {
		stats = append(stats, h.svc.Breakers.BreakerStats()...)
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"breakers": stats})
}

// ResetBreaker handles POST /v1/admin/breakers/{name}/reset
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.svc.Breakers == nil || !h.svc.Breakers.ResetBreaker(name) {
		h.writeError(w, http.StatusNotFound, "not_found", "Breaker not found", "no push channel named "+name)
		return
	}
	h.logger.Info("circuit breaker reset by operator", zap.String("name", name))
	w.WriteHeader(http.StatusNoContent)
}

// actionIdempotencyKey ties a client key to the slot and action, so a key
// reused for another request never replays a foreign response.
func actionIdempotencyKey(key reminder.Key, action, clientKey string) string {
	return clientKey + ":" + key.Date + ":" + key.Label + ":" + action
}

func (h *Handler) slotKey(w http.ResponseWriter, r *http.Request) (reminder.Key, bool) {
	key := reminder.Key{
		UserID: chi.URLParam(r, "userID"),
		Date:   chi.URLParam(r, "date"),
		Label:  chi.URLParam(r, "label"),
	}
	if _, err := reminder.ParseDate(key.Date); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid date", "date must be YYYY-MM-DD")
		return key, false
	}
	if key.Label == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing label", "")
		return key, false
	}
	return key, true
}

func (h *Handler) localToday(ctx context.Context, userID string) (string, error) {
	prefs, err := h.svc.Preferences.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	loc, err := prefs.Location()
	if err != nil {
		loc = time.UTC
	}
	return reminder.LocalDate(h.now(), loc), nil
}

func (h *Handler) writeResolveError(w http.ResponseWriter, key reminder.Key, action reminder.Action, err error) {
	switch {
	case errors.Is(err, reminder.ErrSlotNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Slot not found", "")
	case errors.Is(err, reminder.ErrInvalidAction):
		h.writeError(w, http.StatusBadRequest, "invalid_action", "Action not valid for this slot", err.Error())
	default:
		h.logger.Error("failed to resolve slot",
			zap.Error(err),
			zap.String("user_id", key.UserID),
			zap.String("label", key.Label),
			zap.String("action", string(action)),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to resolve slot", "")
	}
}

func validateDevice(req DeviceRequest) string {
	switch req.Kind {
	case reminder.TargetSNS, reminder.TargetEmail:
	case reminder.TargetWebPush:
		if req.P256dh == "" || req.Auth == "" {
			return "webpush targets need p256dh and auth keys"
		}
	default:
		return "kind must be sns, webpush, or email"
	}
	if req.Address == "" {
		return "address is required"
	}
	return ""
}

func isValidationError(err error) bool {
	return errors.Is(err, reminder.ErrUnknownTimezone) ||
		errors.Is(err, reminder.ErrInvalidTime) ||
		errors.Is(err, reminder.ErrInvalidInterval) ||
		errors.Is(err, reminder.ErrInvalidDate)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
