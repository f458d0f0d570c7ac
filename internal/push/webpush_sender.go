package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

// WebPushConfig holds VAPID configuration.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
}

// webPushPayload is the JSON the service worker receives.
type webPushPayload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Tag   string            `json:"tag,omitempty"`
	Data  map[string]string `json:"data"`
}

// WebPushSender delivers to browser push subscriptions. The target address
// is the subscription endpoint.
type WebPushSender struct {
	cfg    WebPushConfig
	client webpush.HTTPClient
	logger *zap.Logger
}

func NewWebPushSender(cfg WebPushConfig, logger *zap.Logger) *WebPushSender {
	if cfg.TTL == 0 {
		cfg.TTL = 3600
	}
	if cfg.Subscriber == "" {
		cfg.Subscriber = "mailto:noreply@trivita.app"
	}
	return &WebPushSender{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}
}

// VAPIDPublicKey returns the key browsers subscribe with.
func (s *WebPushSender) VAPIDPublicKey() string {
	return s.cfg.VAPIDPublicKey
}

func (s *WebPushSender) Send(ctx context.Context, target reminder.Target, msg reminder.Message) error {
	data, err := json.Marshal(webPushPayload{
		Title: msg.Title,
		Body:  msg.Body,
		Tag:   msg.Data["slot_label"],
		Data:  msg.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, data, &webpush.Subscription{
		Endpoint: target.Address,
		Keys: webpush.Keys{
			P256dh: target.P256dh,
			Auth:   target.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		Subscriber:      s.cfg.Subscriber,
		TTL:             s.cfg.TTL,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("push service returned %d: %w", resp.StatusCode, ErrInvalidToken)
	case resp.StatusCode >= 400:
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}

	s.logger.Info("push sent via web push",
		zap.String("user_id", target.UserID),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}

func (s *WebPushSender) SupportsKind(kind string) bool {
	return kind == reminder.TargetWebPush
}

// GenerateVAPIDKeys creates a new VAPID key pair.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate vapid keys: %w", err)
	}
	return publicKey, privateKey, nil
}
