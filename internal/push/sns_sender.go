package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender publishes mobile pushes to SNS platform endpoints. The target
// address is the endpoint ARN created for the device token.
type SNSSender struct {
	client snsAPI
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS sender for mobile push
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

type fcmEnvelope struct {
	Notification map[string]string `json:"notification"`
	Data         map[string]string `json:"data"`
}

type apnsEnvelope struct {
	APS struct {
		Alert struct {
			Title string `json:"title"`
			Body  string `json:"body"`
		} `json:"alert"`
		Category string `json:"category,omitempty"`
	} `json:"aps"`
	Data map[string]string `json:"data"`
}

// buildSNSMessage renders the per-platform JSON message structure.
func buildSNSMessage(msg reminder.Message) (string, error) {
	fcm, err := json.Marshal(fcmEnvelope{
		Notification: map[string]string{"title": msg.Title, "body": msg.Body},
		Data:         msg.Data,
	})
	if err != nil {
		return "", fmt.Errorf("marshal fcm payload: %w", err)
	}

	var apns apnsEnvelope
	apns.APS.Alert.Title = msg.Title
	apns.APS.Alert.Body = msg.Body
	apns.APS.Category = msg.Data["notification_type"]
	apns.Data = msg.Data
	apnsRaw, err := json.Marshal(apns)
	if err != nil {
		return "", fmt.Errorf("marshal apns payload: %w", err)
	}

	out, err := json.Marshal(map[string]string{
		"default":      msg.Body,
		"GCM":          string(fcm),
		"APNS":         string(apnsRaw),
		"APNS_SANDBOX": string(apnsRaw),
	})
	if err != nil {
		return "", fmt.Errorf("marshal sns message: %w", err)
	}
	return string(out), nil
}

// Send publishes a push to the target endpoint ARN.
func (s *SNSSender) Send(ctx context.Context, target reminder.Target, msg reminder.Message) error {
	if target.Address == "" {
		return fmt.Errorf("sns target missing endpoint arn: %w", ErrInvalidToken)
	}

	body, err := buildSNSMessage(msg)
	if err != nil {
		return err
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(target.Address),
		Message:          aws.String(body),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		var disabled *types.EndpointDisabledException
		var notFound *types.NotFoundException
		if errors.As(err, &disabled) || errors.As(err, &notFound) {
			return fmt.Errorf("sns endpoint %s: %w", target.Address, ErrInvalidToken)
		}
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("push sent via SNS",
		zap.String("user_id", target.UserID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func (s *SNSSender) SupportsKind(kind string) bool {
	return kind == reminder.TargetSNS
}
