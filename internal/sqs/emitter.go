// Package sqs hands quick-log signals to the logging collaborator through
// an SQS queue.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

type Config struct {
	Region   string
	QueueURL string
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Emitter publishes one message per log signal. Consumers dedupe on the
// signal ID.
type Emitter struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
}

func NewEmitter(ctx context.Context, cfg Config, logger *zap.Logger) (*Emitter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs log signal emitter initialized", zap.String("queue_url", cfg.QueueURL))

	return &Emitter{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

func (e *Emitter) Emit(ctx context.Context, sig reminder.LogSignal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal log signal: %w", err)
	}

	result, err := e.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(e.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"category": {DataType: aws.String("String"), StringValue: aws.String(string(sig.Category))},
			"action":   {DataType: aws.String("String"), StringValue: aws.String(string(sig.Action))},
		},
	})
	if err != nil {
		e.logger.Error("failed to send log signal to sqs",
			zap.Error(err),
			zap.String("signal_id", sig.ID),
			zap.String("user_id", sig.UserID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	e.logger.Debug("log signal emitted",
		zap.String("signal_id", sig.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
