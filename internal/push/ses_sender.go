package push

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/reminder"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender emails reminders to users who registered an address instead
// of a device.
type SESSender struct {
	client    sesAPI
	fromEmail string
	logger    *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	return &SESSender{
		client:    ses.NewFromConfig(awsCfg),
		fromEmail: cfg.FromEmail,
		logger:    logger,
	}, nil
}

func (s *SESSender) Send(ctx context.Context, target reminder.Target, msg reminder.Message) error {
	if !strings.Contains(target.Address, "@") {
		return fmt.Errorf("email target %q: %w", target.Address, ErrInvalidToken)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{target.Address},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send email failed: %w", err)
	}

	s.logger.Info("reminder email sent via SES",
		zap.String("user_id", target.UserID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func (s *SESSender) SupportsKind(kind string) bool {
	return kind == reminder.TargetEmail
}
