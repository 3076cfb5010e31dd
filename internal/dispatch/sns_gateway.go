package dispatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/db"
)

// SNSGateway delivers SMS reminders via AWS SNS.
type SNSGateway struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

func NewSNSGateway(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSGateway, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return &SNSGateway{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send delivers an SMS via AWS SNS. SMS has no subject; the rendered
// body is the whole message.
func (g *SNSGateway) Send(ctx context.Context, msg *Message) error {
	if msg.Method != db.MethodSMS {
		return fmt.Errorf("%w: SNS gateway only supports SMS, got %s", ErrGatewayRejected, msg.Method)
	}
	if msg.Recipient == "" {
		return fmt.Errorf("%w: recipient has no phone number", ErrGatewayRejected)
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.Recipient),
		Message:     aws.String(msg.Body),
	}

	result, err := g.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	g.logger.Info("SMS sent via SNS",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("phone_number", msg.Recipient),
		zap.String("message_id", *result.MessageId),
	)
	return nil
}

func (g *SNSGateway) SupportsMethod(method string) bool {
	return method == db.MethodSMS
}
