package dispatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/db"
)

// SESGateway delivers email reminders via AWS SES.
type SESGateway struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESGateway(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESGateway, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESGateway{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send delivers an email via AWS SES.
func (g *SESGateway) Send(ctx context.Context, msg *Message) error {
	if msg.Method != db.MethodEmail {
		return fmt.Errorf("%w: SES gateway only supports email, got %s", ErrGatewayRejected, msg.Method)
	}
	if msg.Recipient == "" {
		return fmt.Errorf("%w: recipient has no email address", ErrGatewayRejected)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(g.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
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

	result, err := g.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	g.logger.Info("email sent via SES",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("to", msg.Recipient),
		zap.String("message_id", *result.MessageId),
	)
	return nil
}

func (g *SESGateway) SupportsMethod(method string) bool {
	return method == db.MethodEmail
}
