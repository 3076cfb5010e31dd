// Package events exports terminal dispatch outcomes to SQS so downstream
// systems (rent ledgers, landlord dashboards, analytics) can react to
// reminders without reading our database.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/db"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// OutcomeEvent is the payload published per terminal dispatch outcome.
type OutcomeEvent struct {
	NotificationID string `json:"notification_id"`
	RuleID         int64  `json:"rule_id"`
	LeaseID        int64  `json:"lease_id"`
	RecipientID    int64  `json:"recipient_id"`
	DeliveryMethod string `json:"delivery_method"`
	OccurrenceDate string `json:"occurrence_date"`
	Status         string `json:"status"`
	Attempt        int    `json:"attempt"`
	ErrorMessage   string `json:"error_message,omitempty"`
	PublishedAt    int64  `json:"published_at"`
}

// Publisher sends dispatch outcomes to SQS.
type Publisher struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewPublisher creates an SQS outcome publisher.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("outcome publisher initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Publisher{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// PublishOutcome enqueues a terminal dispatch outcome. Failures here are
// logged by the caller and never affect the notification's own state.
func (p *Publisher) PublishOutcome(ctx context.Context, notif *db.Notification) error {
	event := OutcomeEvent{
		NotificationID: notif.ID.String(),
		RuleID:         notif.RuleID,
		LeaseID:        notif.LeaseID,
		RecipientID:    notif.RecipientID,
		DeliveryMethod: notif.DeliveryMethod,
		OccurrenceDate: notif.OccurrenceDate.Format("2006-01-02"),
		Status:         notif.Status,
		Attempt:        notif.Attempt,
		PublishedAt:    time.Now().UnixNano(),
	}
	if notif.ErrorMessage != nil {
		event.ErrorMessage = *notif.ErrorMessage
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome event: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("dispatch outcome published",
		zap.String("notification_id", event.NotificationID),
		zap.String("status", event.Status),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
