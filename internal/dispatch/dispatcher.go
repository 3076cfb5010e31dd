package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/db"
	"github.com/cosialm/hermitta/internal/metrics"
)

// Repository is the notification outbox the worker drains.
type Repository interface {
	GetDueNotifications(ctx context.Context, limit int) ([]*db.Notification, error)
	UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status string, attempt int, errorMsg *string, nextRetryAt *time.Time) error
}

// Ledger commits dedup records after gateway acceptance.
type Ledger interface {
	Commit(ctx context.Context, ruleID, leaseID int64, occurrence time.Time, deliveryMethod string) error
}

// TemplateStore resolves a template for a recipient's language.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id int64, language string) (*db.Template, error)
}

// RecipientStore resolves delivery addresses.
type RecipientStore interface {
	GetUser(ctx context.Context, id int64) (*db.User, error)
}

// OutcomePublisher exports terminal dispatch outcomes. Optional.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, n *db.Notification) error
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

// Worker polls due notifications and drives each through the dispatch
// state machine:
//
//	scheduled -> pending_send -> sent_success | sent_fail
//
// A transient gateway failure puts the notification back to scheduled
// with a backoff retry time; the ledger commit after gateway acceptance
// is what makes re-dispatch after a crash safe.
type Worker struct {
	repo       Repository
	ledger     Ledger
	templates  TemplateStore
	recipients RecipientStore
	gateway    Gateway
	publisher  OutcomePublisher // nil disables outcome export
	config     Config
	logger     *zap.Logger
}

func NewWorker(
	repo Repository,
	ledger Ledger,
	templates TemplateStore,
	recipients RecipientStore,
	gateway Gateway,
	publisher OutcomePublisher,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}

	return &Worker{
		repo:       repo,
		ledger:     ledger,
		templates:  templates,
		recipients: recipients,
		gateway:    gateway,
		publisher:  publisher,
		config:     cfg,
		logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("dispatch worker stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	notifications, err := w.repo.GetDueNotifications(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to get due notifications", zap.Error(err))
		return
	}

	for _, notif := range notifications {
		if ctx.Err() != nil {
			return
		}
		w.Dispatch(ctx, notif)
	}
}

// Dispatch processes a single notification to a terminal or retryable
// state. Safe to re-invoke for the same notification: the gateway call
// carries a stable idempotency key, and a duplicate ledger commit is
// read as "someone else already handled this occurrence".
func (w *Worker) Dispatch(ctx context.Context, notif *db.Notification) {
	// Claim it first so a second worker skips it. On a stale pending_send
	// row this just refreshes the claim timestamp.
	if err := w.repo.UpdateNotificationStatus(ctx, notif.ID, db.StatusPendingSend, notif.Attempt, nil, nil); err != nil {
		w.logger.Error("failed to claim notification", zap.Error(err), zap.String("id", notif.ID.String()))
		return
	}

	msg, err := w.prepare(ctx, notif)
	if err != nil {
		if errors.Is(err, ErrMissingPlaceholder) || IsTerminal(err) {
			w.fail(ctx, notif, err)
			return
		}
		// Infra fault while preparing (directory or template store down):
		// retryable.
		w.retryLater(ctx, notif, err)
		return
	}

	err = w.gateway.Send(ctx, msg)
	if err != nil {
		if IsTerminal(err) {
			w.fail(ctx, notif, err)
			return
		}
		w.retryLater(ctx, notif, err)
		return
	}

	// Gateway accepted: the ledger commit is the at-most-once point.
	err = w.ledger.Commit(ctx, notif.RuleID, notif.LeaseID, notif.OccurrenceDate, notif.DeliveryMethod)
	if err != nil && !errors.Is(err, db.ErrDuplicateCommit) {
		// The send happened but the commit failed on infrastructure.
		// Leave the notification retryable: the idempotent gateway key
		// makes the replayed send harmless, and the retry will land the
		// commit.
		w.retryLater(ctx, notif, fmt.Errorf("ledger commit: %w", err))
		return
	}
	if errors.Is(err, db.ErrDuplicateCommit) {
		w.logger.Info("occurrence already committed, treating send as handled",
			zap.String("notification_id", notif.ID.String()),
			zap.Int64("rule_id", notif.RuleID),
			zap.Int64("lease_id", notif.LeaseID),
		)
	}

	notif.Status = db.StatusSentSuccess
	notif.Attempt++
	if err := w.repo.UpdateNotificationStatus(ctx, notif.ID, db.StatusSentSuccess, notif.Attempt, nil, nil); err != nil {
		w.logger.Error("failed to mark notification sent", zap.Error(err), zap.String("id", notif.ID.String()))
	}
	metrics.RecordDispatch(db.StatusSentSuccess, notif.DeliveryMethod)

	w.logger.Info("notification sent",
		zap.String("id", notif.ID.String()),
		zap.String("method", notif.DeliveryMethod),
		zap.Int("attempt", notif.Attempt),
	)
	w.publishOutcome(ctx, notif)
}

// prepare resolves the recipient and template and renders the message.
func (w *Worker) prepare(ctx context.Context, notif *db.Notification) (*Message, error) {
	user, err := w.recipients.GetUser(ctx, notif.RecipientID)
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
		}
		return nil, err
	}

	tmpl, err := w.templates.GetTemplate(ctx, notif.TemplateID, user.Language)
	if err != nil {
		if errors.Is(err, db.ErrTemplateNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
		}
		return nil, err
	}

	subject, body, err := RenderTemplate(tmpl, notif.RenderContext)
	if err != nil {
		return nil, err
	}

	var recipient string
	switch notif.DeliveryMethod {
	case db.MethodEmail:
		recipient = user.Email
	case db.MethodSMS:
		recipient = user.Phone
	case db.MethodWebhook:
		recipient = user.WebhookURL
	default:
		return nil, fmt.Errorf("%w: unknown delivery method %s", ErrGatewayRejected, notif.DeliveryMethod)
	}

	return &Message{
		NotificationID: notif.ID,
		IdempotencyKey: notif.ID.String(),
		Method:         notif.DeliveryMethod,
		Recipient:      recipient,
		Subject:        subject,
		Body:           body,
	}, nil
}

// fail marks a terminal failure. No retry, no ledger commit.
func (w *Worker) fail(ctx context.Context, notif *db.Notification, cause error) {
	notif.Attempt++
	errMsg := cause.Error()
	notif.Status = db.StatusSentFail
	notif.ErrorMessage = &errMsg

	w.logger.Error("notification failed terminally",
		zap.String("id", notif.ID.String()),
		zap.Int64("rule_id", notif.RuleID),
		zap.Int64("lease_id", notif.LeaseID),
		zap.Time("occurrence_date", notif.OccurrenceDate),
		zap.Error(cause),
	)

	if err := w.repo.UpdateNotificationStatus(ctx, notif.ID, db.StatusSentFail, notif.Attempt, &errMsg, nil); err != nil {
		w.logger.Error("failed to mark notification failed", zap.Error(err), zap.String("id", notif.ID.String()))
	}
	metrics.RecordDispatch(db.StatusSentFail, notif.DeliveryMethod)
	w.publishOutcome(ctx, notif)
}

// retryLater schedules a bounded backoff retry, failing terminally once
// the retry ceiling is reached.
func (w *Worker) retryLater(ctx context.Context, notif *db.Notification, cause error) {
	newAttempt := notif.Attempt + 1
	if newAttempt >= w.config.MaxRetries {
		notif.Attempt = newAttempt - 1 // fail bumps it
		w.fail(ctx, notif, fmt.Errorf("retries exhausted: %w", cause))
		return
	}

	errMsg := cause.Error()
	nextRetry := w.nextRetryTime(newAttempt)

	w.logger.Warn("transient dispatch failure, retry scheduled",
		zap.String("id", notif.ID.String()),
		zap.Int("attempt", newAttempt),
		zap.Time("next_retry_at", nextRetry),
		zap.Error(cause),
	)

	if err := w.repo.UpdateNotificationStatus(ctx, notif.ID, db.StatusScheduled, newAttempt, &errMsg, &nextRetry); err != nil {
		w.logger.Error("failed to schedule retry", zap.Error(err), zap.String("id", notif.ID.String()))
	}
	metrics.RecordDispatchRetry(notif.DeliveryMethod)
}

func (w *Worker) nextRetryTime(attempt int) time.Time {
	delays := []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
	}

	idx := attempt - 1
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return time.Now().Add(delays[idx])
}

func (w *Worker) publishOutcome(ctx context.Context, notif *db.Notification) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.PublishOutcome(ctx, notif); err != nil {
		w.logger.Warn("failed to publish dispatch outcome",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
	}
}
