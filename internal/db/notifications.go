package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrNotAwaitingReceipt   = errors.New("notification is not awaiting a delivery receipt")
)

// NotificationRepository is the notification outbox store.
type NotificationRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewNotificationRepository(db *DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{db: db, logger: logger}
}

const notificationColumns = `id, rule_id, lease_id, recipient_id, template_id, delivery_method,
		occurrence_date, render_context, scheduled_send_at, status, attempt,
		error_message, sent_at, next_retry_at, created_at, updated_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.RuleID,
		&n.LeaseID,
		&n.RecipientID,
		&n.TemplateID,
		&n.DeliveryMethod,
		&n.OccurrenceDate,
		&n.RenderContext,
		&n.ScheduledSendAt,
		&n.Status,
		&n.Attempt,
		&n.ErrorMessage,
		&n.SentAt,
		&n.NextRetryAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification inserts a freshly scheduled notification.
func (r *NotificationRepository) CreateNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (
			id, rule_id, lease_id, recipient_id, template_id, delivery_method,
			occurrence_date, render_context, scheduled_send_at, status, attempt
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		n.ID,
		n.RuleID,
		n.LeaseID,
		n.RecipientID,
		n.TemplateID,
		n.DeliveryMethod,
		n.OccurrenceDate,
		n.RenderContext,
		n.ScheduledSendAt,
		n.Status,
		n.Attempt,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification scheduled",
		zap.String("notification_id", n.ID.String()),
		zap.Int64("rule_id", n.RuleID),
		zap.Int64("lease_id", n.LeaseID),
		zap.Time("occurrence_date", n.OccurrenceDate),
		zap.String("delivery_method", n.DeliveryMethod),
	)
	return nil
}

// GetNotification retrieves a notification by ID.
func (r *NotificationRepository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := fmt.Sprintf(`SELECT %s FROM notifications WHERE id = $1`, notificationColumns)

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// StaleClaimTimeout is how long a pending_send claim may sit untouched
// before it is considered orphaned by a crashed worker and offered to
// the poller again.
const StaleClaimTimeout = 5 * time.Minute

// GetDueNotifications fetches scheduled notifications whose send time has
// arrived and whose retry window, if any, has elapsed. It also returns
// pending_send rows whose claim has gone stale, so a worker that died
// between claiming and finishing cannot strand a notification; replaying
// those is safe because the gateway idempotency key and the ledger's
// duplicate-commit handling absorb a repeated send.
func (r *NotificationRepository) GetDueNotifications(ctx context.Context, limit int) ([]*Notification, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM notifications
		WHERE (
			status = 'scheduled'
			AND scheduled_send_at <= NOW()
			AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		) OR (
			status = 'pending_send'
			AND updated_at < NOW() - make_interval(secs => %d)
		)
		ORDER BY scheduled_send_at ASC
		LIMIT $1
	`, notificationColumns, int(StaleClaimTimeout.Seconds()))

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query due notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return notifications, nil
}

// UpdateNotificationStatus advances a notification's state.
func (r *NotificationRepository) UpdateNotificationStatus(
	ctx context.Context,
	id uuid.UUID,
	status string,
	attempt int,
	errorMsg *string,
	nextRetryAt *time.Time,
) error {
	query := `
		UPDATE notifications
		SET status = $1, attempt = $2, error_message = $3, next_retry_at = $4,
		    sent_at = CASE WHEN $1 = 'sent_success' THEN NOW() ELSE sent_at END,
		    updated_at = NOW()
		WHERE id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, status, attempt, errorMsg, nextRetryAt, id)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	return nil
}

// RecordDeliveryReceipt applies a provider callback to a sent
// notification. Only sent_success may move to a delivery outcome, so a
// late or duplicate receipt is a no-op error.
func (r *NotificationRepository) RecordDeliveryReceipt(ctx context.Context, id uuid.UUID, delivered bool, detail *string) error {
	status := StatusDeliveryConfirmed
	if !delivered {
		status = StatusDeliveryFailed
	}

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET status = $1, error_message = COALESCE($2, error_message), updated_at = NOW()
		WHERE id = $3 AND status = 'sent_success'
	`, status, detail, id)
	if err != nil {
		return fmt.Errorf("record delivery receipt: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.receiptViolation(ctx, id)
	}

	r.logger.Info("delivery receipt recorded",
		zap.String("notification_id", id.String()),
		zap.Bool("delivered", delivered),
	)
	return nil
}

// receiptViolation distinguishes "no such notification" from "not in
// sent_success" after the guarded receipt update matched zero rows.
func (r *NotificationRepository) receiptViolation(ctx context.Context, id uuid.UUID) error {
	var status string
	err := r.db.Pool().QueryRow(ctx, `SELECT status FROM notifications WHERE id = $1`, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("query notification status: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", ErrNotAwaitingReceipt, id, status)
}

// ListNotificationsByLandlord retrieves a landlord's notification history
// with pagination, joining through the lease ownership.
func (r *NotificationRepository) ListNotificationsByLandlord(
	ctx context.Context,
	landlordID int64,
	limit int,
	offset int,
) ([]*Notification, error) {
	query := `
		SELECT n.id, n.rule_id, n.lease_id, n.recipient_id, n.template_id, n.delivery_method,
		       n.occurrence_date, n.render_context, n.scheduled_send_at, n.status, n.attempt,
		       n.error_message, n.sent_at, n.next_retry_at, n.created_at, n.updated_at
		FROM notifications n
		JOIN leases l ON l.id = n.lease_id
		WHERE l.landlord_id = $1
		ORDER BY n.created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, landlordID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return notifications, nil
}
