package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrDuplicateCommit indicates the (rule, lease, occurrence) key already
// exists in the ledger. The race is expected: a concurrent worker got
// there first, and callers treat the commit as already done rather than
// surfacing an error.
var ErrDuplicateCommit = errors.New("occurrence already committed to ledger")

const uniqueViolation = "23505"

// Ledger is the append-only dedup record store. Commit's uniqueness
// constraint, not the AlreadySent pre-check, is the at-most-once
// arbiter: the gap between check and dispatch is otherwise unprotected.
type Ledger struct {
	db     *DB
	logger *zap.Logger
}

func NewLedger(db *DB, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// AlreadySent reports whether the occurrence has a ledger record. This
// is a cheap skip-ahead only; Commit remains authoritative.
func (l *Ledger) AlreadySent(ctx context.Context, ruleID, leaseID int64, occurrence time.Time) (bool, error) {
	var exists bool
	err := l.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reminder_ledger
			WHERE rule_id = $1 AND lease_id = $2 AND occurrence_date = $3
		)
	`, ruleID, leaseID, occurrence).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query ledger: %w", err)
	}
	return exists, nil
}

// Commit appends the dedup record for a dispatched occurrence. It must
// be called only after the gateway accepted the send. Returns
// ErrDuplicateCommit if the composite key already exists.
func (l *Ledger) Commit(ctx context.Context, ruleID, leaseID int64, occurrence time.Time, deliveryMethod string) error {
	_, err := l.db.Pool().Exec(ctx, `
		INSERT INTO reminder_ledger (rule_id, lease_id, occurrence_date, sent_at, delivery_method)
		VALUES ($1, $2, $3, NOW(), $4)
	`, ruleID, leaseID, occurrence, deliveryMethod)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: rule %d lease %d %s",
				ErrDuplicateCommit, ruleID, leaseID, occurrence.Format("2006-01-02"))
		}
		return fmt.Errorf("insert ledger record: %w", err)
	}

	l.logger.Info("occurrence committed to ledger",
		zap.Int64("rule_id", ruleID),
		zap.Int64("lease_id", leaseID),
		zap.Time("occurrence_date", occurrence),
		zap.String("delivery_method", deliveryMethod),
	)
	return nil
}
