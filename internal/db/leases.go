package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/lease"
)

// Amendment state machine violations surfaced by the store.
var (
	ErrAmendmentNotFound = errors.New("amendment not found")
	ErrNotDraft          = errors.New("amendment is not in DRAFT status")
)

// LeaseRepository is the amendment store plus read access to the
// immutable base leases.
type LeaseRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewLeaseRepository(db *DB, logger *zap.Logger) *LeaseRepository {
	return &LeaseRepository{db: db, logger: logger}
}

const leaseColumns = `id, property_id, landlord_id, tenant_id, start_date, end_date, move_in_date, rent_amount, rent_due_day`

func scanLease(row pgx.Row) (*lease.Lease, error) {
	var l lease.Lease
	err := row.Scan(
		&l.ID,
		&l.PropertyID,
		&l.LandlordID,
		&l.TenantID,
		&l.StartDate,
		&l.EndDate,
		&l.MoveInDate,
		&l.RentAmount,
		&l.RentDueDay,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLease retrieves a base lease by ID.
func (r *LeaseRepository) GetLease(ctx context.Context, id int64) (*lease.Lease, error) {
	query := fmt.Sprintf(`SELECT %s FROM leases WHERE id = $1`, leaseColumns)

	l, err := scanLease(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", lease.ErrLeaseNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query lease: %w", err)
	}
	return l, nil
}

// ListLeasesByLandlord retrieves every lease owned by a landlord.
func (r *LeaseRepository) ListLeasesByLandlord(ctx context.Context, landlordID int64) ([]*lease.Lease, error) {
	query := fmt.Sprintf(`SELECT %s FROM leases WHERE landlord_id = $1 ORDER BY id`, leaseColumns)

	rows, err := r.db.Pool().Query(ctx, query, landlordID)
	if err != nil {
		return nil, fmt.Errorf("query leases: %w", err)
	}
	defer rows.Close()

	var leases []*lease.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		leases = append(leases, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leases: %w", err)
	}
	return leases, nil
}

const amendmentColumns = `id, lease_id, effective_date, reason, status,
		new_rent_amount, original_rent_amount,
		new_end_date, original_end_date,
		new_rent_due_day, original_rent_due_day,
		created_at, activated_at, activated_by`

func scanAmendment(row pgx.Row) (*lease.Amendment, error) {
	var a lease.Amendment
	var newRent, origRent decimal.NullDecimal
	err := row.Scan(
		&a.ID,
		&a.LeaseID,
		&a.EffectiveDate,
		&a.Reason,
		&a.Status,
		&newRent,
		&origRent,
		&a.NewEndDate,
		&a.OriginalEndDate,
		&a.NewRentDueDay,
		&a.OriginalRentDueDay,
		&a.CreatedAt,
		&a.ActivatedAt,
		&a.ActivatedBy,
	)
	if err != nil {
		return nil, err
	}
	if newRent.Valid {
		a.NewRentAmount = &newRent.Decimal
	}
	if origRent.Valid {
		a.OriginalRentAmount = &origRent.Decimal
	}
	return &a, nil
}

// ListAmendments retrieves the full amendment history of a lease, any
// status, ordered by creation.
func (r *LeaseRepository) ListAmendments(ctx context.Context, leaseID int64) ([]*lease.Amendment, error) {
	query := fmt.Sprintf(`SELECT %s FROM lease_amendments WHERE lease_id = $1 ORDER BY id`, amendmentColumns)

	rows, err := r.db.Pool().Query(ctx, query, leaseID)
	if err != nil {
		return nil, fmt.Errorf("query amendments: %w", err)
	}
	defer rows.Close()

	var amendments []*lease.Amendment
	for rows.Next() {
		a, err := scanAmendment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan amendment: %w", err)
		}
		amendments = append(amendments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate amendments: %w", err)
	}
	return amendments, nil
}

// CreateAmendment inserts a new DRAFT amendment. Original field values
// are captured by the caller at creation time.
func (r *LeaseRepository) CreateAmendment(ctx context.Context, a *lease.Amendment) error {
	query := `
		INSERT INTO lease_amendments (
			lease_id, effective_date, reason, status,
			new_rent_amount, original_rent_amount,
			new_end_date, original_end_date,
			new_rent_due_day, original_rent_due_day
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`

	a.Status = lease.AmendmentDraft
	err := r.db.Pool().QueryRow(ctx, query,
		a.LeaseID,
		a.EffectiveDate,
		a.Reason,
		a.Status,
		a.NewRentAmount,
		a.OriginalRentAmount,
		a.NewEndDate,
		a.OriginalEndDate,
		a.NewRentDueDay,
		a.OriginalRentDueDay,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert amendment: %w", err)
	}

	r.logger.Info("amendment created",
		zap.Int64("amendment_id", a.ID),
		zap.Int64("lease_id", a.LeaseID),
		zap.Time("effective_date", a.EffectiveDate),
	)
	return nil
}

// UpdateDraftAmendment rewrites the deltas of a DRAFT amendment. Any
// other status is immutable.
func (r *LeaseRepository) UpdateDraftAmendment(ctx context.Context, a *lease.Amendment) error {
	query := `
		UPDATE lease_amendments
		SET effective_date = $1, reason = $2,
		    new_rent_amount = $3, new_end_date = $4, new_rent_due_day = $5
		WHERE id = $6 AND status = 'DRAFT'
	`

	result, err := r.db.Pool().Exec(ctx, query,
		a.EffectiveDate, a.Reason,
		a.NewRentAmount, a.NewEndDate, a.NewRentDueDay,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("update amendment: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.draftViolation(ctx, a.ID)
	}
	return nil
}

// DeleteDraftAmendment removes a DRAFT amendment. Activated history is
// never deleted.
func (r *LeaseRepository) DeleteDraftAmendment(ctx context.Context, id int64) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM lease_amendments WHERE id = $1 AND status = 'DRAFT'`, id)
	if err != nil {
		return fmt.Errorf("delete amendment: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.draftViolation(ctx, id)
	}
	return nil
}

// draftViolation distinguishes "no such amendment" from "not a draft"
// after a guarded write matched zero rows.
func (r *LeaseRepository) draftViolation(ctx context.Context, id int64) error {
	var status string
	err := r.db.Pool().QueryRow(ctx, `SELECT status FROM lease_amendments WHERE id = $1`, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("%w: %d", ErrAmendmentNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("query amendment status: %w", err)
	}
	return fmt.Errorf("%w: %d is %s", ErrNotDraft, id, status)
}

// ActivateAmendment transitions a DRAFT amendment to ACTIVE and, in the
// same transaction, supersedes any other ACTIVE amendment on the lease
// that changes one of the same fields with an earlier-or-equal effective
// date. A strictly earlier-effective amendment is never superseded by a
// later-activated one carrying an earlier date.
func (r *LeaseRepository) ActivateAmendment(ctx context.Context, id, activatedBy int64) (*lease.Amendment, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf(`SELECT %s FROM lease_amendments WHERE id = $1 FOR UPDATE`, amendmentColumns)
	a, err := scanAmendment(tx.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrAmendmentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query amendment: %w", err)
	}
	if a.Status != lease.AmendmentDraft {
		return nil, fmt.Errorf("%w: %d is %s", ErrNotDraft, id, a.Status)
	}

	var leaseStart time.Time
	if err := tx.QueryRow(ctx, `SELECT start_date FROM leases WHERE id = $1`, a.LeaseID).Scan(&leaseStart); err != nil {
		return nil, fmt.Errorf("query lease start: %w", err)
	}
	if lease.DateOnly(a.EffectiveDate).Before(lease.DateOnly(leaseStart)) {
		return nil, fmt.Errorf("%w: effective date before lease start", lease.ErrInvalidAmendmentData)
	}
	if !a.HasChanges() {
		return nil, fmt.Errorf("%w: amendment changes no lease field", lease.ErrInvalidAmendmentData)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE lease_amendments
		SET status = 'ACTIVE', activated_at = $1, activated_by = $2
		WHERE id = $3
	`, now, activatedBy, id)
	if err != nil {
		return nil, fmt.Errorf("activate amendment: %w", err)
	}

	// Supersede pass: ACTIVE siblings sharing a changed field, effective
	// on or before the new amendment's date.
	var fieldConds []string
	if a.NewRentAmount != nil {
		fieldConds = append(fieldConds, "new_rent_amount IS NOT NULL")
	}
	if a.NewEndDate != nil {
		fieldConds = append(fieldConds, "new_end_date IS NOT NULL")
	}
	if a.NewRentDueDay != nil {
		fieldConds = append(fieldConds, "new_rent_due_day IS NOT NULL")
	}

	supersede := fmt.Sprintf(`
		UPDATE lease_amendments
		SET status = 'SUPERSEDED'
		WHERE lease_id = $1 AND id <> $2 AND status = 'ACTIVE'
		  AND effective_date <= $3
		  AND (%s)
	`, strings.Join(fieldConds, " OR "))

	result, err := tx.Exec(ctx, supersede, a.LeaseID, id, a.EffectiveDate)
	if err != nil {
		return nil, fmt.Errorf("supersede amendments: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	a.Status = lease.AmendmentActive
	a.ActivatedAt = &now
	a.ActivatedBy = &activatedBy

	r.logger.Info("amendment activated",
		zap.Int64("amendment_id", id),
		zap.Int64("lease_id", a.LeaseID),
		zap.Time("effective_date", a.EffectiveDate),
		zap.Int64("superseded", result.RowsAffected()),
	)
	return a, nil
}
