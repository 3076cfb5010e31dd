package lease

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrLeaseNotFound indicates the base lease is absent.
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrInvalidAmendmentData indicates a qualifying amendment carries data
	// the lease schema cannot accept. Resolution is atomic: one bad
	// amendment fails the whole call, and callers must treat the failure
	// as "do not act", never as "fall back to base terms".
	ErrInvalidAmendmentData = errors.New("invalid amendment data")
)

// EffectiveTerms is the lease's field values as legally in force on a
// given date, after folding all qualifying amendments.
type EffectiveTerms struct {
	StartDate  time.Time       `json:"start_date"`
	EndDate    time.Time       `json:"end_date"`
	RentAmount decimal.Decimal `json:"rent_amount"`
	RentDueDay int             `json:"rent_due_day"`

	// AppliedAmendmentIDs lists the folded amendments in application
	// order, for audit traceability.
	AppliedAmendmentIDs []int64 `json:"applied_amendment_ids"`
}

// Resolve computes the effective terms of a lease as of a target date.
//
// Amendments with status ACTIVE or SUPERSEDED and an effective date on or
// before asOf are folded in ascending (effective date, id) order, each
// later delta overwriting the running value of the fields it touches.
// SUPERSEDED amendments still fold: supersession records that a later
// amendment overrides the same field, which the sorted fold already
// expresses, so earlier dates keep resolving through the superseded
// delta. DRAFT and CANCELLED amendments never resolve.
//
// Future-dated amendments never apply regardless of status, which is what
// lets a future amendment be activated ahead of time without affecting
// present-day resolution.
func Resolve(l *Lease, amendments []*Amendment, asOf time.Time) (*EffectiveTerms, error) {
	if l == nil {
		return nil, ErrLeaseNotFound
	}

	asOfDay := DateOnly(asOf)

	qualifying := make([]*Amendment, 0, len(amendments))
	for _, a := range amendments {
		if a.Status != AmendmentActive && a.Status != AmendmentSuperseded {
			continue
		}
		if DateOnly(a.EffectiveDate).After(asOfDay) {
			continue
		}
		if err := validateAmendment(l, a); err != nil {
			return nil, err
		}
		qualifying = append(qualifying, a)
	}

	// Deterministic order: effective date ascending, then id. Identifiers
	// increase monotonically with creation, so the tie-break reflects
	// creation order.
	sort.Slice(qualifying, func(i, j int) bool {
		di, dj := DateOnly(qualifying[i].EffectiveDate), DateOnly(qualifying[j].EffectiveDate)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return qualifying[i].ID < qualifying[j].ID
	})

	terms := &EffectiveTerms{
		StartDate:           DateOnly(l.StartDate),
		EndDate:             DateOnly(l.EndDate),
		RentAmount:          l.RentAmount,
		RentDueDay:          l.RentDueDay,
		AppliedAmendmentIDs: []int64{},
	}

	for _, a := range qualifying {
		if a.NewRentAmount != nil {
			terms.RentAmount = *a.NewRentAmount
		}
		if a.NewEndDate != nil {
			terms.EndDate = DateOnly(*a.NewEndDate)
		}
		if a.NewRentDueDay != nil {
			terms.RentDueDay = *a.NewRentDueDay
		}
		terms.AppliedAmendmentIDs = append(terms.AppliedAmendmentIDs, a.ID)
	}

	return terms, nil
}

// validateAmendment rejects deltas the lease schema cannot accept. The
// checks run before any fold so that resolution either applies every
// qualifying amendment cleanly or fails as a whole.
func validateAmendment(l *Lease, a *Amendment) error {
	if !a.HasChanges() {
		return fmt.Errorf("%w: amendment %d changes no lease field", ErrInvalidAmendmentData, a.ID)
	}
	if DateOnly(a.EffectiveDate).Before(DateOnly(l.StartDate)) {
		return fmt.Errorf("%w: amendment %d effective before lease start", ErrInvalidAmendmentData, a.ID)
	}
	if a.NewRentAmount != nil && !a.NewRentAmount.IsPositive() {
		return fmt.Errorf("%w: amendment %d rent amount must be positive", ErrInvalidAmendmentData, a.ID)
	}
	if a.NewRentDueDay != nil && (*a.NewRentDueDay < 1 || *a.NewRentDueDay > 31) {
		return fmt.Errorf("%w: amendment %d rent due day out of range", ErrInvalidAmendmentData, a.ID)
	}
	return nil
}
