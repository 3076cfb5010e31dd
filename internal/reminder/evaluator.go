// Package reminder computes which (rule, lease) reminder occurrences are
// due on a given calendar day, anchored to each lease's effective terms.
package reminder

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/lease"
)

// Anchor is the lease date a reminder rule offsets from.
type Anchor string

const (
	AnchorRentDueDate    Anchor = "RENT_DUE_DATE"
	AnchorLeaseStartDate Anchor = "LEASE_START_DATE"
	AnchorLeaseEndDate   Anchor = "LEASE_END_DATE"
)

// Rule is a landlord-authored reminder definition. DaysOffset is signed:
// negative means "this many days before the anchor", positive after,
// zero on the day itself.
type Rule struct {
	ID         int64  `json:"id"`
	LandlordID int64  `json:"landlord_id"`
	TemplateID int64  `json:"template_id"`
	DaysOffset int    `json:"days_offset"`
	RelativeTo Anchor `json:"offset_relative_to"`
	SendHour   int    `json:"send_time_hour"`
	SendMinute int    `json:"send_time_minute"`
	IsActive   bool   `json:"is_active"`
}

// Occurrence is one concrete (rule, lease, date) instance that may
// trigger a single reminder. TargetDate is the anchor date being
// reminded about, not the day the reminder fires.
type Occurrence struct {
	RuleID     int64
	LeaseID    int64
	TargetDate time.Time
}

// Key is the dedup identity of the occurrence.
func (o Occurrence) Key() string {
	return fmt.Sprintf("%d:%d:%s", o.RuleID, o.LeaseID, o.TargetDate.Format("2006-01-02"))
}

// EvalError records a per-pair evaluation failure. Failures never abort
// sibling pairs; they are collected for the tick report.
type EvalError struct {
	RuleID     int64
	LeaseID    int64
	TargetDate time.Time
	Err        error
}

func (e EvalError) Error() string {
	return fmt.Sprintf("rule %d lease %d target %s: %v",
		e.RuleID, e.LeaseID, e.TargetDate.Format("2006-01-02"), e.Err)
}

// LeaseSource supplies the candidate leases and their amendment history.
type LeaseSource interface {
	ListLeasesByLandlord(ctx context.Context, landlordID int64) ([]*lease.Lease, error)
	ListAmendments(ctx context.Context, leaseID int64) ([]*lease.Amendment, error)
}

type Evaluator struct {
	leases LeaseSource
	logger *zap.Logger
}

func NewEvaluator(leases LeaseSource, logger *zap.Logger) *Evaluator {
	return &Evaluator{leases: leases, logger: logger}
}

// DueOccurrences returns the (rule, lease) pairs whose reminder falls on
// today. For each active rule the target occurrence date is the date
// whose anchor, offset by DaysOffset, lands on today; lease terms are
// resolved as of that target date, since an amendment may have moved the
// anchor between rule-authoring time and occurrence time.
func (e *Evaluator) DueOccurrences(ctx context.Context, today time.Time, rules []*Rule) ([]Occurrence, []EvalError) {
	day := lease.DateOnly(today)

	var due []Occurrence
	var evalErrs []EvalError

	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}

		// Applying DaysOffset to the target must yield today.
		target := day.AddDate(0, 0, -rule.DaysOffset)

		candidates, err := e.leases.ListLeasesByLandlord(ctx, rule.LandlordID)
		if err != nil {
			evalErrs = append(evalErrs, EvalError{RuleID: rule.ID, TargetDate: target, Err: err})
			continue
		}

		for _, l := range candidates {
			amendments, err := e.leases.ListAmendments(ctx, l.ID)
			if err != nil {
				evalErrs = append(evalErrs, EvalError{RuleID: rule.ID, LeaseID: l.ID, TargetDate: target, Err: err})
				continue
			}

			terms, err := lease.Resolve(l, amendments, target)
			if err != nil {
				e.logger.Warn("lease resolution failed, skipping occurrence",
					zap.Int64("rule_id", rule.ID),
					zap.Int64("lease_id", l.ID),
					zap.Time("target_date", target),
					zap.Error(err),
				)
				evalErrs = append(evalErrs, EvalError{RuleID: rule.ID, LeaseID: l.ID, TargetDate: target, Err: err})
				continue
			}

			// The lease must be active on the date being reminded about.
			if target.Before(terms.StartDate) || target.After(terms.EndDate) {
				continue
			}

			if anchorFallsOn(rule.RelativeTo, terms, target) {
				due = append(due, Occurrence{RuleID: rule.ID, LeaseID: l.ID, TargetDate: target})
			}
		}
	}

	return due, evalErrs
}

func anchorFallsOn(anchor Anchor, terms *lease.EffectiveTerms, target time.Time) bool {
	switch anchor {
	case AnchorLeaseStartDate:
		return terms.StartDate.Equal(target)
	case AnchorLeaseEndDate:
		return terms.EndDate.Equal(target)
	case AnchorRentDueDate:
		return RentDueDateIn(target.Year(), target.Month(), terms.RentDueDay).Equal(target)
	}
	return false
}

// RentDueDateIn returns the rent due date for a month, clipping the due
// day to the month's last day (due-day 31 in a 30-day month is the 30th).
func RentDueDateIn(year int, month time.Month, dueDay int) time.Time {
	last := daysIn(year, month)
	if dueDay > last {
		dueDay = last
	}
	return lease.Date(year, month, dueDay)
}

func daysIn(year int, month time.Month) int {
	// Day zero of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
