// Package lease holds the immutable lease facts, the amendment history,
// and the resolver that computes the legally-effective terms of a lease
// at an arbitrary date.
package lease

import (
	"time"

	"github.com/shopspring/decimal"
)

// AmendmentStatus is the lifecycle state of a lease amendment.
type AmendmentStatus string

const (
	AmendmentDraft      AmendmentStatus = "DRAFT"
	AmendmentActive     AmendmentStatus = "ACTIVE"
	AmendmentSuperseded AmendmentStatus = "SUPERSEDED"
	AmendmentCancelled  AmendmentStatus = "CANCELLED"
)

// Lease is the immutable base record created by landlord action.
// Amendments never mutate it; effective terms are always recomputed
// from the base plus the amendment history.
type Lease struct {
	ID         int64           `json:"id"`
	PropertyID int64           `json:"property_id"`
	LandlordID int64           `json:"landlord_id"`
	TenantID   *int64          `json:"tenant_id,omitempty"`
	StartDate  time.Time       `json:"start_date"`
	EndDate    time.Time       `json:"end_date"`
	MoveInDate time.Time       `json:"move_in_date"`
	RentAmount decimal.Decimal `json:"rent_amount"`
	RentDueDay int             `json:"rent_due_day"` // day of month, 1-31
}

// Amendment is an immutable delta against a lease. Each changed field
// carries the value it replaces, captured at creation time, so history
// stays auditable without re-reading prior amendments.
type Amendment struct {
	ID            int64           `json:"id"`
	LeaseID       int64           `json:"lease_id"`
	EffectiveDate time.Time       `json:"effective_date"`
	Reason        *string         `json:"reason,omitempty"`
	Status        AmendmentStatus `json:"status"`

	NewRentAmount      *decimal.Decimal `json:"new_rent_amount,omitempty"`
	OriginalRentAmount *decimal.Decimal `json:"original_rent_amount,omitempty"`
	NewEndDate         *time.Time       `json:"new_end_date,omitempty"`
	OriginalEndDate    *time.Time       `json:"original_end_date,omitempty"`
	NewRentDueDay      *int             `json:"new_rent_due_day,omitempty"`
	OriginalRentDueDay *int             `json:"original_rent_due_day,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ActivatedBy *int64     `json:"activated_by,omitempty"`
}

// HasChanges reports whether the amendment carries at least one field delta.
func (a *Amendment) HasChanges() bool {
	return a.NewRentAmount != nil || a.NewEndDate != nil || a.NewRentDueDay != nil
}

// ChangesField reports whether the amendment changes the named field.
// Field names match the lease columns: rent_amount, end_date, rent_due_day.
func (a *Amendment) ChangesField(field string) bool {
	switch field {
	case "rent_amount":
		return a.NewRentAmount != nil
	case "end_date":
		return a.NewEndDate != nil
	case "rent_due_day":
		return a.NewRentDueDay != nil
	}
	return false
}

// ChangedFields lists the lease fields this amendment overrides.
func (a *Amendment) ChangedFields() []string {
	var fields []string
	if a.NewRentAmount != nil {
		fields = append(fields, "rent_amount")
	}
	if a.NewEndDate != nil {
		fields = append(fields, "end_date")
	}
	if a.NewRentDueDay != nil {
		fields = append(fields, "rent_due_day")
	}
	return fields
}

// DateOnly truncates a timestamp to its UTC calendar day.
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Date builds a UTC calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// SameDay reports whether two timestamps fall on the same UTC calendar day.
func SameDay(a, b time.Time) bool {
	return DateOnly(a).Equal(DateOnly(b))
}
