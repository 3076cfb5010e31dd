package lease

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testLease() *Lease {
	return &Lease{
		ID:         1,
		PropertyID: 10,
		LandlordID: 100,
		StartDate:  Date(2024, time.January, 1),
		EndDate:    Date(2024, time.December, 31),
		MoveInDate: Date(2024, time.January, 1),
		RentAmount: decimal.NewFromInt(1200),
		RentDueDay: 5,
	}
}

func amendDueDay(id int64, effective time.Time, day int, status AmendmentStatus) *Amendment {
	orig := 5
	return &Amendment{
		ID:                 id,
		LeaseID:            1,
		EffectiveDate:      effective,
		Status:             status,
		NewRentDueDay:      &day,
		OriginalRentDueDay: &orig,
	}
}

func amendRent(id int64, effective time.Time, amount int64, status AmendmentStatus) *Amendment {
	v := decimal.NewFromInt(amount)
	orig := decimal.NewFromInt(1200)
	return &Amendment{
		ID:                 id,
		LeaseID:            1,
		EffectiveDate:      effective,
		Status:             status,
		NewRentAmount:      &v,
		OriginalRentAmount: &orig,
	}
}

func TestResolve_NilLease(t *testing.T) {
	_, err := Resolve(nil, nil, Date(2024, time.June, 1))
	if !errors.Is(err, ErrLeaseNotFound) {
		t.Fatalf("expected ErrLeaseNotFound, got %v", err)
	}
}

func TestResolve_NoAmendments(t *testing.T) {
	l := testLease()
	terms, err := Resolve(l, nil, Date(2024, time.June, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if terms.RentDueDay != 5 {
		t.Errorf("rent due day = %d, want 5", terms.RentDueDay)
	}
	if !terms.RentAmount.Equal(decimal.NewFromInt(1200)) {
		t.Errorf("rent amount = %s, want 1200", terms.RentAmount)
	}
	if len(terms.AppliedAmendmentIDs) != 0 {
		t.Errorf("applied ids = %v, want empty", terms.AppliedAmendmentIDs)
	}
}

// Amendment effective 2024-06-01 changing the due day to 10: resolution
// before the effective date keeps the base value, on or after it takes
// the amended value.
func TestResolve_DueDayChangeStraddlesEffectiveDate(t *testing.T) {
	l := testLease()
	amendments := []*Amendment{
		amendDueDay(2, Date(2024, time.June, 1), 10, AmendmentActive),
	}

	before, err := Resolve(l, amendments, Date(2024, time.May, 15))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if before.RentDueDay != 5 {
		t.Errorf("before effective date: rent due day = %d, want 5", before.RentDueDay)
	}
	if len(before.AppliedAmendmentIDs) != 0 {
		t.Errorf("before effective date: applied = %v, want none", before.AppliedAmendmentIDs)
	}

	after, err := Resolve(l, amendments, Date(2024, time.June, 15))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after.RentDueDay != 10 {
		t.Errorf("after effective date: rent due day = %d, want 10", after.RentDueDay)
	}
	if !reflect.DeepEqual(after.AppliedAmendmentIDs, []int64{2}) {
		t.Errorf("after effective date: applied = %v, want [2]", after.AppliedAmendmentIDs)
	}
}

// Two rent changes, the earlier one superseded by the later: dates before
// the second effective date still resolve through the first delta, dates
// on or after take the second.
func TestResolve_SupersededStillAppliesForEarlierDates(t *testing.T) {
	l := testLease()
	amendments := []*Amendment{
		amendRent(3, Date(2024, time.January, 1), 1300, AmendmentSuperseded),
		amendRent(4, Date(2024, time.February, 1), 1400, AmendmentActive),
	}

	mid, err := Resolve(l, amendments, Date(2024, time.January, 15))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mid.RentAmount.Equal(decimal.NewFromInt(1300)) {
		t.Errorf("at 2024-01-15: rent = %s, want 1300", mid.RentAmount)
	}

	late, err := Resolve(l, amendments, Date(2024, time.February, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !late.RentAmount.Equal(decimal.NewFromInt(1400)) {
		t.Errorf("at 2024-02-10: rent = %s, want 1400", late.RentAmount)
	}
	if !reflect.DeepEqual(late.AppliedAmendmentIDs, []int64{3, 4}) {
		t.Errorf("applied = %v, want [3 4]", late.AppliedAmendmentIDs)
	}
}

func TestResolve_DraftAndCancelledNeverApply(t *testing.T) {
	l := testLease()
	amendments := []*Amendment{
		amendRent(5, Date(2024, time.February, 1), 1500, AmendmentDraft),
		amendRent(6, Date(2024, time.March, 1), 1600, AmendmentCancelled),
	}

	terms, err := Resolve(l, amendments, Date(2024, time.June, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !terms.RentAmount.Equal(decimal.NewFromInt(1200)) {
		t.Errorf("rent = %s, want base 1200", terms.RentAmount)
	}
}

func TestResolve_FutureAmendmentNeverLeaks(t *testing.T) {
	l := testLease()
	for _, status := range []AmendmentStatus{AmendmentActive, AmendmentSuperseded} {
		amendments := []*Amendment{
			amendRent(7, Date(2024, time.September, 1), 2000, status),
		}
		terms, err := Resolve(l, amendments, Date(2024, time.August, 31))
		if err != nil {
			t.Fatalf("status %s: unexpected error: %v", status, err)
		}
		if !terms.RentAmount.Equal(decimal.NewFromInt(1200)) {
			t.Errorf("status %s: future amendment leaked, rent = %s", status, terms.RentAmount)
		}
	}
}

// Input order must not matter: the sorted fold makes a fixed amendment
// set commutative.
func TestResolve_OrderIndependent(t *testing.T) {
	l := testLease()
	base := []*Amendment{
		amendRent(10, Date(2024, time.February, 1), 1300, AmendmentSuperseded),
		amendRent(11, Date(2024, time.March, 1), 1350, AmendmentSuperseded),
		amendRent(12, Date(2024, time.April, 1), 1450, AmendmentActive),
		amendDueDay(13, Date(2024, time.March, 15), 12, AmendmentActive),
	}

	want, err := Resolve(l, base, Date(2024, time.June, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := make([]*Amendment, len(base))
		copy(shuffled, base)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got, err := Resolve(l, shuffled, Date(2024, time.June, 1))
		if err != nil {
			t.Fatalf("shuffle %d: unexpected error: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("shuffle %d: result differs\ngot:  %+v\nwant: %+v", i, got, want)
		}
	}
}

func TestResolve_SameDayTieBreaksOnID(t *testing.T) {
	l := testLease()
	amendments := []*Amendment{
		amendRent(21, Date(2024, time.March, 1), 1400, AmendmentActive),
		amendRent(20, Date(2024, time.March, 1), 1300, AmendmentSuperseded),
	}

	terms, err := Resolve(l, amendments, Date(2024, time.March, 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Higher id wins the tie: it was created later.
	if !terms.RentAmount.Equal(decimal.NewFromInt(1400)) {
		t.Errorf("rent = %s, want 1400", terms.RentAmount)
	}
	if !reflect.DeepEqual(terms.AppliedAmendmentIDs, []int64{20, 21}) {
		t.Errorf("applied = %v, want [20 21]", terms.AppliedAmendmentIDs)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	l := testLease()
	amendments := []*Amendment{
		amendRent(30, Date(2024, time.February, 1), 1300, AmendmentActive),
		amendDueDay(31, Date(2024, time.April, 1), 15, AmendmentActive),
	}

	first, err := Resolve(l, amendments, Date(2024, time.May, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Resolve(l, amendments, Date(2024, time.May, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("resolve not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestResolve_InvalidAmendmentFailsAtomically(t *testing.T) {
	l := testLease()

	empty := &Amendment{
		ID:            40,
		LeaseID:       1,
		EffectiveDate: Date(2024, time.February, 1),
		Status:        AmendmentActive,
	}
	badDay := 45

	cases := []struct {
		name       string
		amendments []*Amendment
	}{
		{"no field changes", []*Amendment{empty}},
		{"due day out of range", []*Amendment{{
			ID:            41,
			LeaseID:       1,
			EffectiveDate: Date(2024, time.February, 1),
			Status:        AmendmentActive,
			NewRentDueDay: &badDay,
		}}},
		{"effective before lease start", []*Amendment{
			amendRent(42, Date(2023, time.December, 1), 1300, AmendmentActive),
		}},
		{"non-positive rent", []*Amendment{
			amendRent(43, Date(2024, time.February, 1), 0, AmendmentActive),
		}},
		{"valid plus invalid", []*Amendment{
			amendRent(44, Date(2024, time.February, 1), 1300, AmendmentActive),
			amendRent(45, Date(2024, time.March, 1), -50, AmendmentActive),
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			terms, err := Resolve(l, tc.amendments, Date(2024, time.June, 1))
			if !errors.Is(err, ErrInvalidAmendmentData) {
				t.Fatalf("expected ErrInvalidAmendmentData, got %v", err)
			}
			if terms != nil {
				t.Fatalf("expected nil terms on failure, got %+v", terms)
			}
		})
	}
}

func TestResolve_InvalidFutureAmendmentIgnored(t *testing.T) {
	// A malformed amendment that does not qualify by date must not fail
	// resolution for earlier dates.
	l := testLease()
	amendments := []*Amendment{
		amendRent(50, Date(2024, time.September, 1), -10, AmendmentActive),
	}

	terms, err := Resolve(l, amendments, Date(2024, time.March, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !terms.RentAmount.Equal(decimal.NewFromInt(1200)) {
		t.Errorf("rent = %s, want 1200", terms.RentAmount)
	}
}
