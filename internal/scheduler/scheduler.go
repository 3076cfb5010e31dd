// Package scheduler runs the periodic reminder tick: evaluate due
// occurrences, consult the dedup ledger, resolve effective lease terms
// and persist notification intents for the dispatch worker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/db"
	"github.com/cosialm/hermitta/internal/lease"
	"github.com/cosialm/hermitta/internal/metrics"
	"github.com/cosialm/hermitta/internal/reminder"
)

// ErrTickInProgress indicates a tick was requested while the previous
// one is still running. Overlapping ticks are coalesced, never stacked.
var ErrTickInProgress = errors.New("reminder tick already in progress")

// RuleStore lists the active reminder rules.
type RuleStore interface {
	ListActiveRules(ctx context.Context) ([]*reminder.Rule, error)
}

// LeaseStore reads leases and their amendment history.
type LeaseStore interface {
	reminder.LeaseSource
	GetLease(ctx context.Context, id int64) (*lease.Lease, error)
}

// Ledger answers whether an occurrence was already handled.
type Ledger interface {
	AlreadySent(ctx context.Context, ruleID, leaseID int64, occurrence time.Time) (bool, error)
}

// Reservations is an optional fast-path occurrence reservation (Redis
// SET NX). It only trims duplicate work between ticks; the ledger's
// commit constraint remains the correctness arbiter.
type Reservations interface {
	Reserve(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// NotificationStore persists the scheduled intents.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *db.Notification) error
}

// DirectoryStore resolves users and properties for render context.
type DirectoryStore interface {
	GetUser(ctx context.Context, id int64) (*db.User, error)
	GetProperty(ctx context.Context, id int64) (*db.Property, error)
}

// Ticker abstracts the periodic driver so tests can fire ticks
// deterministically.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }

// OccurrenceError is a per-occurrence failure captured in the tick
// report with enough context to replay the occurrence manually.
type OccurrenceError struct {
	RuleID         int64     `json:"rule_id"`
	LeaseID        int64     `json:"lease_id"`
	OccurrenceDate time.Time `json:"occurrence_date"`
	Message        string    `json:"message"`
}

// TickReport summarizes one reminder tick.
type TickReport struct {
	OccurrencesEvaluated int               `json:"occurrences_evaluated"`
	Scheduled            int               `json:"scheduled"`
	SkippedDuplicate     int               `json:"skipped_duplicate"`
	Failed               int               `json:"failed"`
	Errors               []OccurrenceError `json:"errors,omitempty"`
}

type Config struct {
	Interval    time.Duration
	Concurrency int
}

type Scheduler struct {
	rules         RuleStore
	leases        LeaseStore
	ledger        Ledger
	reservations  Reservations // nil disables the fast path
	notifications NotificationStore
	directory     DirectoryStore
	evaluator     *reminder.Evaluator
	config        Config
	logger        *zap.Logger

	// injected for deterministic tests
	now       func() time.Time
	newTicker func(time.Duration) Ticker

	tickMu sync.Mutex
}

func New(
	rules RuleStore,
	leases LeaseStore,
	ledger Ledger,
	reservations Reservations,
	notifications NotificationStore,
	directory DirectoryStore,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}

	return &Scheduler{
		rules:         rules,
		leases:        leases,
		ledger:        ledger,
		reservations:  reservations,
		notifications: notifications,
		directory:     directory,
		evaluator:     reminder.NewEvaluator(leases, logger),
		config:        cfg,
		logger:        logger,
		now:           time.Now,
		newTicker:     func(d time.Duration) Ticker { return systemTicker{time.NewTicker(d)} },
	}
}

// Start drives ticks until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := s.newTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reminder scheduler stopping")
			return
		case <-ticker.C():
			if _, err := s.RunTick(ctx, s.now()); err != nil {
				if errors.Is(err, ErrTickInProgress) {
					metrics.RecordTickCoalesced()
					s.logger.Warn("tick overran its interval, coalescing")
					continue
				}
				s.logger.Error("reminder tick failed", zap.Error(err))
			}
		}
	}
}

// RunTick evaluates and schedules all reminder occurrences due at now.
// Per-occurrence failures are collected into the report; only a failure
// to even list the rules fails the tick as a whole.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) (*TickReport, error) {
	if !s.tickMu.TryLock() {
		return nil, ErrTickInProgress
	}
	defer s.tickMu.Unlock()

	start := time.Now()
	defer func() { metrics.RecordTick(time.Since(start)) }()

	today := lease.DateOnly(now)

	rules, err := s.rules.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	ruleByID := make(map[int64]*reminder.Rule, len(rules))
	for _, r := range rules {
		ruleByID[r.ID] = r
	}

	occurrences, evalErrs := s.evaluator.DueOccurrences(ctx, today, rules)

	report := &TickReport{OccurrencesEvaluated: len(occurrences)}
	for _, ee := range evalErrs {
		report.Failed++
		report.Errors = append(report.Errors, OccurrenceError{
			RuleID:         ee.RuleID,
			LeaseID:        ee.LeaseID,
			OccurrenceDate: ee.TargetDate,
			Message:        ee.Err.Error(),
		})
		metrics.RecordOccurrenceOutcome("failed")
	}
	metrics.RecordOccurrencesEvaluated(len(occurrences))

	// Occurrences touch disjoint (rule, lease, date) keys, so they can
	// run in parallel; the report is the only shared state.
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.config.Concurrency)
	)

	for _, occ := range occurrences {
		if ctx.Err() != nil {
			break // abandon unscheduled occurrences on cancellation
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(occ reminder.Occurrence) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := s.processOccurrence(ctx, ruleByID[occ.RuleID], occ, today)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.Errors = append(report.Errors, OccurrenceError{
					RuleID:         occ.RuleID,
					LeaseID:        occ.LeaseID,
					OccurrenceDate: occ.TargetDate,
					Message:        err.Error(),
				})
				metrics.RecordOccurrenceOutcome("failed")
			case outcome == outcomeDuplicate:
				report.SkippedDuplicate++
				metrics.RecordOccurrenceOutcome("skipped_duplicate")
			default:
				report.Scheduled++
				metrics.RecordOccurrenceOutcome("scheduled")
			}
		}(occ)
	}
	wg.Wait()

	s.logger.Info("reminder tick complete",
		zap.Time("today", today),
		zap.Int("occurrences", report.OccurrencesEvaluated),
		zap.Int("scheduled", report.Scheduled),
		zap.Int("skipped_duplicate", report.SkippedDuplicate),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

type occurrenceOutcome int

const (
	outcomeScheduled occurrenceOutcome = iota
	outcomeDuplicate
)

func (s *Scheduler) processOccurrence(ctx context.Context, rule *reminder.Rule, occ reminder.Occurrence, today time.Time) (occurrenceOutcome, error) {
	sent, err := s.ledger.AlreadySent(ctx, occ.RuleID, occ.LeaseID, occ.TargetDate)
	if err != nil {
		return 0, fmt.Errorf("ledger check: %w", err)
	}
	if sent {
		return outcomeDuplicate, nil
	}

	reserved := false
	if s.reservations != nil {
		ok, err := s.reservations.Reserve(ctx, occ.Key())
		if err != nil {
			// The cache is an optimization; fall through to the ledger.
			s.logger.Debug("occurrence reservation unavailable", zap.Error(err))
		} else if !ok {
			return outcomeDuplicate, nil
		} else {
			reserved = true
		}
	}

	outcome, err := s.scheduleOccurrence(ctx, rule, occ, today)
	if err != nil && reserved {
		// Free the reservation so the next tick can retry the occurrence.
		if relErr := s.reservations.Release(ctx, occ.Key()); relErr != nil {
			s.logger.Warn("failed to release occurrence reservation",
				zap.String("key", occ.Key()), zap.Error(relErr))
		}
	}
	return outcome, err
}

func (s *Scheduler) scheduleOccurrence(ctx context.Context, rule *reminder.Rule, occ reminder.Occurrence, today time.Time) (occurrenceOutcome, error) {
	l, err := s.leases.GetLease(ctx, occ.LeaseID)
	if err != nil {
		return 0, err
	}
	amendments, err := s.leases.ListAmendments(ctx, occ.LeaseID)
	if err != nil {
		return 0, err
	}

	// Terms must be correct as of the date being reminded about, not
	// today: an amendment may have moved the anchor since evaluation.
	terms, err := lease.Resolve(l, amendments, occ.TargetDate)
	if err != nil {
		return 0, err
	}

	recipientID := l.LandlordID
	if l.TenantID != nil {
		recipientID = *l.TenantID
	}
	recipient, err := s.directory.GetUser(ctx, recipientID)
	if err != nil {
		return 0, err
	}
	landlord, err := s.directory.GetUser(ctx, l.LandlordID)
	if err != nil {
		return 0, err
	}
	property, err := s.directory.GetProperty(ctx, l.PropertyID)
	if err != nil {
		return 0, err
	}

	method := recipient.PreferredMethod
	if method == "" {
		method = db.MethodEmail
	}

	renderContext := map[string]string{
		"tenant_name":      recipient.FullName,
		"landlord_name":    landlord.FullName,
		"property_name":    property.Name,
		"property_address": property.Address,
		"rent_amount":      terms.RentAmount.StringFixed(2),
		"rent_due_day":     strconv.Itoa(terms.RentDueDay),
		"rent_due_date": reminder.RentDueDateIn(
			occ.TargetDate.Year(), occ.TargetDate.Month(), terms.RentDueDay,
		).Format("2006-01-02"),
		"lease_start_date": terms.StartDate.Format("2006-01-02"),
		"lease_end_date":   terms.EndDate.Format("2006-01-02"),
	}

	sendAt := time.Date(today.Year(), today.Month(), today.Day(),
		rule.SendHour, rule.SendMinute, 0, 0, time.UTC)

	notif := &db.Notification{
		ID:              uuid.New(),
		RuleID:          occ.RuleID,
		LeaseID:         occ.LeaseID,
		RecipientID:     recipient.ID,
		TemplateID:      rule.TemplateID,
		DeliveryMethod:  method,
		OccurrenceDate:  occ.TargetDate,
		RenderContext:   renderContext,
		ScheduledSendAt: sendAt,
		Status:          db.StatusScheduled,
	}

	if err := s.notifications.CreateNotification(ctx, notif); err != nil {
		return 0, fmt.Errorf("create notification: %w", err)
	}
	return outcomeScheduled, nil
}
