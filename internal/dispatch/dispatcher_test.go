package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/db"
)

type statusUpdate struct {
	status      string
	attempt     int
	errorMsg    *string
	nextRetryAt *time.Time
}

type fakeRepo struct {
	due     []*db.Notification
	updates []statusUpdate
}

func (f *fakeRepo) GetDueNotifications(ctx context.Context, limit int) ([]*db.Notification, error) {
	return f.due, nil
}

func (f *fakeRepo) UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status string, attempt int, errorMsg *string, nextRetryAt *time.Time) error {
	f.updates = append(f.updates, statusUpdate{status, attempt, errorMsg, nextRetryAt})
	return nil
}

func (f *fakeRepo) lastStatus() string {
	if len(f.updates) == 0 {
		return ""
	}
	return f.updates[len(f.updates)-1].status
}

type fakeCommitLedger struct {
	commits []string
	err     error
}

func (f *fakeCommitLedger) Commit(ctx context.Context, ruleID, leaseID int64, occurrence time.Time, method string) error {
	if f.err != nil {
		return f.err
	}
	f.commits = append(f.commits, fmt.Sprintf("%d:%d:%s:%s", ruleID, leaseID, occurrence.Format("2006-01-02"), method))
	return nil
}

type fakeTemplateStore struct {
	tmpl *db.Template
	err  error
}

func (f *fakeTemplateStore) GetTemplate(ctx context.Context, id int64, language string) (*db.Template, error) {
	return f.tmpl, f.err
}

type fakeRecipientStore struct {
	user *db.User
	err  error
}

func (f *fakeRecipientStore) GetUser(ctx context.Context, id int64) (*db.User, error) {
	return f.user, f.err
}

type fakeGateway struct {
	sent []*Message
	err  error
}

func (f *fakeGateway) Send(ctx context.Context, msg *Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeGateway) SupportsMethod(method string) bool { return true }

type fakePublisher struct {
	published []*db.Notification
}

func (f *fakePublisher) PublishOutcome(ctx context.Context, n *db.Notification) error {
	f.published = append(f.published, n)
	return nil
}

func testNotification() *db.Notification {
	return &db.Notification{
		ID:             uuid.New(),
		RuleID:         7,
		LeaseID:        100,
		RecipientID:    2,
		TemplateID:     40,
		DeliveryMethod: db.MethodEmail,
		OccurrenceDate: time.Date(2026, time.March, 13, 0, 0, 0, 0, time.UTC),
		RenderContext: map[string]string{
			"tenant_name": "David Otieno",
			"rent_amount": "50000.00",
		},
		ScheduledSendAt: time.Date(2026, time.March, 10, 9, 30, 0, 0, time.UTC),
		Status:          db.StatusScheduled,
	}
}

type harness struct {
	repo      *fakeRepo
	ledger    *fakeCommitLedger
	gateway   *fakeGateway
	publisher *fakePublisher
	worker    *Worker
}

func newHarness() *harness {
	h := &harness{
		repo:      &fakeRepo{},
		ledger:    &fakeCommitLedger{},
		gateway:   &fakeGateway{},
		publisher: &fakePublisher{},
	}
	templates := &fakeTemplateStore{tmpl: &db.Template{
		ID:                   40,
		Language:             "en",
		Subject:              "Rent due",
		Body:                 "Hi {{tenant_name}}, {{rent_amount}} is due.",
		RequiredPlaceholders: []string{"tenant_name", "rent_amount"},
	}}
	recipients := &fakeRecipientStore{user: &db.User{
		ID:       2,
		FullName: "David Otieno",
		Email:    "david@example.com",
		Phone:    "+254700000001",
		Language: "en",
	}}
	h.worker = NewWorker(h.repo, h.ledger, templates, recipients, h.gateway, h.publisher,
		Config{MaxRetries: 3}, zap.NewNop())
	return h
}

func TestDispatchSuccess(t *testing.T) {
	h := newHarness()
	notif := testNotification()

	h.worker.Dispatch(context.Background(), notif)

	if len(h.repo.updates) != 2 {
		t.Fatalf("updates = %+v, want claim then success", h.repo.updates)
	}
	if h.repo.updates[0].status != db.StatusPendingSend {
		t.Errorf("first update = %q, want claim to %q", h.repo.updates[0].status, db.StatusPendingSend)
	}
	if h.repo.lastStatus() != db.StatusSentSuccess {
		t.Errorf("final status = %q, want %q", h.repo.lastStatus(), db.StatusSentSuccess)
	}
	if len(h.ledger.commits) != 1 {
		t.Fatalf("commits = %v, want exactly one", h.ledger.commits)
	}
	if want := "7:100:2026-03-13:email"; h.ledger.commits[0] != want {
		t.Errorf("commit key = %q, want %q", h.ledger.commits[0], want)
	}
	if len(h.gateway.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(h.gateway.sent))
	}
	msg := h.gateway.sent[0]
	if msg.IdempotencyKey != notif.ID.String() {
		t.Errorf("idempotency key = %q, want notification id", msg.IdempotencyKey)
	}
	if msg.Recipient != "david@example.com" {
		t.Errorf("recipient = %q", msg.Recipient)
	}
	if msg.Body != "Hi David Otieno, 50000.00 is due." {
		t.Errorf("body = %q", msg.Body)
	}
	if len(h.publisher.published) != 1 {
		t.Errorf("published %d outcomes, want 1", len(h.publisher.published))
	}
}

func TestDispatchMissingPlaceholderIsTerminal(t *testing.T) {
	h := newHarness()
	notif := testNotification()
	delete(notif.RenderContext, "rent_amount")

	h.worker.Dispatch(context.Background(), notif)

	if h.repo.lastStatus() != db.StatusSentFail {
		t.Fatalf("final status = %q, want %q", h.repo.lastStatus(), db.StatusSentFail)
	}
	if len(h.gateway.sent) != 0 {
		t.Errorf("gateway received %d messages, want none", len(h.gateway.sent))
	}
	if len(h.ledger.commits) != 0 {
		t.Errorf("commits = %v, want none for a failed dispatch", h.ledger.commits)
	}
	last := h.repo.updates[len(h.repo.updates)-1]
	if last.errorMsg == nil || last.nextRetryAt != nil {
		t.Errorf("terminal failure must record an error and no retry, got %+v", last)
	}
}

func TestDispatchGatewayRejectionIsTerminal(t *testing.T) {
	h := newHarness()
	h.gateway.err = fmt.Errorf("%w: invalid address", ErrGatewayRejected)

	h.worker.Dispatch(context.Background(), testNotification())

	if h.repo.lastStatus() != db.StatusSentFail {
		t.Fatalf("final status = %q, want %q", h.repo.lastStatus(), db.StatusSentFail)
	}
	if len(h.ledger.commits) != 0 {
		t.Errorf("commits = %v, want none", h.ledger.commits)
	}
}

func TestDispatchTransientErrorSchedulesRetry(t *testing.T) {
	h := newHarness()
	h.gateway.err = errors.New("connection timed out")

	h.worker.Dispatch(context.Background(), testNotification())

	last := h.repo.updates[len(h.repo.updates)-1]
	if last.status != db.StatusScheduled {
		t.Fatalf("final status = %q, want back to %q", last.status, db.StatusScheduled)
	}
	if last.attempt != 1 {
		t.Errorf("attempt = %d, want 1", last.attempt)
	}
	if last.nextRetryAt == nil || !last.nextRetryAt.After(time.Now()) {
		t.Errorf("nextRetryAt = %v, want a future time", last.nextRetryAt)
	}
	if len(h.ledger.commits) != 0 {
		t.Errorf("commits = %v, want none before acceptance", h.ledger.commits)
	}
}

func TestDispatchRetriesExhaustedFailsTerminally(t *testing.T) {
	h := newHarness()
	h.gateway.err = errors.New("connection timed out")
	notif := testNotification()
	notif.Attempt = 2 // MaxRetries is 3

	h.worker.Dispatch(context.Background(), notif)

	if h.repo.lastStatus() != db.StatusSentFail {
		t.Fatalf("final status = %q, want %q after exhausting retries", h.repo.lastStatus(), db.StatusSentFail)
	}
}

func TestDispatchDuplicateCommitTreatedAsHandled(t *testing.T) {
	h := newHarness()
	h.ledger.err = db.ErrDuplicateCommit

	h.worker.Dispatch(context.Background(), testNotification())

	if h.repo.lastStatus() != db.StatusSentSuccess {
		t.Fatalf("final status = %q, want %q on duplicate commit", h.repo.lastStatus(), db.StatusSentSuccess)
	}
}

func TestDispatchReplaysStaleClaim(t *testing.T) {
	// A worker that dies after claiming leaves the row in pending_send.
	// The poller hands stale claims back, and dispatching one again runs
	// it to completion instead of stranding it.
	h := newHarness()
	notif := testNotification()
	notif.Status = db.StatusPendingSend

	h.worker.Dispatch(context.Background(), notif)

	if got := h.repo.lastStatus(); got != db.StatusSentSuccess {
		t.Fatalf("final status = %q, want %q after replaying stale claim", got, db.StatusSentSuccess)
	}
	if len(h.gateway.sent) != 1 {
		t.Fatalf("gateway sends = %d, want 1", len(h.gateway.sent))
	}
	if len(h.ledger.commits) != 1 {
		t.Fatalf("ledger commits = %d, want 1", len(h.ledger.commits))
	}
}

func TestDispatchStaleClaimAfterCommittedSend(t *testing.T) {
	// Crash landed between the ledger commit and the sent_success update:
	// the replay's commit reports a duplicate, which still settles the
	// notification as sent.
	h := newHarness()
	h.ledger.err = db.ErrDuplicateCommit
	notif := testNotification()
	notif.Status = db.StatusPendingSend

	h.worker.Dispatch(context.Background(), notif)

	if got := h.repo.lastStatus(); got != db.StatusSentSuccess {
		t.Fatalf("final status = %q, want %q after replayed commit", got, db.StatusSentSuccess)
	}
}

func TestDispatchCommitInfraErrorRetries(t *testing.T) {
	h := newHarness()
	h.ledger.err = errors.New("connection reset")

	h.worker.Dispatch(context.Background(), testNotification())

	last := h.repo.updates[len(h.repo.updates)-1]
	if last.status != db.StatusScheduled {
		t.Fatalf("final status = %q, want retryable after commit failure", last.status)
	}
}

func TestDispatchUnknownRecipientIsTerminal(t *testing.T) {
	h := newHarness()
	recipients := &fakeRecipientStore{err: db.ErrUserNotFound}
	templates := &fakeTemplateStore{tmpl: &db.Template{Subject: "s", Body: "b"}}
	h.worker = NewWorker(h.repo, h.ledger, templates, recipients, h.gateway, nil,
		Config{MaxRetries: 3}, zap.NewNop())

	h.worker.Dispatch(context.Background(), testNotification())

	if h.repo.lastStatus() != db.StatusSentFail {
		t.Fatalf("final status = %q, want %q for unknown recipient", h.repo.lastStatus(), db.StatusSentFail)
	}
}

func TestProcessBatchDispatchesAllDue(t *testing.T) {
	h := newHarness()
	h.repo.due = []*db.Notification{testNotification(), testNotification()}

	h.worker.processBatch(context.Background())

	if len(h.gateway.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(h.gateway.sent))
	}
}
