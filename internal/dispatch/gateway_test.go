package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/db"
)

type methodGateway struct {
	method string
	sent   []*Message
}

func (g *methodGateway) Send(ctx context.Context, msg *Message) error {
	g.sent = append(g.sent, msg)
	return nil
}

func (g *methodGateway) SupportsMethod(method string) bool { return method == g.method }

func TestMultiGatewayRoutesByMethod(t *testing.T) {
	email := &methodGateway{method: db.MethodEmail}
	sms := &methodGateway{method: db.MethodSMS}
	multi := NewMultiGateway(zap.NewNop(), email, sms)

	msg := &Message{NotificationID: uuid.New(), Method: db.MethodSMS, Recipient: "+254700000001"}
	if err := multi.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sms.sent) != 1 || len(email.sent) != 0 {
		t.Fatalf("sms sent %d, email sent %d; want routed to sms only", len(sms.sent), len(email.sent))
	}
}

func TestMultiGatewayUnknownMethodRejected(t *testing.T) {
	multi := NewMultiGateway(zap.NewNop(), &methodGateway{method: db.MethodEmail})

	err := multi.Send(context.Background(), &Message{Method: "carrier_pigeon"})
	if !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("err = %v, want ErrGatewayRejected", err)
	}
}

func TestMultiGatewaySupportsMethod(t *testing.T) {
	multi := NewMultiGateway(zap.NewNop(), &methodGateway{method: db.MethodEmail})

	if !multi.SupportsMethod(db.MethodEmail) {
		t.Error("expected email support")
	}
	if multi.SupportsMethod(db.MethodWebhook) {
		t.Error("unexpected webhook support")
	}
}

func TestLogGatewayAcceptsAllMethods(t *testing.T) {
	g := NewLogGateway(zap.NewNop())

	for _, method := range []string{db.MethodEmail, db.MethodSMS, db.MethodWebhook} {
		if !g.SupportsMethod(method) {
			t.Errorf("log gateway should support %s", method)
		}
	}
	if err := g.Send(context.Background(), &Message{NotificationID: uuid.New(), Method: db.MethodEmail}); err != nil {
		t.Errorf("Send: %v", err)
	}
}
