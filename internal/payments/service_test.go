package payments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
)

type fakeSettler struct {
	settled    []time.Time
	sessionID  uuid.UUID
	clientKey  string
	settleN    int64
	settleErr  error
	failed     int
	failureErr error
}

func (f *fakeSettler) SettlePayment(ctx context.Context, sessionID uuid.UUID, clientKey string, paidAt time.Time) (int64, error) {
	f.sessionID = sessionID
	f.clientKey = clientKey
	f.settled = append(f.settled, paidAt)
	return f.settleN, f.settleErr
}

func (f *fakeSettler) FailPayment(ctx context.Context, sessionID uuid.UUID, clientKey string) error {
	f.sessionID = sessionID
	f.clientKey = clientKey
	f.failed++
	return f.failureErr
}

func paymentIntentEvent(t *testing.T, eventType stripe.EventType, metadata map[string]string) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"id": "pi_123", "metadata": metadata})
	if err != nil {
		t.Fatalf("marshal payment intent: %v", err)
	}
	return &stripe.Event{
		ID:      "evt_" + uuid.NewString(),
		Type:    eventType,
		Created: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC).Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func newTestService(t *testing.T, settler *fakeSettler) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{Ledger: settler})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestHandleEventSettlesSucceededIntent(t *testing.T) {
	settler := &fakeSettler{settleN: 3}
	svc := newTestService(t, settler)
	sessionID := uuid.New()

	event := paymentIntentEvent(t, stripe.EventTypePaymentIntentSucceeded, map[string]string{
		"proofroom_session_id": sessionID.String(),
		"proofroom_client_key": "ck_abc",
	})
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	if settler.sessionID != sessionID || settler.clientKey != "ck_abc" {
		t.Fatalf("unexpected routing: %s %s", settler.sessionID, settler.clientKey)
	}
	if len(settler.settled) != 1 {
		t.Fatalf("expected one settlement, got %d", len(settler.settled))
	}
	if got := settler.settled[0]; got.Year() != 2026 || got.Month() != time.April {
		t.Fatalf("expected event timestamp used as paid_at, got %s", got)
	}
}

func TestHandleEventSettlesCompletedCheckout(t *testing.T) {
	settler := &fakeSettler{settleN: 1}
	svc := newTestService(t, settler)
	sessionID := uuid.New()

	event := paymentIntentEvent(t, stripe.EventTypeCheckoutSessionCompleted, map[string]string{
		"proofroom_session_id": sessionID.String(),
		"proofroom_client_key": "ck_checkout",
	})
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(settler.settled) != 1 {
		t.Fatalf("expected one settlement, got %d", len(settler.settled))
	}
}

func TestHandleEventAuditsFailedIntent(t *testing.T) {
	settler := &fakeSettler{}
	svc := newTestService(t, settler)

	event := paymentIntentEvent(t, stripe.EventTypePaymentIntentPaymentFailed, map[string]string{
		"proofroom_session_id": uuid.NewString(),
		"proofroom_client_key": "ck_failed",
	})
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if settler.failed != 1 {
		t.Fatalf("expected failure audit, got %d", settler.failed)
	}
	if len(settler.settled) != 0 {
		t.Fatal("failed payment must not settle reservations")
	}
}

func TestHandleEventRejectsMissingRoutingMetadata(t *testing.T) {
	svc := newTestService(t, &fakeSettler{})

	event := paymentIntentEvent(t, stripe.EventTypePaymentIntentSucceeded, map[string]string{})
	err := svc.HandleEvent(context.Background(), event)
	appErr := apperrors.As(err)
	if appErr == nil || appErr.Code() != apperrors.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestHandleEventIgnoresUnknownTypes(t *testing.T) {
	settler := &fakeSettler{}
	svc := newTestService(t, settler)

	event := paymentIntentEvent(t, stripe.EventTypeCustomerSubscriptionDeleted, nil)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unknown types must be acknowledged: %v", err)
	}
	if settler.failed != 0 || len(settler.settled) != 0 {
		t.Fatal("unknown event must not touch the ledger")
	}
}
