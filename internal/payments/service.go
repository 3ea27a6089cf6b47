package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
)

// Metadata keys our checkout flow stamps onto every payment object so the
// webhook can route the event back to a gallery client.
const (
	metadataSessionID = "proofroom_session_id"
	metadataClientKey = "proofroom_client_key"
)

type settler interface {
	SettlePayment(ctx context.Context, sessionID uuid.UUID, clientKey string, paidAt time.Time) (int64, error)
	FailPayment(ctx context.Context, sessionID uuid.UUID, clientKey string) error
}

type ServiceParams struct {
	Ledger settler
	Logger *logger.Logger
}

// Service applies payment provider events to the entitlement ledger.
type Service struct {
	ledger settler
	logger *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Ledger == nil {
		return nil, apperrors.New(apperrors.CodeSystem, "entitlement ledger required")
	}
	return &Service{
		ledger: params.Ledger,
		logger: params.Logger,
	}, nil
}

// HandleEvent processes one verified webhook event. Unrecognized event types
// are acknowledged without action so the provider stops redelivering them.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return apperrors.New(apperrors.CodeValidation, "event data required")
	}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		intent, err := decodePaymentIntent(event)
		if err != nil {
			return err
		}
		return s.settle(ctx, intent.Metadata, paidAt(event))
	case stripe.EventTypeCheckoutSessionCompleted:
		var checkout stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &checkout); err != nil {
			return apperrors.Wrap(apperrors.CodeDependency, err, "decode checkout session event")
		}
		return s.settle(ctx, checkout.Metadata, paidAt(event))
	case stripe.EventTypePaymentIntentPaymentFailed:
		intent, err := decodePaymentIntent(event)
		if err != nil {
			return err
		}
		sessionID, clientKey, err := routing(intent.Metadata)
		if err != nil {
			return err
		}
		if s.logger != nil {
			s.logger.Warn(ctx, "payment failed for gallery client")
		}
		return s.ledger.FailPayment(ctx, sessionID, clientKey)
	default:
		if s.logger != nil {
			s.logger.Debug(ctx, fmt.Sprintf("ignoring payment event type %s", event.Type))
		}
		return nil
	}
}

func (s *Service) settle(ctx context.Context, metadata map[string]string, at time.Time) error {
	sessionID, clientKey, err := routing(metadata)
	if err != nil {
		return err
	}
	converted, err := s.ledger.SettlePayment(ctx, sessionID, clientKey, at)
	if err != nil {
		return err
	}
	if converted == 0 && s.logger != nil {
		s.logger.Warn(ctx, "payment settled but no reservations were pending")
	}
	return nil
}

func decodePaymentIntent(event *stripe.Event) (*stripe.PaymentIntent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "decode payment intent event")
	}
	return &intent, nil
}

func routing(metadata map[string]string) (uuid.UUID, string, error) {
	rawSession := metadata[metadataSessionID]
	clientKey := metadata[metadataClientKey]
	if rawSession == "" || clientKey == "" {
		return uuid.Nil, "", apperrors.New(apperrors.CodeValidation, "payment metadata missing gallery routing")
	}
	sessionID, err := uuid.Parse(rawSession)
	if err != nil {
		return uuid.Nil, "", apperrors.Wrap(apperrors.CodeValidation, err, "payment metadata session id invalid")
	}
	return sessionID, clientKey, nil
}

func paidAt(event *stripe.Event) time.Time {
	if event.Created > 0 {
		return time.Unix(event.Created, 0).UTC()
	}
	return time.Now().UTC()
}
