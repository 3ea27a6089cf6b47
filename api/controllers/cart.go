package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kmwilder/proofroom-backend/api/middleware"
	"github.com/kmwilder/proofroom-backend/api/responses"
	"github.com/kmwilder/proofroom-backend/api/validators"
	"github.com/kmwilder/proofroom-backend/internal/cart"
	"github.com/kmwilder/proofroom-backend/internal/entitlement"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
)

type CartService interface {
	AddToCart(ctx context.Context, input cart.AddInput) (*entitlement.ReserveResult, error)
	ClearCart(ctx context.Context, sessionID uuid.UUID, clientKey string) (int64, error)
	GetCartStatus(ctx context.Context, sessionID uuid.UUID, clientKey string) (*cart.Status, error)
}

type cartAddRequest struct {
	AssetIDs []string `json:"asset_ids" validate:"required,min=1,dive,required"`
}

type quotaDTO struct {
	Mode             string    `json:"mode"`
	FreeUsed         int       `json:"free_used"`
	FreeRemaining    int       `json:"free_remaining"`
	ActiveDownloads  int       `json:"active_downloads"`
	CartReservations int       `json:"cart_reservations"`
	ComputedAt       time.Time `json:"computed_at"`
}

type reserveResultDTO struct {
	Granted         []string `json:"granted"`
	Reserved        []string `json:"reserved"`
	PaymentRequired bool     `json:"payment_required"`
	PaymentAmount   string   `json:"payment_amount,omitempty"`
	Quota           quotaDTO `json:"quota"`
}

type cartStatusDTO struct {
	Quota        quotaDTO               `json:"quota"`
	Reservations []cart.ReservationView `json:"reservations"`
	Warning      string                 `json:"warning,omitempty"`
}

func toQuotaDTO(snapshot entitlement.QuotaSnapshot) quotaDTO {
	return quotaDTO{
		Mode:             snapshot.Mode,
		FreeUsed:         snapshot.FreeUsed,
		FreeRemaining:    snapshot.FreeRemaining,
		ActiveDownloads:  snapshot.ActiveDownloads,
		CartReservations: snapshot.CartReservations,
		ComputedAt:       snapshot.ComputedAt,
	}
}

func toReserveResultDTO(result *entitlement.ReserveResult) reserveResultDTO {
	dto := reserveResultDTO{
		Granted:         result.Granted,
		Reserved:        result.Reserved,
		PaymentRequired: result.PaymentRequired,
		Quota:           toQuotaDTO(result.Quota),
	}
	if result.PaymentRequired {
		dto.PaymentAmount = result.PaymentAmount.StringFixed(2)
	}
	return dto
}

// CartAdd reserves assets into the gallery visitor's cart.
func CartAdd(svc CartService, sessions SessionReader, clientKeySecret string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		client, err := resolveGalleryClient(ctx, sessions, clientKeySecret, r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var body cartAddRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.AddToCart(ctx, cart.AddInput{
			SessionID: client.sessionID,
			ClientKey: client.clientKey,
			AssetIDs:  body.AssetIDs,
			SourceIP:  middleware.ClientIP(r),
			UserAgent: r.UserAgent(),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(ctx, w, toReserveResultDTO(result))
	}
}

// CartClear drops every reservation the visitor holds.
func CartClear(svc CartService, sessions SessionReader, clientKeySecret string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		client, err := resolveGalleryClient(ctx, sessions, clientKeySecret, r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		removed, err := svc.ClearCart(ctx, client.sessionID, client.clientKey)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(ctx, w, map[string]int64{"removed": removed})
	}
}

// CartStatus reports the visitor's quota position and live cart lines.
func CartStatus(svc CartService, sessions SessionReader, clientKeySecret string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		client, err := resolveGalleryClient(ctx, sessions, clientKeySecret, r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		status, err := svc.GetCartStatus(ctx, client.sessionID, client.clientKey)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(ctx, w, cartStatusDTO{
			Quota:        toQuotaDTO(status.Quota),
			Reservations: status.Reservations,
			Warning:      status.Warning,
		})
	}
}
