package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/kmwilder/proofroom-backend/api/responses"
	"github.com/kmwilder/proofroom-backend/pkg/auth"
	"github.com/kmwilder/proofroom-backend/pkg/config"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
)

type ownerClaimsKey struct{}

// OwnerAuth requires a valid photographer bearer token and stores the parsed
// claims on the request context.
func OwnerAuth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token := BearerToken(r)
			if token == "" {
				responses.WriteError(ctx, logg, w, apperrors.New(apperrors.CodeMissingCredentials, "bearer token required"))
				return
			}

			claims, err := auth.ParseAccessToken(cfg, token)
			if err != nil {
				responses.WriteError(ctx, logg, w, apperrors.Wrap(apperrors.CodeInvalidToken, err, "bearer token rejected"))
				return
			}

			if logg != nil {
				ctx = logg.WithField(ctx, "owner_id", claims.OwnerID.String())
			}
			ctx = context.WithValue(ctx, ownerClaimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OwnerClaims returns the claims stored by OwnerAuth, or nil.
func OwnerClaims(ctx context.Context) *auth.AccessTokenClaims {
	if ctx == nil {
		return nil
	}
	claims, _ := ctx.Value(ownerClaimsKey{}).(*auth.AccessTokenClaims)
	return claims
}

// BearerToken extracts the Authorization bearer value, if present.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
