package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessTokenPayload captures the data available when minting an owner JWT.
type AccessTokenPayload struct {
	OwnerID   uuid.UUID
	SessionID *uuid.UUID
	JTI       string
}

// AccessTokenClaims represents the typed JWT issued to gallery owners.
type AccessTokenClaims struct {
	OwnerID   uuid.UUID  `json:"owner_id"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}
