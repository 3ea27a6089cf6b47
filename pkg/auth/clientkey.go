package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const clientKeyPrefix = "ck_"

var clientKeyPattern = regexp.MustCompile(`^ck_[0-9a-f]{32}$`)

// DeriveClientKey produces the stable per-visitor identity used for quota
// accounting. The same gallery token and session always yield the same key,
// so a visitor keeps their quota across requests and devices.
func DeriveClientKey(secret, sessionID, galleryToken string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("client key secret is required")
	}
	sessionID = strings.TrimSpace(sessionID)
	galleryToken = strings.TrimSpace(galleryToken)
	if sessionID == "" || galleryToken == "" {
		return "", fmt.Errorf("session id and gallery token are required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sessionID))
	mac.Write([]byte{0})
	mac.Write([]byte(galleryToken))
	sum := mac.Sum(nil)
	return clientKeyPrefix + hex.EncodeToString(sum[:16]), nil
}

// ValidClientKey reports whether the value has the derived key shape.
// Keys arriving from callers are never trusted beyond this format check.
func ValidClientKey(value string) bool {
	return clientKeyPattern.MatchString(value)
}
