// Package auth owns the authentication session lifecycle: implicit-flow
// login, durable persistence, expiry, and authenticated request issuance.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/agenticmem/membridge/internal/core"
)

// Session is one authenticated identity. ExpiresAt is absolute epoch millis.
type Session struct {
	AccessToken   string        `json:"access_token"`
	IDToken       string        `json:"id_token"`
	User          *core.Profile `json:"user"`
	ExpiresAt     int64         `json:"expires_at"`
	Claims        core.Claims   `json:"claims"`
	PrimaryUserID string        `json:"primary_user_id"`
}

// Valid reports whether the session is authenticated at the given instant:
// identity token present, primary user id derived, and not yet expired.
func (s Session) Valid(now time.Time) bool {
	return s.IDToken != "" && s.PrimaryUserID != "" && now.UnixMilli() < s.ExpiresAt
}

// complete reports whether every field required for restore is present.
// A partially written record is treated as absent.
func (s Session) complete() bool {
	return s.AccessToken != "" && s.IDToken != "" && s.User != nil &&
		s.ExpiresAt != 0 && s.PrimaryUserID != ""
}

// decodeTokenClaims decodes the payload of a JWT-shaped identity token
// without verifying the signature; the implicit-flow client only reads the
// identity claims the provider already vouched for in the redirect.
func decodeTokenClaims(token string) (core.Claims, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return core.Claims{}, false
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return core.Claims{}, false
	}

	var claims core.Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return core.Claims{}, false
	}
	return claims, true
}
