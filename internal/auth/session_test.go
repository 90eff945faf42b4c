package auth

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestSessionValid(t *testing.T) {
	now := time.Now()
	base := Session{
		IDToken:       "id-1",
		PrimaryUserID: "sub-1",
		ExpiresAt:     now.Add(time.Hour).UnixMilli(),
	}

	if !base.Valid(now) {
		t.Error("session with token, identity, and future expiry should be valid")
	}

	noToken := base
	noToken.IDToken = ""
	if noToken.Valid(now) {
		t.Error("session without an identity token is invalid")
	}

	noIdentity := base
	noIdentity.PrimaryUserID = ""
	if noIdentity.Valid(now) {
		t.Error("session without a primary user id is invalid")
	}

	if base.Valid(now.Add(2 * time.Hour)) {
		t.Error("session past its expiry is invalid")
	}

	// Expiry is exclusive: at the exact instant the session is dead.
	atExpiry := base
	atExpiry.ExpiresAt = now.UnixMilli()
	if atExpiry.Valid(now) {
		t.Error("session is invalid at the exact expiry instant")
	}
}

func TestDecodeTokenClaims(t *testing.T) {
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"sub-1","oid":"oid-1","name":"Pat"}`))
	claims, ok := decodeTokenClaims("h." + payload + ".s")
	if !ok {
		t.Fatal("decode failed")
	}
	if claims.Subject != "sub-1" || claims.Name != "Pat" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.PrimaryUserID() != "sub-1" {
		t.Errorf("primary user id = %q, want sub (preferred over oid)", claims.PrimaryUserID())
	}
}

func TestDecodeTokenClaimsFallsBackToObjectID(t *testing.T) {
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"oid":"oid-1"}`))
	claims, ok := decodeTokenClaims("h." + payload + ".s")
	if !ok {
		t.Fatal("decode failed")
	}
	if claims.PrimaryUserID() != "oid-1" {
		t.Errorf("primary user id = %q, want oid-1", claims.PrimaryUserID())
	}
}

func TestDecodeTokenClaimsRejectsGarbage(t *testing.T) {
	if _, ok := decodeTokenClaims("not-a-jwt"); ok {
		t.Error("token without three parts should fail")
	}
	if _, ok := decodeTokenClaims("a.!!!.c"); ok {
		t.Error("token with invalid base64 payload should fail")
	}
}
