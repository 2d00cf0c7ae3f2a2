package core

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	codec := NewTokenCodec("test-secret")
	login := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	payload := TokenPayload{
		Sub:    "s001",
		Login:  login,
		Expire: login.Add(time.Hour),
		Scopes: []string{ScopeMe},
		Role:   RoleStudent,
	}

	token, err := codec.Encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := codec.Decode(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Sub != payload.Sub {
		t.Fatalf("sub mismatch: %s", decoded.Sub)
	}
	if !decoded.Login.Equal(payload.Login) {
		t.Fatalf("login mismatch: %v", decoded.Login)
	}
	if !decoded.Expire.Equal(payload.Expire) {
		t.Fatalf("expire mismatch: %v", decoded.Expire)
	}
	if decoded.Role != RoleStudent {
		t.Fatalf("role mismatch: %s", decoded.Role)
	}
	if len(decoded.Scopes) != 1 || decoded.Scopes[0] != ScopeMe {
		t.Fatalf("scopes mismatch: %v", decoded.Scopes)
	}
}

func TestTokenWrongSecretRejected(t *testing.T) {
	codec := NewTokenCodec("secret-a")
	token, err := codec.Encode(TokenPayload{
		Sub: "s001", Login: time.Now(), Expire: time.Now().Add(time.Hour),
		Scopes: []string{ScopeMe}, Role: RoleStudent,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	other := NewTokenCodec("secret-b")
	if _, err := other.Decode(token); err == nil {
		t.Fatalf("token signed with another key must not decode")
	}
}

func TestTokenGarbageRejected(t *testing.T) {
	codec := NewTokenCodec("test-secret")
	if _, err := codec.Decode("not-a-jwt"); err == nil {
		t.Fatalf("garbage must not decode")
	}
}

// Expiry is half-open: a check exactly at expire counts as expired.
func TestTokenExpiryBoundary(t *testing.T) {
	expire := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	p := TokenPayload{Expire: expire}

	if p.IsExpired(expire.Add(-time.Second)) {
		t.Fatalf("one second before expire must be valid")
	}
	if !p.IsExpired(expire) {
		t.Fatalf("exactly at expire must be expired")
	}
	if !p.IsExpired(expire.Add(time.Second)) {
		t.Fatalf("after expire must be expired")
	}
}
