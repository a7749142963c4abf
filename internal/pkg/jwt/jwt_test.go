package jwt

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestSignParseRoundTrip(t *testing.T) {
	s, err := NewSigner(testSecret)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, err := s.Sign("user-1", time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	for _, raw := range []string{token, "Bearer " + token, "  bearer " + token + " "} {
		claims, err := s.Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", raw, err)
		}
		if claims.UserID != "user-1" {
			t.Fatalf("UserID = %q", claims.UserID)
		}
	}
}

func TestParseRejects(t *testing.T) {
	s, _ := NewSigner(testSecret)
	other, _ := NewSigner("another-secret-of-enough-length")

	expired := &Signer{secret: s.secret, now: func() time.Time { return time.Now().Add(-2 * time.Hour) }}
	stale, _ := expired.Sign("user-1", time.Hour)
	forged, _ := other.Sign("user-1", time.Hour)

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", "", ErrMissingToken},
		{"bearer only", "Bearer ", ErrMissingToken},
		{"garbage", "not-a-token", ErrInvalidToken},
		{"expired", stale, ErrInvalidToken},
		{"wrong secret", forged, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Parse(tt.raw); !errors.Is(err, tt.want) {
				t.Fatalf("Parse err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewSignerRejectsShortSecret(t *testing.T) {
	if _, err := NewSigner("short"); err == nil {
		t.Fatal("expected error for short secret")
	}
}
