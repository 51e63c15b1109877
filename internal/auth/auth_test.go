package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifier(t *testing.T) {
	const t0Unix = 1700000000

	createVerifier := func(t *testing.T) (*Verifier, *time.Time) {
		v, err := NewVerifier(Config{Secret: "server-secret", TokenExpiry: time.Hour})
		if err != nil {
			t.Fatalf("Failed to create verifier: %v", err)
		}
		currentTime := time.Unix(t0Unix, 0)
		v.now = func() time.Time {
			return currentTime
		}
		return v, &currentTime
	}

	t.Run("Config", func(t *testing.T) {
		if _, err := NewVerifier(Config{}); err == nil {
			t.Error("Expected error for empty secret")
		}
		v, err := NewVerifier(Config{Secret: "s"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v.TokenExpiry != DefaultTokenExpiry {
			t.Errorf("Expected default expiry, got %v", v.TokenExpiry)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		v, _ := createVerifier(t)
		token, err := v.Issue(Identity{UserID: 42, Role: RoleAdmin})
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		id, err := v.Verify(token)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if id.UserID != 42 || !id.Privileged() {
			t.Errorf("unexpected identity %+v", id)
		}
	})

	t.Run("DefaultRole", func(t *testing.T) {
		v, _ := createVerifier(t)
		token, _ := v.Issue(Identity{UserID: 7})
		id, err := v.Verify(token)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if id.Role != RoleUser || id.Privileged() {
			t.Errorf("expected plain user, got %+v", id)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		v, now := createVerifier(t)
		token, _ := v.Issue(Identity{UserID: 7})
		*now = now.Add(2 * time.Hour)
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("WrongSecret", func(t *testing.T) {
		v, _ := createVerifier(t)
		other, _ := NewVerifier(Config{Secret: "other", TokenExpiry: time.Hour})
		other.now = v.now
		token, _ := other.Issue(Identity{UserID: 7})
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("NonNumericSubject", func(t *testing.T) {
		v, now := createVerifier(t)
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "alice",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			},
		})
		signed, err := token.SignedString([]byte("server-secret"))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := v.Verify(signed); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("RejectsBadUserID", func(t *testing.T) {
		v, _ := createVerifier(t)
		if _, err := v.Issue(Identity{UserID: 0}); err == nil {
			t.Error("Expected error for zero user id")
		}
	})
}

func TestContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("Expected no identity in empty context")
	}
	ctx := WithIdentity(context.Background(), Identity{UserID: 3, Role: RoleUser})
	id, ok := FromContext(ctx)
	if !ok || id.UserID != 3 {
		t.Errorf("unexpected identity %+v", id)
	}
}
