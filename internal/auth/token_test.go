package auth

import (
	"errors"
	"testing"
	"time"
)

var secret = []byte("test-secret")

func TestIssueAndParseToken(t *testing.T) {
	claims := Claims{
		Sub:  "usr_1",
		Name: "Dana",
		Role: "grader",
		JTI:  "jti_1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	}
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	parsed, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if parsed != claims {
		t.Errorf("claims mismatch: %+v != %+v", parsed, claims)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	token, err := IssueToken(secret, Claims{Sub: "usr_1", Name: "Dana", JTI: "jti_1", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := ParseToken(secret, token+"x"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for altered signature, got %v", err)
	}
	if _, err := ParseToken([]byte("other-secret"), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
	if _, err := ParseToken(secret, "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for malformed token, got %v", err)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, err := IssueToken(secret, Claims{Sub: "usr_1", Name: "Dana", JTI: "jti_1", Exp: time.Now().Add(-time.Minute).Unix()})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := ParseToken(secret, token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Error("hash must be deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Error("different inputs must hash differently")
	}
}
