package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	return rs, srv
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	rs, _ := newTestStore(t)
	ctx := context.Background()

	if err := rs.SaveRefreshSession(ctx, "hash-1", "usr_123", time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	user, err := rs.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if user.ID != "usr_123" {
		t.Errorf("expected user ID usr_123, got %s", user.ID)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	rs, srv := newTestStore(t)
	ctx := context.Background()

	if err := rs.SaveRefreshSession(ctx, "hash-exp", "usr_456", time.Now().Add(time.Millisecond)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	srv.FastForward(2 * time.Millisecond)

	if _, err := rs.LookupRefreshSession(ctx, "hash-exp"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for expired token, got %v", err)
	}
}

func TestLookupUnknownSession(t *testing.T) {
	rs, _ := newTestStore(t)

	if _, err := rs.LookupRefreshSession(context.Background(), "never-saved"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	rs, _ := newTestStore(t)
	ctx := context.Background()

	if err := rs.SaveRefreshSession(ctx, "hash-rev", "usr_789", time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	if err := rs.RevokeRefreshSession(ctx, "hash-rev"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if _, err := rs.LookupRefreshSession(ctx, "hash-rev"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after revoke, got %v", err)
	}

	// Revoking a token that was never saved is a no-op.
	if err := rs.RevokeRefreshSession(ctx, "never-saved"); err != nil {
		t.Errorf("revoke of unknown token failed: %v", err)
	}
}
