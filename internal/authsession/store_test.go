package authsession

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func pending(id, conv string, method Level, now time.Time) *Session {
	return &Session{
		ID:             id,
		ConversationID: conv,
		CustomerID:     "cust-1",
		Method:         method,
		Status:         StatusPending,
		SecretHash:     "h",
		MaxAttempts:    5,
		CreatedAt:      now,
		ExpiresAt:      now.Add(10 * time.Minute),
	}
}

func TestLevelOrdering(t *testing.T) {
	if !LevelKBA.AtLeast(LevelOTP) || LevelOTP.AtLeast(LevelKBA) || !LevelNone.AtLeast(LevelNone) {
		t.Fatal("unexpected level ordering")
	}
	if Max(LevelOTP, LevelNone) != LevelOTP || Max(LevelOTP, LevelKBA) != LevelKBA {
		t.Fatal("unexpected Max")
	}
	if ParseLevel("admin") != LevelNone {
		t.Fatal("expected unknown level to parse as none")
	}
}

func TestCreateRejectsSecondPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.Create(ctx, pending("s1", "conv-1", LevelOTP, now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, pending("s2", "conv-1", LevelOTP, now))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	// A different conversation is unaffected.
	if err := store.Create(ctx, pending("s3", "conv-2", LevelOTP, now)); err != nil {
		t.Fatalf("create other conversation: %v", err)
	}
}

func TestVerifiedSessionGrantsLevelUntilExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if lvl, _ := store.CurrentLevel(ctx, "conv-1", now); lvl != LevelNone {
		t.Fatalf("expected none before verification, got %s", lvl)
	}

	s := pending("s1", "conv-1", LevelOTP, now)
	_ = store.Create(ctx, s)
	verifiedAt := now
	s.Status = StatusVerified
	s.VerifiedAt = &verifiedAt
	s.ExpiresAt = now.Add(30 * time.Minute)
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	if lvl, _ := store.CurrentLevel(ctx, "conv-1", now.Add(time.Minute)); lvl != LevelOTP {
		t.Fatalf("expected otp, got %s", lvl)
	}
	if lvl, _ := store.CurrentLevel(ctx, "conv-1", now.Add(31*time.Minute)); lvl != LevelNone {
		t.Fatalf("expected decay to none after ttl, got %s", lvl)
	}

	// A new pending challenge is allowed once the previous one is verified.
	k := pending("s2", "conv-1", LevelKBA, now.Add(time.Second))
	if err := store.Create(ctx, k); err != nil {
		t.Fatalf("create kba: %v", err)
	}
	latest, err := store.Latest(ctx, "conv-1")
	if err != nil || latest.ID != "s2" {
		t.Fatalf("expected latest s2, got %+v %v", latest, err)
	}
}

func TestCurrentLevelTakesHighest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, m := range []Level{LevelOTP, LevelKBA} {
		s := pending([]string{"a", "b"}[i], "conv-1", m, now.Add(time.Duration(i)*time.Second))
		_ = store.Create(ctx, s)
		s.Status = StatusVerified
		s.ExpiresAt = now.Add(time.Hour)
		_ = store.Save(ctx, s)
	}
	if lvl, _ := store.CurrentLevel(ctx, "conv-1", now); lvl != LevelKBA {
		t.Fatalf("expected kba, got %s", lvl)
	}

	if err := store.RevokeVerified(ctx, "conv-1", now); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if lvl, _ := store.CurrentLevel(ctx, "conv-1", now); lvl != LevelNone {
		t.Fatalf("expected none after revoke, got %s", lvl)
	}
}

func TestLatestNotFoundAndSaveMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Latest(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Save(ctx, &Session{ID: "ghost"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on save, got %v", err)
	}
}

func TestSessionHelpers(t *testing.T) {
	now := time.Now()
	s := pending("s", "c", LevelOTP, now)
	if !s.PendingAt(now) || s.PendingAt(now.Add(11*time.Minute)) {
		t.Fatal("unexpected pending window")
	}
	s.Attempts = 7
	if s.RemainingAttempts() != 0 {
		t.Fatal("remaining attempts must not go negative")
	}
	if s.LevelAt(now) != LevelNone {
		t.Fatal("pending session must not grant a level")
	}
}

func TestRedisKeyLayout(t *testing.T) {
	if pendingKey("c1") != "tellerline:auth:c1:pending" || levelKey("c1", LevelKBA) != "tellerline:auth:c1:level:kba" {
		t.Fatal("unexpected key layout")
	}
	now := time.Now()
	if ttlUntil(now.Add(-time.Minute), now) <= 0 {
		t.Fatal("ttl must stay positive")
	}
	if ttlUntil(now.Add(time.Minute), now) != time.Minute {
		t.Fatal("unexpected ttl")
	}
}

func TestRedisRetentionCoversSessionTTL(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want time.Duration
	}{
		{0, 24 * time.Hour},
		{30 * time.Minute, 24 * time.Hour},
		{24 * time.Hour, 24 * time.Hour},
		{72 * time.Hour, 72 * time.Hour},
	}
	for _, tc := range tests {
		if got := retentionFor(tc.ttl); got != tc.want {
			t.Errorf("retentionFor(%s) = %s want %s", tc.ttl, got, tc.want)
		}
	}
	s := NewRedisStoreWithClient(nil, 48*time.Hour)
	if s.retention != 48*time.Hour {
		t.Fatalf("store retention = %s", s.retention)
	}
}
