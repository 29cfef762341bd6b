package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/welldanyogia/jobportal-auth/internal/repository"
	"github.com/welldanyogia/jobportal-auth/internal/repository/memory"
	"github.com/welldanyogia/jobportal-auth/internal/securerand"
	"pgregory.net/rapid"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func newTestManager() (*Manager, *memory.Store) {
	store := memory.NewStore()
	return NewManager(store, 30*time.Minute, nil), store
}

func createSession(t *testing.T, m *Manager, store *memory.Store, userID uuid.UUID, now time.Time) string {
	t.Helper()
	token, s, err := m.Create(context.Background(), store, userID, "10.0.0.1", "test-agent", now)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if !s.IsActive || !s.ExpiresAt.Equal(now.Add(30*time.Minute)) {
		t.Fatalf("unexpected session: %+v", s)
	}
	if s.TokenHash == token || s.TokenHash != securerand.Hash(token) {
		t.Fatal("token must be stored hashed")
	}
	return token
}

func TestValidate_SlidingExpiration(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()
	token := createSession(t, m, store, uuid.New(), t0)

	// Valid until T + 30min, and each validation pushes the window forward.
	s, err := m.Validate(ctx, token, t0.Add(29*time.Minute))
	if err != nil {
		t.Fatalf("validate before expiry: %v", err)
	}
	if want := t0.Add(59 * time.Minute); !s.ExpiresAt.Equal(want) {
		t.Errorf("expiry not extended: got %v want %v", s.ExpiresAt, want)
	}

	if _, err := m.Validate(ctx, token, t0.Add(58*time.Minute)); err != nil {
		t.Fatalf("validate inside extended window: %v", err)
	}

	// 30 minutes after the last touch the session is gone for good.
	_, err = m.Validate(ctx, token, t0.Add(88*time.Minute))
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if !errors.Is(err, ErrSessionInvalid) {
		t.Error("ErrSessionExpired should wrap ErrSessionInvalid")
	}

	stored, _ := store.Sessions().GetByTokenHash(ctx, securerand.Hash(token))
	if stored.IsActive {
		t.Error("expired session should be inactive")
	}

	// A second failed validation is a plain invalid result.
	if _, err := m.Validate(ctx, token, t0.Add(89*time.Minute)); !errors.Is(err, ErrSessionInvalid) || errors.Is(err, ErrSessionExpired) {
		t.Errorf("expected plain ErrSessionInvalid, got %v", err)
	}
}

func TestValidate_ExactExpiryIsInvalid(t *testing.T) {
	m, store := newTestManager()
	token := createSession(t, m, store, uuid.New(), t0)

	if _, err := m.Validate(context.Background(), token, t0.Add(30*time.Minute)); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected invalid at expires_at, got %v", err)
	}
}

func TestValidate_UnknownToken(t *testing.T) {
	m, _ := newTestManager()
	for _, tok := range []string{"", "does-not-exist"} {
		if _, err := m.Validate(context.Background(), tok, t0); !errors.Is(err, ErrSessionInvalid) {
			t.Errorf("token %q: expected ErrSessionInvalid, got %v", tok, err)
		}
	}
}

func TestRevoke_Idempotent(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()
	token := createSession(t, m, store, uuid.New(), t0)

	s, revoked, err := m.Revoke(ctx, store, token)
	if err != nil || !revoked || s == nil {
		t.Fatalf("first revoke: s=%v revoked=%v err=%v", s, revoked, err)
	}
	s, revoked, err = m.Revoke(ctx, store, token)
	if err != nil || revoked || s == nil {
		t.Fatalf("second revoke: s=%v revoked=%v err=%v", s, revoked, err)
	}
	if _, revoked, err := m.Revoke(ctx, store, "unknown"); err != nil || revoked {
		t.Fatalf("unknown revoke: revoked=%v err=%v", revoked, err)
	}

	if _, err := m.Validate(ctx, token, t0.Add(time.Minute)); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("revoked session validated: %v", err)
	}
}

func TestCountActive_IgnoresExpiry(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()
	userID := uuid.New()

	createSession(t, m, store, userID, t0)
	createSession(t, m, store, userID, t0.Add(-time.Hour))
	revoked := createSession(t, m, store, userID, t0)
	if _, _, err := m.Revoke(ctx, store, revoked); err != nil {
		t.Fatal(err)
	}

	n, err := m.CountActive(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 active sessions, got %d", n)
	}

	if _, err := m.RevokeAll(ctx, store, userID); err != nil {
		t.Fatal(err)
	}
	if n, _ := m.CountActive(ctx, userID); n != 0 {
		t.Errorf("expected 0 after RevokeAll, got %d", n)
	}
}

func TestValidate_ConcurrentSameToken(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()
	token := createSession(t, m, store, uuid.New(), t0)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Validate(ctx, token, t0.Add(time.Duration(i)*time.Second)); err != nil {
				t.Errorf("validate: %v", err)
			}
		}(i)
	}
	wg.Wait()

	stored, _ := store.Sessions().GetByTokenHash(ctx, securerand.Hash(token))
	if !stored.IsActive {
		t.Error("session deactivated by concurrent validation")
	}
}

// A session touched at time T is valid strictly before T + idle and
// invalid from then on.
func TestProperty_ValidWindow(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := memory.NewStore()
		idle := time.Duration(rapid.IntRange(1, 120).Draw(rt, "idleMinutes")) * time.Minute
		m := NewManager(store, idle, nil)

		token, _, err := m.Create(context.Background(), store, uuid.New(), "", "", t0)
		if err != nil {
			rt.Fatal(err)
		}

		offset := time.Duration(rapid.Int64Range(0, int64(3*idle)).Draw(rt, "offset"))
		_, err = m.Validate(context.Background(), token, t0.Add(offset))
		if offset < idle && err != nil {
			rt.Fatalf("offset %v < idle %v but invalid: %v", offset, idle, err)
		}
		if offset >= idle && !errors.Is(err, ErrSessionInvalid) {
			rt.Fatalf("offset %v >= idle %v but valid", offset, idle)
		}
	})
}

var _ repository.Store = (*memory.Store)(nil)
