// Package memory provides an in-process implementation of repository.Store.
// It honours the same transactional contract as the PostgreSQL store: work
// done inside WithinTx is discarded when fn returns an error.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/welldanyogia/jobportal-auth/internal/repository"
)

type state struct {
	users         map[uuid.UUID]*repository.User
	history       []repository.PasswordHistoryEntry
	sessions      map[uuid.UUID]*repository.Session
	tokens        map[string]*repository.OneTimeToken
	audit         []repository.AuditEvent
	nextHistoryID int64
	nextAuditID   int64
}

func newState() *state {
	return &state{
		users:    make(map[uuid.UUID]*repository.User),
		sessions: make(map[uuid.UUID]*repository.Session),
		tokens:   make(map[string]*repository.OneTimeToken),
	}
}

func (s *state) clone() *state {
	c := &state{
		users:         make(map[uuid.UUID]*repository.User, len(s.users)),
		history:       append([]repository.PasswordHistoryEntry(nil), s.history...),
		sessions:      make(map[uuid.UUID]*repository.Session, len(s.sessions)),
		tokens:        make(map[string]*repository.OneTimeToken, len(s.tokens)),
		audit:         append([]repository.AuditEvent(nil), s.audit...),
		nextHistoryID: s.nextHistoryID,
		nextAuditID:   s.nextAuditID,
	}
	for k, v := range s.users {
		c.users[k] = copyUser(v)
	}
	for k, v := range s.sessions {
		sess := *v
		c.sessions[k] = &sess
	}
	for k, v := range s.tokens {
		c.tokens[k] = copyToken(v)
	}
	return c
}

// Store is a mutex-guarded in-memory repository.Store
type Store struct {
	mu     sync.Mutex
	st     *state
	faults map[string]error
}

// NewStore creates an empty Store
func NewStore() *Store {
	return &Store{st: newState(), faults: make(map[string]error)}
}

// FailNext makes the next call to op return err. op is "<repo>.<method>",
// for example "sessions.Create".
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

func (s *Store) fault(op string) error {
	if err, ok := s.faults[op]; ok {
		delete(s.faults, op)
		return err
	}
	return nil
}

// WithinTx serialises transactions and restores the previous state when fn fails.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, r repository.Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(ctx, &repos{store: s, inTx: true}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) Users() repository.UserRepository {
	return &userRepo{repos{store: s}}
}

func (s *Store) PasswordHistory() repository.PasswordHistoryRepository {
	return &historyRepo{repos{store: s}}
}

func (s *Store) Sessions() repository.SessionRepository {
	return &sessionRepo{repos{store: s}}
}

func (s *Store) Tokens() repository.TokenRepository {
	return &tokenRepo{repos{store: s}}
}

func (s *Store) Audit() repository.AuditRepository {
	return &auditRepo{repos{store: s}}
}

// ListByUser implements repository.AuditReader
func (s *Store) ListByUser(_ context.Context, userID string, limit int) ([]repository.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := []repository.AuditEvent{}
	for i := len(s.st.audit) - 1; i >= 0 && len(events) < limit; i-- {
		if s.st.audit[i].UserID == userID {
			events = append(events, s.st.audit[i])
		}
	}
	return events, nil
}

// BatchInUse reports which keys are set as a user's resume key
func (s *Store) BatchInUse(_ context.Context, keys []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inUse := make(map[string]bool, len(keys))
	for _, u := range s.st.users {
		if u.ResumeKey == nil {
			continue
		}
		for _, k := range keys {
			if *u.ResumeKey == k {
				inUse[k] = true
			}
		}
	}
	return inUse, nil
}

// AuditEvents returns a copy of every recorded event in insertion order
func (s *Store) AuditEvents() []repository.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repository.AuditEvent(nil), s.st.audit...)
}

// repos binds repositories either to the store directly, where every call
// takes the lock, or to a running transaction that already holds it.
type repos struct {
	store *Store
	inTx  bool
}

func (r *repos) Users() repository.UserRepository { return &userRepo{*r} }
func (r *repos) PasswordHistory() repository.PasswordHistoryRepository {
	return &historyRepo{*r}
}
func (r *repos) Sessions() repository.SessionRepository { return &sessionRepo{*r} }
func (r *repos) Tokens() repository.TokenRepository     { return &tokenRepo{*r} }
func (r *repos) Audit() repository.AuditRepository      { return &auditRepo{*r} }

func (r repos) do(op string, fn func(st *state) error) error {
	if !r.inTx {
		r.store.mu.Lock()
		defer r.store.mu.Unlock()
	}
	if err := r.store.fault(op); err != nil {
		return err
	}
	return fn(r.store.st)
}

type userRepo struct{ repos }

func (r *userRepo) Create(_ context.Context, user *repository.User) error {
	return r.do("users.Create", func(st *state) error {
		email := strings.TrimSpace(user.Email)
		for _, u := range st.users {
			if strings.EqualFold(u.Email, email) {
				return repository.ErrEmailAlreadyExists
			}
		}
		now := time.Now()
		user.ID = uuid.New()
		user.Email = email
		user.CreatedAt = now
		user.UpdatedAt = now
		st.users[user.ID] = copyUser(user)
		return nil
	})
}

func (r *userRepo) GetByID(_ context.Context, id uuid.UUID) (*repository.User, error) {
	var out *repository.User
	err := r.do("users.GetByID", func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return repository.ErrUserNotFound
		}
		out = copyUser(u)
		return nil
	})
	return out, err
}

func (r *userRepo) GetByEmail(_ context.Context, email string) (*repository.User, error) {
	var out *repository.User
	err := r.do("users.GetByEmail", func(st *state) error {
		email = strings.TrimSpace(email)
		for _, u := range st.users {
			if strings.EqualFold(u.Email, email) {
				out = copyUser(u)
				return nil
			}
		}
		return repository.ErrUserNotFound
	})
	return out, err
}

func (r *userRepo) GetByIDForUpdate(_ context.Context, id uuid.UUID) (*repository.User, error) {
	return r.getLocked("users.GetByIDForUpdate", func(st *state) (*repository.User, bool) {
		u, ok := st.users[id]
		return u, ok
	})
}

func (r *userRepo) GetByEmailForUpdate(_ context.Context, email string) (*repository.User, error) {
	email = strings.TrimSpace(email)
	return r.getLocked("users.GetByEmailForUpdate", func(st *state) (*repository.User, bool) {
		for _, u := range st.users {
			if strings.EqualFold(u.Email, email) {
				return u, true
			}
		}
		return nil, false
	})
}

// getLocked reads a user; transactions here are already serialized, so
// there is no row lock to take.
func (r *userRepo) getLocked(op string, find func(st *state) (*repository.User, bool)) (*repository.User, error) {
	var out *repository.User
	err := r.do(op, func(st *state) error {
		u, ok := find(st)
		if !ok {
			return repository.ErrUserNotFound
		}
		out = copyUser(u)
		return nil
	})
	return out, err
}

func (r *userRepo) update(op string, id uuid.UUID, fn func(u *repository.User)) error {
	return r.do(op, func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return repository.ErrUserNotFound
		}
		fn(u)
		return nil
	})
}

func (r *userRepo) UpdatePasswordHash(_ context.Context, id uuid.UUID, hash string, now time.Time) error {
	return r.update("users.UpdatePasswordHash", id, func(u *repository.User) {
		u.PasswordHash = hash
		u.UpdatedAt = now
	})
}

func (r *userRepo) SetMFASecret(_ context.Context, id uuid.UUID, secret string, now time.Time) error {
	return r.update("users.SetMFASecret", id, func(u *repository.User) {
		u.MFASecret = &secret
		u.UpdatedAt = now
	})
}

func (r *userRepo) SetMFAEnabled(_ context.Context, id uuid.UUID, enabled bool, now time.Time) error {
	return r.update("users.SetMFAEnabled", id, func(u *repository.User) {
		u.MFAEnabled = enabled
		u.UpdatedAt = now
	})
}

func (r *userRepo) ConfirmEmail(_ context.Context, id uuid.UUID, now time.Time) error {
	return r.update("users.ConfirmEmail", id, func(u *repository.User) {
		u.EmailConfirmed = true
		u.UpdatedAt = now
	})
}

func (r *userRepo) RecordFailedAttempt(_ context.Context, id uuid.UUID, threshold int, lockUntil, now time.Time) (*repository.FailedAttemptResult, error) {
	var out *repository.FailedAttemptResult
	err := r.update("users.RecordFailedAttempt", id, func(u *repository.User) {
		res := &repository.FailedAttemptResult{}
		if u.IsLockedOut(now) {
			res.AlreadyLocked = true
		} else if u.AccessFailedCount+1 >= threshold {
			until := lockUntil
			u.LockoutEnd = &until
			u.AccessFailedCount = 0
			res.Locked = true
		} else {
			u.AccessFailedCount++
		}
		res.AccessFailedCount = u.AccessFailedCount
		if u.LockoutEnd != nil {
			end := *u.LockoutEnd
			res.LockoutEnd = &end
		}
		out = res
	})
	return out, err
}

func (r *userRepo) ResetFailedAttempts(_ context.Context, id uuid.UUID) error {
	return r.update("users.ResetFailedAttempts", id, func(u *repository.User) {
		u.AccessFailedCount = 0
		u.LockoutEnd = nil
	})
}

type historyRepo struct{ repos }

func (r *historyRepo) Append(_ context.Context, entry *repository.PasswordHistoryEntry) error {
	return r.do("history.Append", func(st *state) error {
		st.nextHistoryID++
		entry.ID = st.nextHistoryID
		st.history = append(st.history, *entry)
		return nil
	})
}

func (r *historyRepo) Recent(_ context.Context, userID uuid.UUID, limit int) ([]repository.PasswordHistoryEntry, error) {
	var out []repository.PasswordHistoryEntry
	err := r.do("history.Recent", func(st *state) error {
		for _, e := range st.history {
			if e.UserID == userID {
				out = append(out, e)
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].ChangedAt.Equal(out[j].ChangedAt) {
				return out[i].ID > out[j].ID
			}
			return out[i].ChangedAt.After(out[j].ChangedAt)
		})
		if len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

type sessionRepo struct{ repos }

func (r *sessionRepo) Create(_ context.Context, session *repository.Session) error {
	return r.do("sessions.Create", func(st *state) error {
		session.ID = uuid.New()
		session.IsActive = true
		s := *session
		st.sessions[s.ID] = &s
		return nil
	})
}

func (r *sessionRepo) find(op, tokenHash string) (*repository.Session, error) {
	var out *repository.Session
	err := r.do(op, func(st *state) error {
		for _, s := range st.sessions {
			if s.TokenHash == tokenHash {
				c := *s
				out = &c
				return nil
			}
		}
		return repository.ErrSessionNotFound
	})
	return out, err
}

func (r *sessionRepo) GetByTokenHash(_ context.Context, tokenHash string) (*repository.Session, error) {
	return r.find("sessions.GetByTokenHash", tokenHash)
}

func (r *sessionRepo) GetByTokenHashForUpdate(_ context.Context, tokenHash string) (*repository.Session, error) {
	return r.find("sessions.GetByTokenHashForUpdate", tokenHash)
}

func (r *sessionRepo) UpdateExpiry(_ context.Context, id uuid.UUID, expiresAt time.Time) error {
	return r.do("sessions.UpdateExpiry", func(st *state) error {
		s, ok := st.sessions[id]
		if !ok || !s.IsActive {
			return repository.ErrSessionNotFound
		}
		s.ExpiresAt = expiresAt
		return nil
	})
}

func (r *sessionRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	return r.do("sessions.Deactivate", func(st *state) error {
		s, ok := st.sessions[id]
		if !ok {
			return repository.ErrSessionNotFound
		}
		s.IsActive = false
		return nil
	})
}

func (r *sessionRepo) DeactivateAllForUser(_ context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := r.do("sessions.DeactivateAllForUser", func(st *state) error {
		for _, s := range st.sessions {
			if s.UserID == userID && s.IsActive {
				s.IsActive = false
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *sessionRepo) CountActive(_ context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.do("sessions.CountActive", func(st *state) error {
		for _, s := range st.sessions {
			if s.UserID == userID && s.IsActive {
				n++
			}
		}
		return nil
	})
	return n, err
}

type tokenRepo struct{ repos }

func (r *tokenRepo) Create(_ context.Context, token *repository.OneTimeToken) error {
	return r.do("tokens.Create", func(st *state) error {
		st.tokens[token.TokenHash] = copyToken(token)
		return nil
	})
}

func (r *tokenRepo) Consume(_ context.Context, tokenHash string, purpose repository.TokenPurpose, now time.Time) (*repository.OneTimeToken, error) {
	var out *repository.OneTimeToken
	err := r.do("tokens.Consume", func(st *state) error {
		t, ok := st.tokens[tokenHash]
		if !ok || t.Purpose != purpose || t.ConsumedAt != nil || !now.Before(t.ExpiresAt) {
			return repository.ErrTokenNotFound
		}
		consumed := now
		t.ConsumedAt = &consumed
		out = copyToken(t)
		return nil
	})
	return out, err
}

type auditRepo struct{ repos }

func (r *auditRepo) Append(_ context.Context, event *repository.AuditEvent) error {
	return r.do("audit.Append", func(st *state) error {
		st.nextAuditID++
		event.ID = st.nextAuditID
		st.audit = append(st.audit, *event)
		return nil
	})
}

func copyUser(u *repository.User) *repository.User {
	c := *u
	if u.MFASecret != nil {
		v := *u.MFASecret
		c.MFASecret = &v
	}
	if u.LockoutEnd != nil {
		v := *u.LockoutEnd
		c.LockoutEnd = &v
	}
	if u.WhoAmI != nil {
		v := *u.WhoAmI
		c.WhoAmI = &v
	}
	if u.ResumeKey != nil {
		v := *u.ResumeKey
		c.ResumeKey = &v
	}
	return &c
}

func copyToken(t *repository.OneTimeToken) *repository.OneTimeToken {
	c := *t
	if t.ConsumedAt != nil {
		v := *t.ConsumedAt
		c.ConsumedAt = &v
	}
	return &c
}
