package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/welldanyogia/jobportal-auth/internal/audit"
	appctx "github.com/welldanyogia/jobportal-auth/internal/context"
	"github.com/welldanyogia/jobportal-auth/internal/mfa"
	"github.com/welldanyogia/jobportal-auth/internal/password"
	"github.com/welldanyogia/jobportal-auth/internal/repository"
	"github.com/welldanyogia/jobportal-auth/internal/repository/memory"
	"github.com/welldanyogia/jobportal-auth/internal/session"
	"golang.org/x/crypto/bcrypt"
	"pgregory.net/rapid"
)

const (
	testPassword = "Str0ng!Passw0rd"
	testSecret   = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
)

// totpCode returns the authenticator code for secret at the given time
func totpCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at.UTC(), totp.ValidateOpts{
		Period:    mfa.Period,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

var (
	baseTime   = time.Date(2026, 6, 1, 9, 0, 15, 0, time.UTC)
	testClient = appctx.ClientInfo{IP: "203.0.113.7", UserAgent: "test-agent"}
)

type testEnv struct {
	svc      *AuthService
	store    *memory.Store
	hasher   password.Hasher
	sessions *session.Manager
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t testing.TB, policyCfg password.Config) *testEnv {
	t.Helper()
	store := memory.NewStore()
	hasher := password.NewBcryptHasher(bcrypt.MinCost)
	policy := password.NewPolicy(policyCfg, hasher)
	sessions := session.NewManager(store, 30*time.Minute, discardLogger())
	pending := NewPendingTokenService(PendingTokenConfig{
		Secret: "test-pending-secret-key-32-chars",
		TTL:    5 * time.Minute,
		Issuer: "test-issuer",
	})

	svc, err := NewAuthService(store, policy, mfa.NewManager("JobPortal"), sessions, pending,
		audit.NewRecorder(discardLogger()), Config{LockoutThreshold: 3, LockoutDuration: 15 * time.Minute}, discardLogger())
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	return &testEnv{svc: svc, store: store, hasher: hasher, sessions: sessions}
}

type userOpts struct {
	confirmed bool
	mfaSecret string
	enabled   bool
}

func (e *testEnv) createUser(t testing.TB, email string, opts userOpts) *repository.User {
	t.Helper()
	ctx := context.Background()
	hash, err := e.hasher.Hash(testPassword)
	if err != nil {
		t.Fatal(err)
	}
	u := &repository.User{Email: email, PasswordHash: hash, EmailConfirmed: opts.confirmed}
	if err := e.store.Users().Create(ctx, u); err != nil {
		t.Fatal(err)
	}
	if opts.mfaSecret != "" {
		if err := e.store.Users().SetMFASecret(ctx, u.ID, opts.mfaSecret, baseTime); err != nil {
			t.Fatal(err)
		}
	}
	if opts.enabled {
		if err := e.store.Users().SetMFAEnabled(ctx, u.ID, true, baseTime); err != nil {
			t.Fatal(err)
		}
	}
	entry := &repository.PasswordHistoryEntry{UserID: u.ID, PasswordHash: hash, ChangedAt: baseTime}
	if err := e.store.PasswordHistory().Append(ctx, entry); err != nil {
		t.Fatal(err)
	}
	return u
}

func (e *testEnv) actions() []string {
	var out []string
	for _, ev := range e.store.AuditEvents() {
		out = append(out, ev.Action)
	}
	return out
}

func (e *testEnv) lastEvent(t *testing.T) repository.AuditEvent {
	t.Helper()
	events := e.store.AuditEvents()
	if len(events) == 0 {
		t.Fatal("no audit events recorded")
	}
	return events[len(events)-1]
}

func login(e *testEnv, email, pw string, now time.Time) (*LoginResult, error) {
	return e.svc.Login(context.Background(), LoginRequest{Email: email, Password: pw}, testClient, now)
}

func TestLogin_UnknownEmailAndWrongPasswordLookTheSame(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	e.createUser(t, "known@example.com", userOpts{confirmed: true})

	_, errUnknown := login(e, "nobody@example.com", testPassword, baseTime)
	unknownEvent := e.lastEvent(t)
	_, errWrong := login(e, "known@example.com", "Wr0ng!Password", baseTime)

	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v / %v", errUnknown, errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Errorf("messages differ: %q vs %q", errUnknown.Error(), errWrong.Error())
	}
	if unknownEvent.UserID != repository.UnknownUserID || unknownEvent.Action != string(audit.LoginFailure) {
		t.Errorf("unexpected audit event for unknown email: %+v", unknownEvent)
	}
}

func TestLogin_ReadsUserUnderRowLock(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	u := e.createUser(t, "rowlock@example.com", userOpts{confirmed: true})
	e.store.FailNext("users.GetByEmailForUpdate", errors.New("lock timeout"))

	if _, err := login(e, u.Email, testPassword, baseTime); KindOf(err) != KindTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
	if _, err := login(e, u.Email, testPassword, baseTime); err != nil {
		t.Fatalf("login after the lock cleared: %v", err)
	}
}

// Concurrent attempts with one correct password never let a login through
// after the account locks.
func TestLogin_ConcurrentAttemptsHonorLockout(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	u := e.createUser(t, "burst@example.com", userOpts{confirmed: true})

	attempts := DefaultLockoutThreshold + 2
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		pw := "Wr0ng!Password"
		if i == attempts/2 {
			pw = testPassword
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			login(e, u.Email, pw, baseTime)
		}()
	}
	wg.Wait()

	locked, successes := false, 0
	for _, a := range e.actions() {
		switch audit.Action(a) {
		case audit.Lockout:
			locked = true
		case audit.LoginAttemptWithout2FA:
			successes++
			if locked {
				t.Errorf("login accepted after lockout: %v", e.actions())
			}
		}
	}
	if successes > 1 {
		t.Errorf("%d successes, want at most 1", successes)
	}
	if successes == 0 && !locked {
		t.Errorf("failures without a success did not lock: %v", e.actions())
	}
}

func TestLogin_LockoutAfterThreshold(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	u := e.createUser(t, "lock@example.com", userOpts{confirmed: true})

	for i := 0; i < 2; i++ {
		if _, err := login(e, u.Email, "Wr0ng!Password", baseTime); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	// The third failure trips the lock.
	_, err := login(e, u.Email, "Wr0ng!Password", baseTime)
	if !errors.Is(err, ErrLockedOut) {
		t.Fatalf("third failure: expected ErrLockedOut, got %v", err)
	}
	if err.Error() != ErrInvalidCredentials.Error() {
		t.Error("lockout must look like invalid credentials to the caller")
	}

	// Correct credentials are refused until the lock expires.
	if _, err := login(e, u.Email, testPassword, baseTime.Add(14*time.Minute)); !errors.Is(err, ErrLockedOut) {
		t.Fatalf("expected lockout with correct password, got %v", err)
	}

	res, err := login(e, u.Email, testPassword, baseTime.Add(15*time.Minute+time.Second))
	if err != nil {
		t.Fatalf("login after lockout window: %v", err)
	}
	if res.State != StateMFASetupRequired {
		t.Errorf("expected MFASetupRequired, got %s", res.State)
	}

	want := []string{"LoginFailure", "LoginFailure", "Lockout", "Lockout", "LoginAttemptWithout2FA"}
	got := e.actions()
	if len(got) != len(want) {
		t.Fatalf("audit trail = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("audit[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	stored, _ := e.store.Users().GetByID(context.Background(), u.ID)
	if stored.AccessFailedCount != 0 || stored.LockoutEnd != nil {
		t.Errorf("counter not reset after success: %+v", stored)
	}
}

// Every denied login records exactly one audit event.
func TestProperty_EveryDeniedLoginAuditedOnce(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	e.createUser(t, "prop@example.com", userOpts{confirmed: true})

	rapid.Check(t, func(rt *rapid.T) {
		email := rapid.SampledFrom([]string{"prop@example.com", "PROP@example.com", "ghost@example.com"}).Draw(rt, "email")
		pw := rapid.SampledFrom([]string{testPassword, "Wr0ng!Password", "x"}).Draw(rt, "password")
		offset := time.Duration(rapid.IntRange(0, 120).Draw(rt, "minutes")) * time.Minute

		before := len(e.store.AuditEvents())
		_, err := login(e, email, pw, baseTime.Add(offset))
		after := len(e.store.AuditEvents())

		if after-before != 1 {
			rt.Fatalf("expected one audit event, got %d (err=%v)", after-before, err)
		}
		if err != nil && KindOf(err) == KindTransient {
			rt.Fatalf("unexpected transient error: %v", err)
		}
	})
}

func TestLogin_UnconfirmedEmail(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	u := e.createUser(t, "new@example.com", userOpts{})

	_, err := login(e, u.Email, testPassword, baseTime)
	if !errors.Is(err, ErrEmailNotConfirmed) {
		t.Fatalf("expected ErrEmailNotConfirmed, got %v", err)
	}
	if ev := e.lastEvent(t); ev.Action != string(audit.LoginEmailUnconfirmed) {
		t.Errorf("unexpected audit action %s", ev.Action)
	}
}

func TestLogin_MFASetupRequiredCreatesNoSession(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	u := e.createUser(t, "setup@example.com", userOpts{confirmed: true})

	res, err := login(e, u.Email, testPassword, baseTime)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateMFASetupRequired || res.PendingToken == "" || res.SessionToken != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n, _ := e.sessions.CountActive(context.Background(), u.ID); n != 0 {
		t.Errorf("expected no sessions before enrollment, got %d", n)
	}

	// The setup token is not accepted as an MFA challenge.
	if _, err := e.svc.VerifyMFA(context.Background(), res.PendingToken, "123456", testClient, baseTime); !errors.Is(err, ErrPendingTokenInvalid) {
		t.Errorf("setup token accepted as challenge: %v", err)
	}
}

func TestVerifyMFA_SkewWindow(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"previous step", -30 * time.Second, true},
		{"current step", 0, true},
		{"next step", 30 * time.Second, true},
		{"two steps back", -60 * time.Second, false},
		{"two steps ahead", 60 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, password.Config{})
			u := e.createUser(t, "mfa@example.com", userOpts{confirmed: true, mfaSecret: testSecret, enabled: true})

			res, err := login(e, u.Email, testPassword, baseTime)
			if err != nil {
				t.Fatal(err)
			}
			if res.State != StateMFARequired {
				t.Fatalf("expected MFARequired, got %s", res.State)
			}

			code, _ := totpCode(testSecret, baseTime.Add(tt.offset))
			out, err := e.svc.VerifyMFA(context.Background(), res.PendingToken, code, testClient, baseTime)
			if tt.ok {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				if out.State != StateAuthenticated || out.SessionToken == "" {
					t.Fatalf("unexpected result: %+v", out)
				}
				if ev := e.lastEvent(t); ev.Action != string(audit.Login2FASuccess) {
					t.Errorf("unexpected audit action %s", ev.Action)
				}
				return
			}
			if !errors.Is(err, ErrInvalidMFACode) {
				t.Fatalf("expected ErrInvalidMFACode, got %v", err)
			}
		})
	}
}

func TestVerifyMFA_FailureKeepsPendingTokenAndCounter(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	u := e.createUser(t, "retry@example.com", userOpts{confirmed: true, mfaSecret: testSecret, enabled: true})
	ctx := context.Background()

	res, err := login(e, u.Email, testPassword, baseTime)
	if err != nil {
		t.Fatal(err)
	}

	wrong, _ := totpCode(testSecret, baseTime.Add(10*time.Minute))
	for i := 0; i < 5; i++ {
		if _, err := e.svc.VerifyMFA(ctx, res.PendingToken, wrong, testClient, baseTime); !errors.Is(err, ErrInvalidMFACode) {
			t.Fatalf("attempt %d: expected ErrInvalidMFACode, got %v", i, err)
		}
	}

	stored, _ := e.store.Users().GetByID(ctx, u.ID)
	if stored.AccessFailedCount != 0 || stored.LockoutEnd != nil {
		t.Error("MFA failures must not touch the lockout counter")
	}

	code, _ := totpCode(testSecret, baseTime)
	if _, err := e.svc.VerifyMFA(ctx, res.PendingToken, code, testClient, baseTime); err != nil {
		t.Fatalf("pending token should still work: %v", err)
	}

	// Replaying the consumed pending token fails.
	if _, err := e.svc.VerifyMFA(ctx, res.PendingToken, code, testClient, baseTime); !errors.Is(err, ErrPendingTokenInvalid) {
		t.Fatalf("expected ErrPendingTokenInvalid on replay, got %v", err)
	}
}

func TestVerifyMFA_ExpiredPendingToken(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	u := e.createUser(t, "late@example.com", userOpts{confirmed: true, mfaSecret: testSecret, enabled: true})

	res, err := login(e, u.Email, testPassword, baseTime)
	if err != nil {
		t.Fatal(err)
	}

	later := baseTime.Add(6 * time.Minute)
	code, _ := totpCode(testSecret, later)
	if _, err := e.svc.VerifyMFA(context.Background(), res.PendingToken, code, testClient, later); !errors.Is(err, ErrPendingTokenInvalid) {
		t.Fatalf("expected ErrPendingTokenInvalid, got %v", err)
	}
	if ev := e.lastEvent(t); ev.Action != string(audit.Login2FAFailure) || ev.UserID != repository.UnknownUserID {
		t.Errorf("unexpected audit event %+v", ev)
	}
}

func TestEnrollment_Flow(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	u := e.createUser(t, "enroll@example.com", userOpts{confirmed: true})
	ctx := context.Background()

	res, err := login(e, u.Email, testPassword, baseTime)
	if err != nil {
		t.Fatal(err)
	}

	first, err := e.svc.BeginEnrollment(ctx, res.PendingToken, baseTime)
	if err != nil {
		t.Fatal(err)
	}
	again, err := e.svc.BeginEnrollment(ctx, res.PendingToken, baseTime)
	if err != nil {
		t.Fatal(err)
	}
	if first.SharedKey != again.SharedKey {
		t.Error("shared key changed between calls")
	}

	stored, _ := e.store.Users().GetByID(ctx, u.ID)
	if mfa.State(stored) != mfa.KeyGenerated {
		t.Fatalf("expected KeyGenerated, got %s", mfa.State(stored))
	}

	code, _ := totpCode(*stored.MFASecret, baseTime)
	wrong, _ := totpCode(*stored.MFASecret, baseTime.Add(5*time.Minute))
	if wrong != code {
		if _, err := e.svc.CompleteEnrollment(ctx, res.PendingToken, wrong, testClient, baseTime); !errors.Is(err, ErrInvalidMFACode) {
			t.Fatalf("expected ErrInvalidMFACode, got %v", err)
		}
		stored, _ = e.store.Users().GetByID(ctx, u.ID)
		if stored.MFAEnabled {
			t.Fatal("MFA enabled without proof")
		}
	}

	out, err := e.svc.CompleteEnrollment(ctx, res.PendingToken, code, testClient, baseTime)
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateAuthenticated || out.SessionToken == "" {
		t.Fatalf("unexpected result %+v", out)
	}

	stored, _ = e.store.Users().GetByID(ctx, u.ID)
	if mfa.State(stored) != mfa.Enrolled {
		t.Errorf("expected Enrolled, got %s", mfa.State(stored))
	}

	got := e.actions()
	tail := got[len(got)-2:]
	if tail[0] != string(audit.TwoFactorEnabled) || tail[1] != string(audit.LoginSuccess) {
		t.Errorf("unexpected audit tail %v", tail)
	}

	// The next login goes through the MFA challenge.
	res, err = login(e, u.Email, testPassword, baseTime.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateMFARequired {
		t.Errorf("expected MFARequired after enrollment, got %s", res.State)
	}
}

func TestLogoutAndAuthenticate(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	u := e.createUser(t, "out@example.com", userOpts{confirmed: true, mfaSecret: testSecret, enabled: true})
	ctx := context.Background()

	res, _ := login(e, u.Email, testPassword, baseTime)
	code, _ := totpCode(testSecret, baseTime)
	out, err := e.svc.VerifyMFA(ctx, res.PendingToken, code, testClient, baseTime)
	if err != nil {
		t.Fatal(err)
	}

	p, err := e.svc.Authenticate(ctx, out.SessionToken, baseTime.Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if p.UserID != u.ID || p.Email != u.Email || p.PasswordExpired {
		t.Errorf("unexpected principal %+v", p)
	}

	if err := e.svc.Logout(ctx, out.SessionToken, baseTime.Add(11*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if ev := e.lastEvent(t); ev.Action != string(audit.Logout) || ev.UserID != u.ID.String() {
		t.Errorf("unexpected audit event %+v", ev)
	}

	before := len(e.store.AuditEvents())
	if err := e.svc.Logout(ctx, out.SessionToken, baseTime.Add(12*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if len(e.store.AuditEvents()) != before {
		t.Error("repeated logout should not be audited again")
	}

	if _, err := e.svc.Authenticate(ctx, out.SessionToken, baseTime.Add(12*time.Minute)); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("expected ErrSessionInvalid after logout, got %v", err)
	}
	if ev := e.lastEvent(t); ev.Action != string(audit.SessionRejected) || ev.UserID != u.ID.String() {
		t.Errorf("use of a logged out session not audited against its owner: %+v", ev)
	}
}

func TestAuthenticate_UnknownTokenAudited(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	ctx := context.Background()

	if _, err := e.svc.Authenticate(ctx, "not-a-session", baseTime); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
	if ev := e.lastEvent(t); ev.Action != string(audit.SessionRejected) || ev.UserID != repository.UnknownUserID {
		t.Errorf("unexpected audit event %+v", ev)
	}

	e.store.FailNext("audit.Append", errors.New("disk full"))
	if _, err := e.svc.Authenticate(ctx, "not-a-session", baseTime); KindOf(err) != KindTransient {
		t.Errorf("audit failure should be transient, got %v", err)
	}
}

func TestAuthenticate_ExpiredSessionAudited(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	u := e.createUser(t, "idle@example.com", userOpts{confirmed: true})
	ctx := context.Background()

	token, _, err := e.sessions.Create(ctx, e.store, u.ID, "", "", baseTime)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.svc.Authenticate(ctx, token, baseTime.Add(31*time.Minute)); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
	if ev := e.lastEvent(t); ev.Action != string(audit.SessionExpired) || ev.UserID != u.ID.String() {
		t.Errorf("unexpected audit event %+v", ev)
	}
}

func TestAuthenticate_PasswordExpired(t *testing.T) {
	e := newTestEnv(t, password.Config{MaxAgeDays: 30})
	u := e.createUser(t, "old@example.com", userOpts{confirmed: true})
	ctx := context.Background()

	later := baseTime.Add(31 * 24 * time.Hour)
	token, _, err := e.sessions.Create(ctx, e.store, u.ID, "", "", later)
	if err != nil {
		t.Fatal(err)
	}

	p, err := e.svc.Authenticate(ctx, token, later.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !p.PasswordExpired {
		t.Error("expected PasswordExpired")
	}
}

func TestLogin_TransientStoreFailure(t *testing.T) {
	e := newTestEnv(t, password.Config{})
	e.createUser(t, "down@example.com", userOpts{confirmed: true})
	e.store.FailNext("users.GetByEmail", errors.New("connection refused"))

	_, err := login(e, "down@example.com", testPassword, baseTime)
	if KindOf(err) != KindTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestFormatSharedKey(t *testing.T) {
	if got := FormatSharedKey("ABCDEFGHIJ"); got != "abcd efgh ij" {
		t.Errorf("FormatSharedKey = %q", got)
	}
}
