package password

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/welldanyogia/jobportal-auth/internal/repository/memory"
	"golang.org/x/crypto/bcrypt"
	"pgregory.net/rapid"
)

// Strength: every password with 12+ characters, at most MaxBytes bytes and
// all four character classes passes; any password missing one of them fails.
func TestProperty_StrengthValidation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		password := rapid.StringN(0, 24, -1).Draw(t, "password")

		hasUpper, hasLower, hasDigit, hasOther := false, false, false, false
		for _, char := range password {
			switch {
			case unicode.IsUpper(char):
				hasUpper = true
			case unicode.IsLower(char):
				hasLower = true
			case unicode.IsDigit(char):
				hasDigit = true
			case !unicode.IsLetter(char):
				hasOther = true
			}
		}

		want := len([]rune(password)) >= MinLength && len(password) <= MaxBytes && hasUpper && hasLower && hasDigit && hasOther
		if got := ValidateStrength(password); got != want {
			t.Fatalf("ValidateStrength(%q) = %v, want %v", password, got, want)
		}
	})
}

func TestProperty_StrongPasswordsAccepted(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		upper := rapid.StringMatching(`[A-Z]{1,4}`).Draw(t, "upper")
		lower := rapid.StringMatching(`[a-z]{1,4}`).Draw(t, "lower")
		digit := rapid.StringMatching(`[0-9]{1,4}`).Draw(t, "digit")
		other := rapid.StringMatching(`[!@#$%^&*()_+\-=]{1,4}`).Draw(t, "other")
		pad := rapid.StringMatching(`[a-z]{9,12}`).Draw(t, "pad")

		password := upper + pad + digit + other + lower
		if !ValidateStrength(password) {
			t.Fatalf("expected %q to be strong: %v", password, Violations(password))
		}
	})
}

func TestViolations(t *testing.T) {
	tests := []struct {
		name     string
		password string
		count    int
	}{
		{"strong", "Str0ng!Passw0rd", 0},
		{"too short", "Sh0rt!", 1},
		{"no upper", "str0ng!passw0rd", 1},
		{"no lower", "STR0NG!PASSW0RD", 1},
		{"no digit", "Strong!Password", 1},
		{"no special", "Str0ngPassw0rdX", 1},
		{"empty", "", 5},
		{"longer than bcrypt accepts", "Str0ng!Passw0rd" + strings.Repeat("a", 60), 1},
		{"multibyte over the byte limit", "Aa1!" + strings.Repeat("密", 23), 1},
		{"exactly the byte limit", "Str0ng!Passw0rd" + strings.Repeat("a", MaxBytes-15), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Violations(tt.password); len(got) != tt.count {
				t.Errorf("Violations(%q) = %v, want %d entries", tt.password, got, tt.count)
			}
		})
	}
}

func newTestPolicy(cfg Config) (*Policy, *memory.Store) {
	return NewPolicy(cfg, NewBcryptHasher(bcrypt.MinCost)), memory.NewStore()
}

func TestCheckReuse_LastTwoRejectedThirdAccepted(t *testing.T) {
	policy, store := newTestPolicy(Config{})
	ctx := context.Background()
	userID := uuid.New()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	passwords := []string{"Oldest!Passw0rd", "Middle!Passw0rd", "Newest!Passw0rd"}
	for i, pw := range passwords {
		hash, err := policy.Hasher().Hash(pw)
		if err != nil {
			t.Fatal(err)
		}
		if err := policy.RecordChange(ctx, store, userID, hash, base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	for _, pw := range passwords[1:] {
		d, err := policy.CheckReuse(ctx, store, userID, pw)
		if err != nil {
			t.Fatal(err)
		}
		if d.Allowed {
			t.Errorf("reuse of %q should be rejected", pw)
		}
	}

	d, err := policy.CheckReuse(ctx, store, userID, passwords[0])
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Error("password used three changes ago should be accepted")
	}
}

func TestCheckChangeFrequency(t *testing.T) {
	policy, store := newTestPolicy(Config{MinChangeMinutes: 60})
	ctx := context.Background()
	userID := uuid.New()
	changed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	d, err := policy.CheckChangeFrequency(ctx, store, userID, changed)
	if err != nil || !d.Allowed {
		t.Fatalf("no history should allow a change: %+v %v", d, err)
	}

	if err := policy.RecordChange(ctx, store, userID, "hash", changed); err != nil {
		t.Fatal(err)
	}

	d, _ = policy.CheckChangeFrequency(ctx, store, userID, changed.Add(30*time.Minute+10*time.Second))
	if d.Allowed {
		t.Fatal("change after 30 minutes should be denied")
	}
	if d.MinutesRemaining != 30 {
		t.Errorf("expected 30 minutes remaining, got %d", d.MinutesRemaining)
	}

	d, _ = policy.CheckChangeFrequency(ctx, store, userID, changed.Add(time.Hour))
	if !d.Allowed {
		t.Error("change after the full interval should be allowed")
	}
}

func TestCheckMaxAge(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	changed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	policy, store := newTestPolicy(Config{MaxAgeDays: 90})
	if err := policy.RecordChange(ctx, store, userID, "hash", changed); err != nil {
		t.Fatal(err)
	}

	expired, _ := policy.CheckMaxAge(ctx, store, userID, changed.Add(89*24*time.Hour))
	if expired {
		t.Error("89-day-old password should be valid")
	}
	expired, _ = policy.CheckMaxAge(ctx, store, userID, changed.Add(91*24*time.Hour))
	if !expired {
		t.Error("91-day-old password should be expired")
	}

	disabled, store2 := newTestPolicy(Config{MaxAgeDays: 0})
	_ = disabled.RecordChange(ctx, store2, userID, "hash", changed)
	expired, _ = disabled.CheckMaxAge(ctx, store2, userID, changed.Add(10000*24*time.Hour))
	if expired {
		t.Error("MaxAgeDays 0 should disable the rule")
	}
}

func TestBcryptHasher(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)
	hash, err := h.Hash("Str0ng!Passw0rd")
	if err != nil {
		t.Fatal(err)
	}
	if !h.Verify("Str0ng!Passw0rd", hash) {
		t.Error("expected hash to verify")
	}
	if h.Verify("wrong", hash) {
		t.Error("wrong password verified")
	}
	if cost, _ := bcrypt.Cost([]byte(hash)); cost != bcrypt.MinCost {
		t.Errorf("expected cost %d, got %d", bcrypt.MinCost, cost)
	}
	if NewBcryptHasher(0).cost != DefaultCost {
		t.Error("invalid cost should fall back to DefaultCost")
	}
}
