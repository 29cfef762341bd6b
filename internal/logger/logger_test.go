package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestSensitiveAttributesAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, Config{Level: "debug"}))

	log.Info("login",
		slog.String("password", "hunter2"),
		slog.String("pending_token", "eyJhbGciOi"),
		slog.String("NRIC", "S1234567D"),
		slog.String("user_id", "42"),
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	for _, key := range []string{"password", "pending_token", "NRIC"} {
		if entry[key] != redacted {
			t.Errorf("%s = %v, want redacted", key, entry[key])
		}
	}
	if entry["user_id"] != "42" {
		t.Errorf("user_id altered: %v", entry["user_id"])
	}
}

func TestCorrelationIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, Config{})).With(slog.String("component", "test"))

	ctx := SetCorrelationID(context.Background(), "req-123")
	log.InfoContext(ctx, "handled")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["correlation_id"] != "req-123" {
		t.Errorf("correlation_id = %v", entry["correlation_id"])
	}
	if entry["component"] != "test" {
		t.Errorf("WithAttrs lost: %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
