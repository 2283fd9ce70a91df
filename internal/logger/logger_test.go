package logger

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(redact bool) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Logger{SugaredLogger: zap.New(core).Sugar(), redact: redact, salt: "pepper"}, logs
}

func TestUserIDIsHashed(t *testing.T) {
	l, logs := observed(true)
	l.Info("ingest: applied", "user_id", "alice", "value", "achievement")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	got, _ := fields["user_id"].(string)
	if got == "alice" || !strings.HasPrefix(got, "hash:") {
		t.Errorf("user_id = %q, want hashed", got)
	}
	if fields["value"] != "achievement" {
		t.Errorf("value = %v, want achievement", fields["value"])
	}
}

func TestRedactionOff(t *testing.T) {
	l, logs := observed(false)
	l.With("user_a", "bob").Warn("compare: immature")

	fields := logs.All()[0].ContextMap()
	if fields["user_a"] != "bob" {
		t.Errorf("user_a = %v, want bob", fields["user_a"])
	}
}

func TestHashIDStable(t *testing.T) {
	a := HashID("s", "alice")
	if a != HashID("s", "alice") {
		t.Error("hash should be stable")
	}
	if a == HashID("t", "alice") {
		t.Error("salt should change hash")
	}
	if HashID("s", "") != "" {
		t.Error("empty id should hash to empty")
	}
	if len(a) != len("hash:")+12 {
		t.Errorf("len = %d", len(a))
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
	l, err := New(Options{Mode: "prod", Level: "warn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Sync()
}
