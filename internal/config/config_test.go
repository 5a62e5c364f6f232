package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.ReconnectMaxAttempts != 5 {
		t.Fatalf("ReconnectMaxAttempts = %d, want 5", cfg.ReconnectMaxAttempts)
	}
	if cfg.MinCommitDuration != 100*time.Millisecond {
		t.Fatalf("MinCommitDuration = %v, want 100ms", cfg.MinCommitDuration)
	}
	if cfg.BufferErrorThreshold != 3 {
		t.Fatalf("BufferErrorThreshold = %d, want 3", cfg.BufferErrorThreshold)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CARECALL_RECONNECT_MAX_ATTEMPTS", "7")
	t.Setenv("CARECALL_GREETING_GRACE_WINDOW", "2s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ReconnectMaxAttempts != 7 {
		t.Fatalf("ReconnectMaxAttempts = %d, want 7", cfg.ReconnectMaxAttempts)
	}
	if cfg.GreetingGraceWindow != 2*time.Second {
		t.Fatalf("GreetingGraceWindow = %v, want 2s", cfg.GreetingGraceWindow)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("CARECALL_HANDSHAKE_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadRejectsCommitBelowChunkFloor(t *testing.T) {
	t.Setenv("CARECALL_MIN_COMMIT_DURATION", "5ms")
	if _, err := Load(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadRejectsTinyHandshakeTimeout(t *testing.T) {
	t.Setenv("CARECALL_HANDSHAKE_TIMEOUT", "200ms")
	if _, err := Load(); err == nil {
		t.Fatalf("expected validation error")
	}
}
