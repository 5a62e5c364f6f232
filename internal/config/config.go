package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the wellness-call engine.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	RealtimeURL   string
	RealtimeModel string
	OpenAIAPIKey  string
	Voice         string

	// Handshake covers the whole connect+session.created sequence.
	HandshakeTimeout  time.Duration
	HealthProbeWindow time.Duration

	// Shared sweep timers.
	CommitSweepInterval    time.Duration
	ReconnectSweepInterval time.Duration

	// Audio validation and commit gating. Telephony audio is G.711 u-law
	// at 8 kHz, one byte per sample.
	MinChunkDuration       time.Duration
	MinCommitDuration      time.Duration
	SilenceAmplitude       int
	SilenceRunThreshold    int
	PreReadyQueueLimit     int
	InitialSilenceDuration time.Duration

	// Reconnection policy.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	BufferErrorThreshold int

	// Empirically tuned turn-taking delays carried over from production
	// call logs. Tunable, not correctness contracts.
	TranscriptWaitDelay time.Duration
	GreetingGraceWindow time.Duration

	// Server VAD thresholds forwarded in the session handshake.
	TurnDetectionThreshold float64
	TurnSilenceDuration    time.Duration
	TurnPrefixPadding      time.Duration

	DatabaseURL string

	EmergencyDetectorURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("CARECALL_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("CARECALL_METRICS_NAMESPACE", "carecall"),
		RealtimeURL:            envOrDefault("CARECALL_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:          envOrDefault("CARECALL_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		OpenAIAPIKey:           trimmedEnv("OPENAI_API_KEY"),
		Voice:                  envOrDefault("CARECALL_VOICE", "alloy"),
		DatabaseURL:            trimmedEnv("DATABASE_URL"),
		EmergencyDetectorURL:   trimmedEnv("CARECALL_EMERGENCY_DETECTOR_URL"),
		ShutdownTimeout:        15 * time.Second,
		HandshakeTimeout:       10 * time.Second,
		HealthProbeWindow:      5 * time.Second,
		CommitSweepInterval:    150 * time.Millisecond,
		ReconnectSweepInterval: 250 * time.Millisecond,
		MinChunkDuration:       10 * time.Millisecond,
		MinCommitDuration:      100 * time.Millisecond,
		SilenceAmplitude:       120,
		SilenceRunThreshold:    50,
		PreReadyQueueLimit:     200,
		InitialSilenceDuration: 100 * time.Millisecond,
		ReconnectBaseDelay:     time.Second,
		ReconnectMaxDelay:      30 * time.Second,
		ReconnectMaxAttempts:   5,
		BufferErrorThreshold:   3,
		TranscriptWaitDelay:    800 * time.Millisecond,
		GreetingGraceWindow:    1200 * time.Millisecond,
		TurnDetectionThreshold: 0.5,
		TurnSilenceDuration:    700 * time.Millisecond,
		TurnPrefixPadding:      300 * time.Millisecond,
	}

	var err error
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"CARECALL_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"CARECALL_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout},
		{"CARECALL_HEALTH_PROBE_WINDOW", &cfg.HealthProbeWindow},
		{"CARECALL_COMMIT_SWEEP_INTERVAL", &cfg.CommitSweepInterval},
		{"CARECALL_RECONNECT_SWEEP_INTERVAL", &cfg.ReconnectSweepInterval},
		{"CARECALL_MIN_CHUNK_DURATION", &cfg.MinChunkDuration},
		{"CARECALL_MIN_COMMIT_DURATION", &cfg.MinCommitDuration},
		{"CARECALL_INITIAL_SILENCE_DURATION", &cfg.InitialSilenceDuration},
		{"CARECALL_RECONNECT_BASE_DELAY", &cfg.ReconnectBaseDelay},
		{"CARECALL_RECONNECT_MAX_DELAY", &cfg.ReconnectMaxDelay},
		{"CARECALL_TRANSCRIPT_WAIT_DELAY", &cfg.TranscriptWaitDelay},
		{"CARECALL_GREETING_GRACE_WINDOW", &cfg.GreetingGraceWindow},
		{"CARECALL_TURN_SILENCE_DURATION", &cfg.TurnSilenceDuration},
		{"CARECALL_TURN_PREFIX_PADDING", &cfg.TurnPrefixPadding},
	} {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	for _, n := range []struct {
		key string
		dst *int
	}{
		{"CARECALL_SILENCE_AMPLITUDE", &cfg.SilenceAmplitude},
		{"CARECALL_SILENCE_RUN_THRESHOLD", &cfg.SilenceRunThreshold},
		{"CARECALL_PRE_READY_QUEUE_LIMIT", &cfg.PreReadyQueueLimit},
		{"CARECALL_RECONNECT_MAX_ATTEMPTS", &cfg.ReconnectMaxAttempts},
		{"CARECALL_BUFFER_ERROR_THRESHOLD", &cfg.BufferErrorThreshold},
	} {
		*n.dst, err = intFromEnv(n.key, *n.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.TurnDetectionThreshold, err = floatFromEnv("CARECALL_TURN_DETECTION_THRESHOLD", cfg.TurnDetectionThreshold)
	if err != nil {
		return Config{}, err
	}

	if cfg.HandshakeTimeout < time.Second {
		return Config{}, fmt.Errorf("CARECALL_HANDSHAKE_TIMEOUT must be at least 1s")
	}
	if cfg.CommitSweepInterval <= 0 || cfg.ReconnectSweepInterval <= 0 {
		return Config{}, fmt.Errorf("sweep intervals must be positive")
	}
	if cfg.MinChunkDuration <= 0 {
		return Config{}, fmt.Errorf("CARECALL_MIN_CHUNK_DURATION must be positive")
	}
	if cfg.MinCommitDuration < cfg.MinChunkDuration {
		return Config{}, fmt.Errorf("CARECALL_MIN_COMMIT_DURATION must be >= CARECALL_MIN_CHUNK_DURATION")
	}
	if cfg.ReconnectBaseDelay <= 0 || cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		return Config{}, fmt.Errorf("reconnect delays must satisfy 0 < base <= max")
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("CARECALL_RECONNECT_MAX_ATTEMPTS must be positive")
	}
	if cfg.BufferErrorThreshold <= 0 {
		return Config{}, fmt.Errorf("CARECALL_BUFFER_ERROR_THRESHOLD must be positive")
	}
	if cfg.PreReadyQueueLimit <= 0 {
		return Config{}, fmt.Errorf("CARECALL_PRE_READY_QUEUE_LIMIT must be positive")
	}
	if cfg.TurnDetectionThreshold <= 0 || cfg.TurnDetectionThreshold >= 1 {
		return Config{}, fmt.Errorf("CARECALL_TURN_DETECTION_THRESHOLD must be in (0,1)")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
