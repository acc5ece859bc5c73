package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-relay/pkg/relay/call"
	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

type StorageBackend string

const (
	StorageNone StorageBackend = "none"
	StorageGCS  StorageBackend = "gcs"
	StorageS3   StorageBackend = "s3"
)

type Config struct {
	Addr string

	// Gemini Live
	GeminiAPIKey     string
	GeminiModel      string
	LanguageCode     string
	VoiceName        string
	SystemPrompt     string
	VADSilence       time.Duration
	VADPrefixPadding time.Duration

	// Recordings
	RecordingsDir  string
	StorageBackend StorageBackend
	GCSBucket      string
	S3Bucket       string
	S3Region       string
	PersistTimeout time.Duration

	// Optional call journal.
	DatabaseURL    string
	JournalTimeout time.Duration

	// CORS / origin check for /ws-ai. Empty => any origin.
	CORSAllowedOrigins map[string]struct{}

	// Client WebSocket
	MaxMessageBytes        int64
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	WSPingInterval         time.Duration
	WSWriteTimeout         time.Duration
	OutboundQueueSize      int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	LogFormat string
	LogLevel  string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                   envOr("RELAY_ADDR", "0.0.0.0:8000"),
		GeminiAPIKey:           strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiModel:            envOr("GEMINI_MODEL", "gemini-2.0-flash-live-001"),
		LanguageCode:           envOr("RELAY_LANGUAGE_CODE", "en-US"),
		VoiceName:              envOr("RELAY_VOICE_NAME", ""),
		SystemPrompt:           os.Getenv("RELAY_SYSTEM_PROMPT"),
		VADSilence:             envMillisOr("RELAY_VAD_SILENCE_MS", 1000*time.Millisecond),
		VADPrefixPadding:       envMillisOr("RELAY_VAD_PREFIX_PADDING_MS", 100*time.Millisecond),
		RecordingsDir:          envOr("RELAY_RECORDINGS_DIR", "recordings"),
		StorageBackend:         StorageBackend(strings.ToLower(envOr("RELAY_STORAGE_BACKEND", string(StorageNone)))),
		GCSBucket:              envOr("RELAY_GCS_BUCKET", ""),
		S3Bucket:               envOr("RELAY_S3_BUCKET", ""),
		S3Region:               envOr("RELAY_S3_REGION", ""),
		PersistTimeout:         envDurationOr("RELAY_PERSIST_TIMEOUT", 5*time.Minute),
		DatabaseURL:            envOr("DATABASE_URL", ""),
		JournalTimeout:         envDurationOr("RELAY_JOURNAL_TIMEOUT", 5*time.Second),
		CORSAllowedOrigins:     make(map[string]struct{}),
		MaxMessageBytes:        envInt64Or("RELAY_MAX_MESSAGE_BYTES", 4<<20), // 4 MiB
		MaxAudioFPS:            envIntOr("RELAY_MAX_AUDIO_FPS", 0),
		MaxAudioBytesPerSecond: envInt64Or("RELAY_MAX_AUDIO_BPS", 0),
		InboundBurstSeconds:    envIntOr("RELAY_INBOUND_BURST_SECONDS", 2),
		WSPingInterval:         envDurationOr("RELAY_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:         envDurationOr("RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		OutboundQueueSize:      envIntOr("RELAY_OUTBOUND_QUEUE_SIZE", 256),
		ReadHeaderTimeout:      envDurationOr("RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:    envDurationOr("RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		LogFormat:              strings.ToLower(envOr("RELAY_LOG_FORMAT", "text")),
		LogLevel:               strings.ToLower(envOr("RELAY_LOG_LEVEL", "info")),
	}

	for _, origin := range splitCSV(os.Getenv("RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if path := strings.TrimSpace(os.Getenv("RELAY_SYSTEM_PROMPT_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("RELAY_SYSTEM_PROMPT_FILE: %w", err)
		}
		cfg.SystemPrompt = string(raw)
	}
	cfg.SystemPrompt = strings.TrimSpace(cfg.SystemPrompt)

	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY must be set")
	}

	switch cfg.StorageBackend {
	case StorageNone:
	case StorageGCS:
		if cfg.GCSBucket == "" {
			return Config{}, fmt.Errorf("RELAY_GCS_BUCKET must be set when RELAY_STORAGE_BACKEND=gcs")
		}
	case StorageS3:
		if cfg.S3Bucket == "" {
			return Config{}, fmt.Errorf("RELAY_S3_BUCKET must be set when RELAY_STORAGE_BACKEND=s3")
		}
	default:
		return Config{}, fmt.Errorf("RELAY_STORAGE_BACKEND must be one of none|gcs|s3")
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("RELAY_LOG_FORMAT must be one of text|json")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("RELAY_LOG_LEVEL must be one of debug|info|warn|error")
	}

	if cfg.VADSilence <= 0 {
		return Config{}, fmt.Errorf("RELAY_VAD_SILENCE_MS must be > 0")
	}
	if cfg.VADPrefixPadding < 0 {
		return Config{}, fmt.Errorf("RELAY_VAD_PREFIX_PADDING_MS must be >= 0")
	}
	if strings.TrimSpace(cfg.RecordingsDir) == "" {
		return Config{}, fmt.Errorf("RELAY_RECORDINGS_DIR must not be empty")
	}
	if cfg.PersistTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_PERSIST_TIMEOUT must be > 0")
	}
	if cfg.JournalTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_JOURNAL_TIMEOUT must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxAudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.InboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("RELAY_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.MaxAudioFPS > 0 || cfg.MaxAudioBytesPerSecond > 0) && cfg.InboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("RELAY_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("RELAY_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// Upstream is the provider session configuration every call uses.
func (c Config) Upstream() upstream.Config {
	return upstream.Config{
		Model:             c.GeminiModel,
		LanguageCode:      c.LanguageCode,
		VoiceName:         c.VoiceName,
		SystemInstruction: c.SystemPrompt,
		VAD: upstream.VAD{
			SilenceDuration: c.VADSilence,
			PrefixPadding:   c.VADPrefixPadding,
		},
	}
}

func (c Config) Call() call.Config {
	return call.Config{
		RecordingsDir:          c.RecordingsDir,
		Upstream:               c.Upstream(),
		PersistTimeout:         c.PersistTimeout,
		JournalTimeout:         c.JournalTimeout,
		MaxAudioFPS:            c.MaxAudioFPS,
		MaxAudioBytesPerSecond: c.MaxAudioBytesPerSecond,
		InboundBurstSeconds:    c.InboundBurstSeconds,
		PingInterval:           c.WSPingInterval,
		WriteTimeout:           c.WSWriteTimeout,
		OutboundQueueSize:      c.OutboundQueueSize,
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// envMillisOr accepts a bare integer (milliseconds) or a Go duration string.
func envMillisOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
