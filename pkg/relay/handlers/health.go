package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/registry"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger is an optional dependency checked by ReadyHandler.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ReadyHandler struct {
	Config   config.Config
	Registry *registry.Registry
	Journal  Pinger
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		StorageBackend string   `json:"storage_backend"`
		JournalEnabled bool     `json:"journal_enabled"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.GeminiAPIKey == "" {
		issues = append(issues, "gemini api key not configured")
	}
	if h.Config.GeminiModel == "" {
		issues = append(issues, "gemini model not configured")
	}
	if h.Config.RecordingsDir == "" {
		issues = append(issues, "recordings dir not configured")
	}
	switch h.Config.StorageBackend {
	case config.StorageNone, "":
	case config.StorageGCS:
		if h.Config.GCSBucket == "" {
			issues = append(issues, "storage_backend=gcs but no bucket configured")
		}
	case config.StorageS3:
		if h.Config.S3Bucket == "" {
			issues = append(issues, "storage_backend=s3 but no bucket configured")
		}
	default:
		issues = append(issues, "invalid storage_backend")
	}
	if h.Config.WSPingInterval <= 0 || h.Config.WSWriteTimeout <= 0 {
		issues = append(issues, "websocket timings must be > 0")
	}
	if h.Journal != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.Journal.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "call journal unreachable")
		}
	}

	draining := h.Registry.IsDraining()
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case len(issues) > 0:
		status = http.StatusInternalServerError
	case draining:
		status = http.StatusServiceUnavailable
	}

	backend := string(h.Config.StorageBackend)
	if backend == "" {
		backend = string(config.StorageNone)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		Draining:       draining,
		StorageBackend: backend,
		JournalEnabled: h.Journal != nil,
		Issues:         issues,
	})
}
