package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-relay/pkg/relay/registry"
)

// StatusHandler reports how many clients and provider sessions are open.
type StatusHandler struct {
	Registry *registry.Registry
}

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.Registry.Snapshot())
}
