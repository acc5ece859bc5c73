package mw

import (
	"net/http"
	"strings"
)

var corsAllowedMethods = "GET, OPTIONS"

var corsAllowedHeaders = strings.Join([]string{
	"Content-Type",
	"X-Request-ID",
}, ", ")

// CORS mirrors the allowlisted origin back. An empty allowlist allows any
// origin.
func CORS(allowed map[string]struct{}, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		ok := origin != "" && OriginAllowed(allowed, origin)

		if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
			if !ok {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}
			setAllowOrigin(w, allowed, origin)
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if ok {
			setAllowOrigin(w, allowed, origin)
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		}
		next.ServeHTTP(w, r)
	})
}

// OriginAllowed reports whether origin may talk to the relay. Requests
// without an Origin header (non-browser clients) are always allowed.
func OriginAllowed(allowed map[string]struct{}, origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" || len(allowed) == 0 {
		return true
	}
	_, ok := allowed[origin]
	return ok
}

func setAllowOrigin(w http.ResponseWriter, allowed map[string]struct{}, origin string) {
	if len(allowed) == 0 {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
}
