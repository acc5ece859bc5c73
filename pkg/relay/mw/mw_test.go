package mw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// plainWriter hides the recorder's Flush so only ResponseWriter is visible.
type plainWriter struct{ http.ResponseWriter }

type flushWriterStub struct {
	plainWriter
	flushed bool
}

func (w *flushWriterStub) Flush() { w.flushed = true }

type hijackWriterStub struct {
	plainWriter
	hijacked bool
}

func (w *hijackWriterStub) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

type flushHijackWriterStub struct {
	plainWriter
	flushed, hijacked bool
}

func (w *flushHijackWriterStub) Flush() { w.flushed = true }

func (w *flushHijackWriterStub) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

func logRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("unmarshal log %q: %v", buf.String(), err)
	}
	return rec
}

func TestAccessLog_AdvertisesOnlyUnderlyingInterfaces(t *testing.T) {
	cases := []struct {
		name      string
		writer    http.ResponseWriter
		wantFlush bool
		wantHj    bool
	}{
		{"plain", plainWriter{httptest.NewRecorder()}, false, false},
		{"flusher", &flushWriterStub{plainWriter: plainWriter{httptest.NewRecorder()}}, true, false},
		{"hijacker", &hijackWriterStub{plainWriter: plainWriter{httptest.NewRecorder()}}, false, true},
		{"both", &flushHijackWriterStub{plainWriter: plainWriter{httptest.NewRecorder()}}, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := AccessLog(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if f, ok := w.(http.Flusher); ok != tc.wantFlush {
					t.Fatalf("Flusher advertised=%v, want %v", ok, tc.wantFlush)
				} else if ok {
					f.Flush()
				}
				if hj, ok := w.(http.Hijacker); ok != tc.wantHj {
					t.Fatalf("Hijacker advertised=%v, want %v", ok, tc.wantHj)
				} else if ok {
					if _, _, err := hj.Hijack(); err != nil {
						t.Fatalf("Hijack: %v", err)
					}
				}
			}))
			h.ServeHTTP(tc.writer, httptest.NewRequest(http.MethodGet, "/ws-ai", nil))

			switch w := tc.writer.(type) {
			case *flushWriterStub:
				if !w.flushed {
					t.Fatalf("underlying Flush not called")
				}
			case *hijackWriterStub:
				if !w.hijacked {
					t.Fatalf("underlying Hijack not called")
				}
			case *flushHijackWriterStub:
				if !w.flushed || !w.hijacked {
					t.Fatalf("flushed=%v hijacked=%v", w.flushed, w.hijacked)
				}
			}
		})
	}
}

func TestAccessLog_HijackLogsSwitchingProtocols(t *testing.T) {
	var out bytes.Buffer
	h := AccessLog(slog.New(slog.NewJSONHandler(&out, nil)), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, _ = w.(http.Hijacker).Hijack()
	}))
	h.ServeHTTP(&hijackWriterStub{plainWriter: plainWriter{httptest.NewRecorder()}}, httptest.NewRequest(http.MethodGet, "/ws-ai", nil))

	if got, _ := logRecord(t, &out)["status"].(float64); int(got) != http.StatusSwitchingProtocols {
		t.Fatalf("logged status=%v, want 101", got)
	}
}

func TestAccessLog_StatusLogging(t *testing.T) {
	loggerOut := &bytes.Buffer{}
	h := AccessLog(slog.New(slog.NewJSONHandler(loggerOut, nil)), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws-ai", nil).WithContext(WithRequestID(context.Background(), "req_test")))

	rec := logRecord(t, loggerOut)
	if got, ok := rec["status"].(float64); !ok || int(got) != http.StatusServiceUnavailable {
		t.Fatalf("logged status=%v, want 503", rec["status"])
	}
	if rec["request_id"] != "req_test" || rec["path"] != "/ws-ai" {
		t.Fatalf("unexpected log record: %v", rec)
	}

	loggerOut.Reset()
	h = AccessLog(slog.New(slog.NewJSONHandler(loggerOut, nil)), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec = logRecord(t, loggerOut)
	if got, ok := rec["status"].(float64); !ok || int(got) != http.StatusOK {
		t.Fatalf("logged status=%v, want 200", rec["status"])
	}
}

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if !strings.HasPrefix(seen, "req_") || rr.Header().Get("X-Request-ID") != seen {
		t.Fatalf("generated id=%q header=%q", seen, rr.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Request-ID", "req_client")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "req_client" {
		t.Fatalf("propagated id=%q, want req_client", seen)
	}
}

func TestRecover_PanicReturnsJSON(t *testing.T) {
	h := Recover(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	h = RequestID(h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var env struct {
		Error ErrorBody `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Code != "internal_error" || env.Error.RequestID == "" {
		t.Fatalf("error body=%+v", env.Error)
	}
}
