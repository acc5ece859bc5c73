package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-relay/pkg/relay/call"
	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/mw"
	"github.com/vango-go/vai-relay/pkg/relay/registry"
	"github.com/vango-go/vai-relay/pkg/relay/storage"
	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

// CallHandler handles /ws-ai client connections.
type CallHandler struct {
	Config    config.Config
	Connector upstream.Connector
	Persister storage.Persister
	Registry  *registry.Registry
	Journal   call.Journal
	Observer  call.Observer
	Logger    *slog.Logger

	// BaseContext outlives the HTTP request; connections are canceled
	// through the registry on shutdown. Defaults to context.Background.
	BaseContext context.Context
}

func (h CallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		mw.WriteJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", reqID)
		return
	}
	if h.Registry.IsDraining() {
		mw.WriteJSONError(w, http.StatusServiceUnavailable, "draining", "relay is draining", reqID)
		return
	}
	if !mw.OriginAllowed(h.Config.CORSAllowedOrigins, r.Header.Get("Origin")) {
		mw.WriteJSONError(w, http.StatusForbidden, "origin_not_allowed", "origin is not allowed", reqID)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}

	connectionID := "c_" + randHex(8)
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("connection_id", connectionID, "remote_addr", r.RemoteAddr, "request_id", reqID)

	ctrl, err := call.NewController(call.Dependencies{
		Conn:         conn,
		ConnectionID: connectionID,
		RemoteAddr:   r.RemoteAddr,
		Connector:    h.Connector,
		Persister:    h.Persister,
		Registry:     h.Registry,
		Journal:      h.Journal,
		Observer:     h.Observer,
		Logger:       logger,
		Config:       h.Config.Call(),
	})
	if err != nil {
		logger.Error("failed to initialize call controller", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"), time.Now().Add(2*time.Second))
		_ = conn.Close()
		return
	}

	base := h.BaseContext
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	defer cancel()

	release := h.Registry.AdmitConnection(connectionID, registry.Handle{
		Cancel: cancel,
		Warn:   ctrl.Warn,
	})
	defer release()

	logger.Info("client connected")
	if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("connection ended with error", "error", err)
		return
	}
	logger.Info("client connection closed")
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
