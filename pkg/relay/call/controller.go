// Package call runs the per-connection call state machine: it waits for a
// start signal, opens a provider session and two recordings, pumps media in
// both directions and finalizes the call when either side ends it.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-relay/pkg/relay/protocol"
	"github.com/vango-go/vai-relay/pkg/relay/recording"
	"github.com/vango-go/vai-relay/pkg/relay/registry"
	"github.com/vango-go/vai-relay/pkg/relay/storage"
	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

const errorCodeCallSetupFailed = "call_setup_failed"

type Config struct {
	RecordingsDir  string
	Upstream       upstream.Config
	PersistTimeout time.Duration
	JournalTimeout time.Duration

	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int

	PingInterval      time.Duration
	WriteTimeout      time.Duration
	OutboundQueueSize int
}

type Dependencies struct {
	Conn         Conn
	ConnectionID string
	RemoteAddr   string

	Connector upstream.Connector
	Persister storage.Persister // nil keeps recordings on local disk
	Registry  *registry.Registry
	Journal   Journal
	Observer  Observer
	Logger    *slog.Logger
	Config    Config

	Now          func() time.Time
	NewSessionID func() (string, error)
}

type Controller struct {
	conn         *clientConn
	connectionID string
	remoteAddr   string

	connector upstream.Connector
	persister storage.Persister
	registry  *registry.Registry
	journal   Journal
	observer  Observer
	logger    *slog.Logger
	cfg       Config

	now          func() time.Time
	newSessionID func() (string, error)

	state stateHolder
}

// callSession is the state of one call from setup to finalization.
type callSession struct {
	id       string
	start    time.Time
	logger   *slog.Logger
	upstream upstream.Session
	rec      *recording.Pair
	release  func()

	finalizeOnce sync.Once
}

func NewController(deps Dependencies) (*Controller, error) {
	if deps.Conn == nil {
		return nil, errors.New("call: connection is required")
	}
	if deps.Connector == nil {
		return nil, errors.New("call: upstream connector is required")
	}
	cfg := deps.Config
	if strings.TrimSpace(cfg.RecordingsDir) == "" {
		return nil, errors.New("call: recordings dir is required")
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Minute
	}
	if cfg.JournalTimeout <= 0 {
		cfg.JournalTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 256
	}
	if cfg.InboundBurstSeconds <= 0 {
		cfg.InboundBurstSeconds = 2
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newID := deps.NewSessionID
	if newID == nil {
		newID = newSessionID
	}

	c := &Controller{
		conn:         newClientConn(deps.Conn, cfg),
		connectionID: deps.ConnectionID,
		remoteAddr:   deps.RemoteAddr,
		connector:    deps.Connector,
		persister:    deps.Persister,
		registry:     deps.Registry,
		journal:      deps.Journal,
		observer:     observer,
		logger:       logger,
		cfg:          cfg,
		now:          now,
		newSessionID: newID,
	}
	c.state.store(StateIdle)
	return c, nil
}

func newSessionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (c *Controller) State() State {
	return c.state.load()
}

// Warn sends an error notice to the client without waiting. It is safe to
// call from any goroutine.
func (c *Controller) Warn(code, message string) error {
	return c.conn.trySendJSON(protocol.Error(code, message))
}

// Run drives the connection until the client goes away or ctx is canceled.
// A client disconnect is a normal end and returns nil.
func (c *Controller) Run(ctx context.Context) error {
	c.conn.start()
	defer c.conn.close()
	defer c.state.store(StateTerminated)

	for {
		c.state.store(StateAwaitingStart)
		if err := c.awaitStart(ctx); err != nil {
			if errors.Is(err, ErrClientGone) {
				c.logger.Info("client disconnected while idle")
				return nil
			}
			return err
		}

		call, err := c.setup(ctx)
		if err != nil {
			c.logger.Warn("call setup failed", "error", err)
			c.observer.CallSetupFailed()
			if sendErr := c.sendSync(ctx, protocol.Error(errorCodeCallSetupFailed, "could not start call")); sendErr != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		c.state.store(StateStreaming)
		out := c.stream(ctx, call)

		c.state.store(StateFinalizing)
		if err := c.finalize(ctx, call, out); err != nil {
			return nil
		}
		if !out.reason.keepsConnection() {
			if out.reason == EndCanceled {
				return ctx.Err()
			}
			return nil
		}
	}
}

func (c *Controller) awaitStart(ctx context.Context) error {
	for {
		in, err := c.conn.next(ctx)
		if err != nil {
			return err
		}
		frame, err := protocol.Decode(in.messageType, in.data)
		if err != nil {
			c.logDecodeError("ignoring invalid message while idle", err)
			continue
		}
		switch f := frame.(type) {
		case protocol.Control:
			if f.Signal == protocol.SignalStartCall {
				c.logger.Info("start_call received")
				return nil
			}
			c.logger.Warn("ignoring control message while idle", "signal", string(f.Signal))
		case protocol.AudioChunk:
			c.logger.Debug("ignoring audio while idle", "bytes", len(f.Data))
		default:
			c.logger.Warn("ignoring message while idle", "type", fmt.Sprintf("%T", frame))
		}
	}
}

func (c *Controller) logDecodeError(msg string, err error) {
	var decErr *protocol.DecodeError
	if errors.As(err, &decErr) {
		c.logger.Warn(msg, "code", decErr.Code, "error", decErr.Error())
		return
	}
	c.logger.Warn(msg, "error", err)
}

// setup connects upstream before creating any files, so a failed connect
// leaves nothing on disk.
func (c *Controller) setup(ctx context.Context) (*callSession, error) {
	id, err := c.newSessionID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	start := c.now()
	logger := c.logger.With("session_id", id)

	up, err := c.connector.Connect(ctx, c.cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("connect upstream: %w", err)
	}
	rec, err := recording.OpenPair(c.cfg.RecordingsDir, id)
	if err != nil {
		_ = up.Close()
		return nil, fmt.Errorf("open recordings: %w", err)
	}

	call := &callSession{
		id:       id,
		start:    start,
		logger:   logger,
		upstream: up,
		rec:      rec,
		release:  c.registry.AdmitSession(id),
	}
	if c.journal != nil {
		jctx, cancel := context.WithTimeout(ctx, c.cfg.JournalTimeout)
		err := c.journal.CallStarted(jctx, c.record(call))
		cancel()
		if err != nil {
			logger.Warn("failed to journal call start", "error", err)
		}
	}
	c.observer.CallStarted()
	logger.Info("call started", "model", c.cfg.Upstream.Model, "recordings_dir", c.cfg.RecordingsDir)
	return call, nil
}

func (c *Controller) record(call *callSession) CallRecord {
	return CallRecord{
		SessionID:    call.id,
		ConnectionID: c.connectionID,
		RemoteAddr:   c.remoteAddr,
		Model:        c.cfg.Upstream.Model,
		StartedAt:    call.start,
	}
}

// sendSync writes v and waits for it to hit the socket, even if ctx is
// already canceled.
func (c *Controller) sendSync(ctx context.Context, v any) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*c.cfg.WriteTimeout)
	defer cancel()
	return c.conn.sendJSONSync(sendCtx, v)
}
