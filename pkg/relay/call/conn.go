package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClientGone reports that the client socket can no longer be read or
// written.
var ErrClientGone = errors.New("client disconnected")

// Conn is the part of *websocket.Conn the controller uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type outboundFrame struct {
	messageType int
	payload     []byte
	ack         chan error
}

// clientConn owns the socket: one goroutine reads, one writes. Everything
// else talks to it through channels so a pending read can be abandoned when a
// call ends.
type clientConn struct {
	ws           Conn
	pingInterval time.Duration
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	inbound  chan inboundFrame
	outbound chan outboundFrame
	done     chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newClientConn(ws Conn, cfg Config) *clientConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &clientConn{
		ws:           ws,
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		inbound:      make(chan inboundFrame, 64),
		outbound:     make(chan outboundFrame, cfg.OutboundQueueSize),
		done:         make(chan struct{}),
	}
}

func (c *clientConn) start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// close stops both loops, sends a close frame if the socket is still healthy
// and waits for the goroutines to exit.
func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		_ = c.ws.Close()
	})
}

func (c *clientConn) readLoop() {
	defer c.wg.Done()
	defer close(c.inbound)
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case c.inbound <- inboundFrame{err: err}:
			case <-c.ctx.Done():
			}
			c.cancel()
			return
		}
		select {
		case c.inbound <- inboundFrame{messageType: messageType, data: data}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *clientConn) writeLoop() {
	defer c.wg.Done()
	defer close(c.done)

	ping := time.NewTicker(c.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.writeTimeout))
			_ = c.ws.Close()
			return
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.writeTimeout)); err != nil {
				c.fail()
				return
			}
		case f := <-c.outbound:
			err := c.write(f)
			if f.ack != nil {
				f.ack <- err
			}
			if err != nil {
				c.fail()
				return
			}
		}
	}
}

func (c *clientConn) write(f outboundFrame) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(f.messageType, f.payload)
}

// fail tears the socket down after a write error so the reader unblocks too.
func (c *clientConn) fail() {
	c.cancel()
	_ = c.ws.Close()
}

// next returns the next inbound message, ErrClientGone once the socket is
// closed, or ctx.Err() if ctx ends first. Abandoning a wait loses nothing.
func (c *clientConn) next(ctx context.Context) (inboundFrame, error) {
	select {
	case <-ctx.Done():
		return inboundFrame{}, ctx.Err()
	case f, ok := <-c.inbound:
		if !ok {
			return inboundFrame{}, ErrClientGone
		}
		if f.err != nil {
			return inboundFrame{}, fmt.Errorf("%w: %v", ErrClientGone, f.err)
		}
		return f, nil
	}
}

func (c *clientConn) enqueue(ctx context.Context, f outboundFrame) error {
	select {
	case <-c.done:
		return ErrClientGone
	default:
	}
	select {
	case <-c.done:
		return ErrClientGone
	case <-ctx.Done():
		return ctx.Err()
	case c.outbound <- f:
		return nil
	}
}

func (c *clientConn) sendBinary(ctx context.Context, data []byte) error {
	return c.enqueue(ctx, outboundFrame{messageType: websocket.BinaryMessage, payload: data})
}

func (c *clientConn) sendJSON(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, outboundFrame{messageType: websocket.TextMessage, payload: payload})
}

// trySendJSON queues v without blocking. It is used from outside the call
// goroutines, where waiting on a slow client is not acceptable.
func (c *clientConn) trySendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClientGone
	case c.outbound <- outboundFrame{messageType: websocket.TextMessage, payload: payload}:
		return nil
	default:
		return errors.New("outbound queue full")
	}
}

// sendJSONSync queues v behind everything already queued and waits until it
// has been written to the socket.
func (c *clientConn) sendJSONSync(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ack := make(chan error, 1)
	if err := c.enqueue(ctx, outboundFrame{messageType: websocket.TextMessage, payload: payload, ack: ack}); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return ackErr(err)
	case <-c.done:
		select {
		case err := <-ack:
			return ackErr(err)
		default:
			return ErrClientGone
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func ackErr(err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return nil
}
