package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-relay/pkg/relay/protocol"
	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

var (
	errAudioStreamEnded = errors.New("client ended audio stream")
	errUpstreamClosed   = errors.New("upstream closed the session")
)

type outcome struct {
	reason EndReason
	err    error
}

// stream announces the call and runs the uplink and downlink until the first
// of them stops. Each task always returns a non-nil error naming why it
// stopped; the first one decides how the call ends and cancels the other.
func (c *Controller) stream(ctx context.Context, call *callSession) outcome {
	if err := c.conn.sendJSON(ctx, protocol.CallStarted(call.id)); err != nil {
		return classify(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	// Receive has no context of its own; closing the session unblocks it.
	stop := context.AfterFunc(gctx, func() { _ = call.upstream.Close() })
	defer stop()

	g.Go(func() error { return c.uplink(gctx, call) })
	g.Go(func() error { return c.downlink(gctx, call) })
	return classify(g.Wait())
}

func classify(err error) outcome {
	switch {
	case errors.Is(err, errAudioStreamEnded):
		return outcome{reason: EndAudioStreamEnd}
	case errors.Is(err, ErrClientGone):
		return outcome{reason: EndClientDisconnected}
	case errors.Is(err, errUpstreamClosed):
		return outcome{reason: EndUpstreamClosed}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcome{reason: EndCanceled, err: err}
	default:
		return outcome{reason: EndFailed, err: err}
	}
}

func (c *Controller) uplink(ctx context.Context, call *callSession) error {
	limiter := newInboundAudioLimiter(c.now, c.cfg.MaxAudioFPS, c.cfg.MaxAudioBytesPerSecond, c.cfg.InboundBurstSeconds)
	for {
		in, err := c.conn.next(ctx)
		if err != nil {
			return err
		}
		frame, err := protocol.Decode(in.messageType, in.data)
		if err != nil {
			c.logDecodeError("dropping invalid client message", err)
			c.observer.FrameDropped(Uplink, "invalid")
			continue
		}

		switch f := frame.(type) {
		case protocol.AudioChunk:
			if len(f.Data) == 0 {
				continue
			}
			if !limiter.Allow(len(f.Data)) {
				c.observer.FrameDropped(Uplink, "rate_limited")
				continue
			}
			if _, err := call.rec.User.Write(f.Data); err != nil {
				return fmt.Errorf("record user audio: %w", err)
			}
			if err := call.upstream.Send(ctx, upstream.AudioFrame(f.Data)); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("forward audio: %w", err)
			}
			c.observer.FrameRelayed(Uplink, "audio", len(f.Data))

		case protocol.ImageFrame:
			if err := call.upstream.Send(ctx, upstream.ImageFrame(f.Data, f.MIMEType)); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("forward video frame: %w", err)
			}
			c.observer.FrameRelayed(Uplink, "video", len(f.Data))

		case protocol.Control:
			switch f.Signal {
			case protocol.SignalAudioStreamEnd:
				call.logger.Info("audio_stream_end received")
				return errAudioStreamEnded
			case protocol.SignalStartCall:
				call.logger.Warn("ignoring start_call during active call")
			}
		}
	}
}

// downlink relays provider responses in order: caller transcript, synthesized
// audio, then the provider's own transcript.
func (c *Controller) downlink(ctx context.Context, call *callSession) error {
	var turn strings.Builder
	for {
		resp, err := call.upstream.Receive(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, io.EOF) {
				return errUpstreamClosed
			}
			return fmt.Errorf("receive from upstream: %w", err)
		}

		if resp.UserTranscript != "" {
			if err := c.conn.sendJSON(ctx, protocol.UserTranscript(resp.UserTranscript)); err != nil {
				return err
			}
		}
		if len(resp.Audio) > 0 {
			if _, err := call.rec.Provider.Write(resp.Audio); err != nil {
				return fmt.Errorf("record provider audio: %w", err)
			}
			if err := c.conn.sendBinary(ctx, resp.Audio); err != nil {
				return err
			}
			c.observer.FrameRelayed(Downlink, "audio", len(resp.Audio))
		}
		if resp.ProviderTranscript != "" {
			if err := c.conn.sendJSON(ctx, protocol.GeminiChunk(resp.ProviderTranscript)); err != nil {
				return err
			}
			turn.WriteString(resp.ProviderTranscript)
		}
		if resp.Interrupted {
			call.logger.Debug("provider turn interrupted")
		}
		if resp.TurnComplete {
			if turn.Len() > 0 {
				call.logger.Info("provider turn complete", "provider_said", turn.String())
			}
			turn.Reset()
		}
	}
}
