// Package upstream describes the duplex session the relay holds with the
// model provider. Concrete providers live in subpackages.
package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/vango-go/vai-relay/pkg/relay/protocol"
)

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = errors.New("upstream: session closed")

// Frame is one piece of realtime input.
type Frame struct {
	Data     []byte
	MIMEType string
}

func AudioFrame(pcm []byte) Frame {
	return Frame{Data: pcm, MIMEType: protocol.MIMETypeAudioPCM16k}
}

func ImageFrame(img []byte, mimeType string) Frame {
	if mimeType == "" {
		mimeType = protocol.MIMETypeImageJPEG
	}
	return Frame{Data: img, MIMEType: mimeType}
}

// Response is the subset of a provider message the relay acts on. Any field
// may be empty; a message carrying none of them is ignored.
type Response struct {
	UserTranscript     string
	Audio              []byte // 24 kHz mono 16-bit PCM
	ProviderTranscript string
	TurnComplete       bool
	Interrupted        bool
}

func (r Response) Empty() bool {
	return r.UserTranscript == "" && len(r.Audio) == 0 && r.ProviderTranscript == "" && !r.TurnComplete && !r.Interrupted
}

type VAD struct {
	SilenceDuration time.Duration
	PrefixPadding   time.Duration
}

// Config is fixed at connect time for the lifetime of a session.
type Config struct {
	Model             string
	LanguageCode      string
	VoiceName         string
	SystemInstruction string
	VAD               VAD
}

// Session is safe for one concurrent sender and one concurrent receiver.
// Close may be called from any goroutine, any number of times, and unblocks a
// pending Receive. Receive returns io.EOF when the provider ends the session
// cleanly.
type Session interface {
	Send(ctx context.Context, f Frame) error
	Receive(ctx context.Context) (Response, error)
	Close() error
}

type Connector interface {
	Connect(ctx context.Context, cfg Config) (Session, error)
}

type ConnectorFunc func(ctx context.Context, cfg Config) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context, cfg Config) (Session, error) {
	return f(ctx, cfg)
}
