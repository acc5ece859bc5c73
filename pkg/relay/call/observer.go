package call

import (
	"context"
	"time"
)

type Direction string

const (
	Uplink   Direction = "uplink"
	Downlink Direction = "downlink"
)

// Observer receives call lifecycle and traffic events. Implementations must
// be safe for concurrent use and must not block.
type Observer interface {
	CallStarted()
	CallSetupFailed()
	CallEnded(reason EndReason, duration time.Duration)
	FrameRelayed(dir Direction, kind string, bytes int)
	FrameDropped(dir Direction, reason string)
	RecordingPersisted(kind string, err error)
}

type nopObserver struct{}

func (nopObserver) CallStarted()                        {}
func (nopObserver) CallSetupFailed()                    {}
func (nopObserver) CallEnded(EndReason, time.Duration)  {}
func (nopObserver) FrameRelayed(Direction, string, int) {}
func (nopObserver) FrameDropped(Direction, string)      {}
func (nopObserver) RecordingPersisted(string, error)    {}

// CallRecord is the durable summary of one call session.
type CallRecord struct {
	SessionID    string
	ConnectionID string
	RemoteAddr   string
	Model        string

	StartedAt time.Time
	EndedAt   time.Time
	EndReason EndReason
	Error     string

	UserAudioBytes   int64
	GeminiAudioBytes int64

	// Object names are empty when the recording was not persisted.
	UserObject   string
	GeminiObject string
}

// Journal records call sessions. Failures are logged and never affect the
// call itself.
type Journal interface {
	CallStarted(ctx context.Context, rec CallRecord) error
	CallFinished(ctx context.Context, rec CallRecord) error
}
