package call

import "sync/atomic"

type State int32

const (
	StateIdle State = iota
	StateAwaitingStart
	StateStreaming
	StateFinalizing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingStart:
		return "awaiting_start"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type stateHolder struct {
	v atomic.Int32
}

func (h *stateHolder) load() State   { return State(h.v.Load()) }
func (h *stateHolder) store(s State) { h.v.Store(int32(s)) }

// EndReason records why a call left the streaming state.
type EndReason string

const (
	EndAudioStreamEnd     EndReason = "audio_stream_end"
	EndClientDisconnected EndReason = "client_disconnected"
	EndUpstreamClosed     EndReason = "upstream_closed"
	EndFailed             EndReason = "failed"
	EndCanceled           EndReason = "canceled"
)

// keepsConnection reports whether the client socket is still usable after a
// call ends for this reason.
func (r EndReason) keepsConnection() bool {
	switch r {
	case EndAudioStreamEnd, EndUpstreamClosed, EndFailed:
		return true
	default:
		return false
	}
}
