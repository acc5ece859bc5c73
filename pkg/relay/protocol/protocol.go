package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

// Inbound message types.
const (
	TypeStartCall      = "start_call"
	TypeVideoFrame     = "video_frame"
	TypeAudioStreamEnd = "audio_stream_end"
)

// Outbound message types.
const (
	TypeCallStarted    = "call_started"
	TypeUserTranscript = "user_transcript"
	TypeGeminiChunk    = "gemini_chunk"
	TypeCallEnded      = "call_ended"
	TypeError          = "error"
)

const (
	MIMETypeAudioPCM16k = "audio/pcm;rate=16000"
	MIMETypeImageJPEG   = "image/jpeg"
)

// Decode error codes.
const (
	CodeBadRequest      = "bad_request"
	CodeUnsupportedType = "unsupported_type"
	CodeUnsupported     = "unsupported"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

// Frame is one decoded inbound client message: an AudioChunk, an ImageFrame
// or a Control signal.
type Frame interface {
	frame()
}

// AudioChunk is raw 16 kHz mono 16-bit little-endian PCM.
type AudioChunk struct {
	Data []byte
}

// ImageFrame carries encoded image bytes exactly as the client sent them.
type ImageFrame struct {
	Data     []byte
	MIMEType string
}

type Signal string

const (
	SignalStartCall      Signal = TypeStartCall
	SignalAudioStreamEnd Signal = TypeAudioStreamEnd
)

type Control struct {
	Signal Signal
}

func (AudioChunk) frame() {}
func (ImageFrame) frame() {}
func (Control) frame()    {}

// Decode turns one websocket message into a Frame. Binary messages are always
// audio; text messages are structured JSON with a type tag.
func Decode(messageType int, data []byte) (Frame, error) {
	switch messageType {
	case websocket.BinaryMessage:
		return AudioChunk{Data: data}, nil
	case websocket.TextMessage:
		return DecodeClientMessage(data)
	default:
		return nil, &DecodeError{Code: CodeUnsupported, Message: fmt.Sprintf("unsupported websocket message type %d", messageType)}
	}
}

func DecodeClientMessage(data []byte) (Frame, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeStartCall:
		return Control{Signal: SignalStartCall}, nil
	case TypeAudioStreamEnd:
		return Control{Signal: SignalAudioStreamEnd}, nil
	case TypeVideoFrame:
		var msg struct {
			Payload  string `json:"payload"`
			MIMEType string `json:"mime_type,omitempty"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid video_frame", "")
		}
		return decodeVideoFrame(msg.Payload, msg.MIMEType)
	default:
		return nil, &DecodeError{Code: CodeUnsupportedType, Message: "unsupported message type", Param: typ}
	}
}

func decodeVideoFrame(payload, mimeType string) (Frame, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, badRequest("video_frame.payload is required", "payload")
	}
	// Browsers commonly hand over canvas captures as data URLs.
	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		header, body, found := strings.Cut(rest, ",")
		if !found {
			return nil, badRequest("invalid video_frame.payload data url", "payload")
		}
		if mt, _, _ := strings.Cut(header, ";"); mt != "" && mimeType == "" {
			mimeType = mt
		}
		payload = body
	}
	img, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, badRequest("invalid video_frame.payload", "payload")
	}
	if len(img) == 0 {
		return nil, badRequest("video_frame.payload is empty", "payload")
	}
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		mimeType = MIMETypeImageJPEG
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, &DecodeError{Code: CodeUnsupported, Message: "video_frame.mime_type must be an image type", Param: "mime_type"}
	}
	return ImageFrame{Data: img, MIMEType: mimeType}, nil
}

type ServerCallStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

type ServerUserTranscript struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerGeminiChunk struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerCallEnded struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func CallStarted(sessionID string) ServerCallStarted {
	return ServerCallStarted{Type: TypeCallStarted, SessionID: sessionID}
}

func UserTranscript(text string) ServerUserTranscript {
	return ServerUserTranscript{Type: TypeUserTranscript, Text: text}
}

func GeminiChunk(text string) ServerGeminiChunk {
	return ServerGeminiChunk{Type: TypeGeminiChunk, Text: text}
}

func CallEnded(reason string) ServerCallEnded {
	return ServerCallEnded{Type: TypeCallEnded, Reason: reason}
}

func Error(code, message string) ServerError {
	return ServerError{Type: TypeError, Code: code, Message: message}
}
