package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

// liveSession is the part of *genai.Session the relay uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type dialFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// Connector opens Gemini Live sessions with a shared API client.
type Connector struct {
	dial dialFunc
}

func NewConnector(ctx context.Context, apiKey string, httpClient *http.Client) (*Connector, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Connector{
		dial: func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
			return client.Live.Connect(ctx, model, cfg)
		},
	}, nil
}

func (c *Connector) Connect(ctx context.Context, cfg upstream.Config) (upstream.Session, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("gemini: model is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	live, err := c.dial(ctx, cfg.Model, LiveConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("gemini: connect %s: %w", cfg.Model, err)
	}
	return newSession(live), nil
}

// LiveConnectConfig maps relay settings onto the Live API setup message.
// Output is always audio with both directions transcribed.
func LiveConnectConfig(cfg upstream.Config) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.LanguageCode != "" || cfg.VoiceName != "" {
		out.SpeechConfig = &genai.SpeechConfig{LanguageCode: cfg.LanguageCode}
		if cfg.VoiceName != "" {
			out.SpeechConfig.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.VoiceName},
			}
		}
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		out.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.VAD.SilenceDuration > 0 || cfg.VAD.PrefixPadding > 0 {
		aad := &genai.AutomaticActivityDetection{}
		if cfg.VAD.SilenceDuration > 0 {
			aad.SilenceDurationMs = genai.Ptr(int32(cfg.VAD.SilenceDuration.Milliseconds()))
		}
		if cfg.VAD.PrefixPadding > 0 {
			aad.PrefixPaddingMs = genai.Ptr(int32(cfg.VAD.PrefixPadding.Milliseconds()))
		}
		out.RealtimeInputConfig = &genai.RealtimeInputConfig{AutomaticActivityDetection: aad}
	}
	return out
}

type session struct {
	live liveSession

	sendMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newSession(live liveSession) *session {
	return &session{live: live}
}

func (s *session) Send(ctx context.Context, f upstream.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return upstream.ErrClosed
	}
	blob := &genai.Blob{Data: f.Data, MIMEType: f.MIMEType}
	var input genai.LiveRealtimeInput
	switch {
	case strings.HasPrefix(f.MIMEType, "audio/"):
		input.Audio = blob
	case strings.HasPrefix(f.MIMEType, "image/"):
		input.Video = blob
	default:
		input.Media = blob
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.live.SendRealtimeInput(input); err != nil {
		if s.closed.Load() {
			return upstream.ErrClosed
		}
		return fmt.Errorf("gemini: send realtime input: %w", err)
	}
	return nil
}

func (s *session) Receive(ctx context.Context) (upstream.Response, error) {
	if err := ctx.Err(); err != nil {
		return upstream.Response{}, err
	}
	if s.closed.Load() {
		return upstream.Response{}, upstream.ErrClosed
	}
	msg, err := s.live.Receive()
	if err != nil {
		if s.closed.Load() {
			return upstream.Response{}, upstream.ErrClosed
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
			return upstream.Response{}, io.EOF
		}
		return upstream.Response{}, fmt.Errorf("gemini: receive: %w", err)
	}
	return ResponseFromMessage(msg), nil
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.live.Close()
	})
	return s.closeErr
}

// ResponseFromMessage extracts transcripts and inline audio from a server
// message. Setup acknowledgements, usage metadata and other message kinds
// yield an empty Response.
func ResponseFromMessage(msg *genai.LiveServerMessage) upstream.Response {
	var out upstream.Response
	if msg == nil || msg.ServerContent == nil {
		return out
	}
	sc := msg.ServerContent
	if sc.InputTranscription != nil {
		out.UserTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		out.ProviderTranscript = sc.OutputTranscription.Text
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if mt := part.InlineData.MIMEType; mt != "" && !strings.HasPrefix(mt, "audio/") {
				continue
			}
			out.Audio = append(out.Audio, part.InlineData.Data...)
		}
	}
	out.TurnComplete = sc.TurnComplete
	out.Interrupted = sc.Interrupted
	return out
}
