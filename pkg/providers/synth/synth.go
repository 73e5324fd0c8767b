// Package synth provides the websocket-streamed speech synthesis adapter
// used by the session pipeline's synthesize fan-out stage. Grounded on the
// teacher's LokutorTTS adapter (pkg/providers/tts/lokutor.go): a JSON
// request written with wsjson over a *websocket.Conn, and a read loop that
// treats binary frames as audio and a handful of text control sentinels
// ("EOS", "ERR:...") as end-of-stream/error signals. Generalized here to
// accept pre-built SSML and a per-language voice instead of the teacher's
// plain text + fixed voice/lang pair, and to dial one fresh connection per
// call rather than share a single lazily-dialed one: spec.md §4.7 step 5
// requires concurrently synthesizing every target language of an utterance,
// and a shared connection serialized those calls behind one mutex.
package synth

import (
	"context"
	"fmt"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Synthesizer is the interface the pipeline depends on.
type Synthesizer interface {
	Synthesize(ctx context.Context, ssml, voice string) ([]byte, error)
	Name() string
}

// WebsocketSynthesizer streams SSML to a TTS backend over a fresh
// websocket connection per call.
type WebsocketSynthesizer struct {
	apiKey string
	host   string
	scheme string
}

// NewWebsocketSynthesizer constructs a synthesizer that dials host anew for
// every Synthesize call, so concurrent calls never contend on one
// connection.
func NewWebsocketSynthesizer(apiKey, host string) *WebsocketSynthesizer {
	if host == "" {
		host = "api.lokutor.com"
	}
	return &WebsocketSynthesizer{apiKey: apiKey, host: host, scheme: "wss"}
}

// Synthesize dials a dedicated connection, sends ssml for the given voice,
// and accumulates every binary frame returned until the backend signals
// end-of-stream. The caller is responsible for imposing a deadline via ctx
// (the pipeline applies a 5s budget per spec.md §6, retrying once with
// plain text on an invalid-SSML error within that same budget).
func (s *WebsocketSynthesizer) Synthesize(ctx context.Context, ssml, voice string) ([]byte, error) {
	var audio []byte
	err := s.stream(ctx, ssml, voice, func(chunk []byte) error {
		audio = append(audio, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return audio, nil
}

func (s *WebsocketSynthesizer) stream(ctx context.Context, ssml, voice string, onChunk func([]byte) error) error {
	u := url.URL{Scheme: s.scheme, Host: s.host, Path: "/ws", RawQuery: "api_key=" + s.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("synth: failed to connect: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	req := map[string]interface{}{
		"ssml":    ssml,
		"voice":   voice,
		"version": "versa-1.0",
	}

	if err := wsjson.Write(ctx, conn, req); err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "failed to write json")
		return fmt.Errorf("synth: failed to send request: %w", err)
	}

	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("synth: failed to read: %w", err)
		}

		switch messageType {
		case websocket.MessageBinary:
			if err := onChunk(payload); err != nil {
				return err
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return nil
			}
			if len(msg) >= 4 && msg[:4] == "ERR:" {
				return &InvalidSSMLError{Message: msg}
			}
		}
	}
}

// InvalidSSMLError is returned when the backend rejects the submitted
// SSML, signaling the pipeline to retry once with plain text.
type InvalidSSMLError struct {
	Message string
}

func (e *InvalidSSMLError) Error() string {
	return fmt.Sprintf("synth: invalid ssml: %s", e.Message)
}

// Name identifies this provider for logging/metrics.
func (s *WebsocketSynthesizer) Name() string {
	return "websocket-synth"
}
