package stt

import (
	"context"
	"fmt"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// WSStreamingSTT is a generic streaming-STT adapter over a raw WebSocket:
// binary PCM frames up, JSON partial/final transcript events down. None of
// the batch HTTP adapters in this package (groq.go, openai.go, deepgram.go,
// assemblyai.go) can produce interim captions, so the pipeline's streaming
// path needs at least one real implementation of StreamingSTTProvider rather
// than one simulated by chunked batch calls.
type WSStreamingSTT struct {
	apiKey     string
	host       string
	sampleRate int
	name       string
}

func NewWSStreamingSTT(name, host, apiKey string) *WSStreamingSTT {
	return &WSStreamingSTT{apiKey: apiKey, host: host, sampleRate: 16000, name: name}
}

func (s *WSStreamingSTT) SetSampleRate(rate int) { s.sampleRate = rate }

func (s *WSStreamingSTT) Name() string { return s.name }

// Transcribe satisfies STTProvider for callers holding a full utterance's
// audio: it opens a transient stream, feeds the whole buffer, half-closes,
// and waits for the first final.
func (s *WSStreamingSTT) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	resultCh := make(chan string, 1)

	sendCh, err := s.StreamTranscribe(ctx, lang, func(transcript string, isFinal bool) error {
		if isFinal {
			select {
			case resultCh <- transcript:
			default:
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	select {
	case sendCh <- audioPCM:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	close(sendCh)

	select {
	case text := <-resultCh:
		return text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type wsSTTEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"is_final"`
}

// StreamTranscribe dials the vendor's streaming endpoint and returns a
// channel the caller pushes raw PCM16 chunks onto; partial/final events are
// delivered via onTranscript in arrival order.
func (s *WSStreamingSTT) StreamTranscribe(ctx context.Context, lang orchestrator.Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error) {
	u := url.URL{
		Scheme:   "wss",
		Host:     s.host,
		Path:     "/v1/stream",
		RawQuery: fmt.Sprintf("api_key=%s&sample_rate=%d&language=%s", s.apiKey, s.sampleRate, lang),
	}

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial streaming stt: %w", err)
	}

	audioCh := make(chan []byte, 64)

	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for chunk := range audioCh {
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		}
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"finalize"}`))
	}()

	go func() {
		for {
			var ev wsSTTEvent
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				return
			}
			if ev.Transcript == "" {
				continue
			}
			if err := onTranscript(ev.Transcript, ev.IsFinal); err != nil {
				return
			}
		}
	}()

	return audioCh, nil
}
