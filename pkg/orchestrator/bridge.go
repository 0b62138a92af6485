package orchestrator

import (
	"context"
	"strings"
	"time"
)

const (
	// bridgeMinChunkChars is the smallest buffered run of LLM text that is
	// synthesized at a sentence boundary; a shorter run keeps buffering even
	// when it ends in '.', '!' or '?'.
	bridgeMinChunkChars = 8

	// bridgeMaxPendingChars force-flushes a run that never hits a boundary
	// character, so an unpunctuated response still streams instead of
	// degenerating into buffer-to-end.
	bridgeMaxPendingChars = 200
)

// SpeechBridge turns a stream of LLM token chunks into a stream of TTS audio
// chunks with minimal added latency: each buffered run of text is synthesized
// as soon as it is at least bridgeMinChunkChars long and ends at a sentence
// boundary, or reaches bridgeMaxPendingChars, instead of waiting for the full
// completion. Synthesis calls are serialized — Push and
// Finish are invoked from the single goroutine draining the LLM stream, so a
// session never has two concurrent TTS requests in flight.
type SpeechBridge struct {
	orch    *Orchestrator
	session *ConversationSession

	pending strings.Builder
	started bool

	onStart func()
	onAudio func(chunk []byte) error
}

// NewSpeechBridge wires a bridge to one response's downlink. onStart fires
// once, immediately before the first synthesis call, letting the caller flip
// into the Speaking phase before any audio byte exists. onAudio receives every
// synthesized chunk in production order.
func NewSpeechBridge(orch *Orchestrator, session *ConversationSession, onStart func(), onAudio func(chunk []byte) error) *SpeechBridge {
	return &SpeechBridge{orch: orch, session: session, onStart: onStart, onAudio: onAudio}
}

// Push appends one LLM text chunk and synthesizes the buffered run if it has
// reached a flushable shape.
func (b *SpeechBridge) Push(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	b.pending.WriteString(text)

	if !b.flushable() {
		return nil
	}
	return b.flush(ctx)
}

// Finish synthesizes whatever text remains buffered. Call exactly once after
// the LLM stream's final chunk.
func (b *SpeechBridge) Finish(ctx context.Context) error {
	if strings.TrimSpace(b.pending.String()) == "" {
		b.pending.Reset()
		return nil
	}
	return b.flush(ctx)
}

func (b *SpeechBridge) flushable() bool {
	s := b.pending.String()
	if len(s) >= bridgeMaxPendingChars {
		return true
	}
	if len(s) < bridgeMinChunkChars {
		return false
	}
	return endsAtBoundary(s)
}

func endsAtBoundary(s string) bool {
	trimmed := strings.TrimRight(s, " \t\n")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?', ',':
		return true
	}
	return false
}

func (b *SpeechBridge) flush(ctx context.Context) error {
	text := strings.TrimSpace(b.pending.String())
	b.pending.Reset()
	if text == "" {
		return nil
	}

	if !b.started {
		b.started = true
		if b.onStart != nil {
			b.onStart()
		}
	}

	synthCtx := ctx
	if timeout := b.orch.GetConfig().TTSTimeout; timeout > 0 {
		var cancel context.CancelFunc
		synthCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}

	return b.orch.SynthesizeStream(synthCtx, text, b.session.GetCurrentVoice(), b.session.GetCurrentLanguage(), b.onAudio)
}
