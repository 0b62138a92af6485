package session

import (
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/audio"
)

// ProviderKind identifies which vendor's downlink framing a playback stream
// uses (spec §4.1/§4.6): provider A emits WAV blobs that get wrapped in the
// WAVC envelope, provider B streams raw MP3 with no framing at all.
type ProviderKind string

const (
	ProviderA ProviderKind = "A"
	ProviderB ProviderKind = "B"
)

// ProviderKindFromString maps a free-form provider name to its playback
// framing kind, defaulting to B (no framing) for anything unrecognized.
func ProviderKindFromString(s string) ProviderKind {
	if strings.EqualFold(s, "A") || strings.EqualFold(s, "lokutor") {
		return ProviderA
	}
	return ProviderB
}

// Playback adaptively chunks a TTS byte stream onto the egress transport,
// spec §4.6: whole WAVC frames for provider A (never split a frame across
// writes), ~16KiB-or-30ms-coalesced raw bytes for provider B.
type Playback struct {
	kind   ProviderKind
	emit   func([]byte) error
	target int
	window time.Duration

	mu    sync.Mutex
	buf   []byte
	timer *time.Timer
}

func NewPlayback(kind ProviderKind, emit func([]byte) error) *Playback {
	return &Playback{kind: kind, emit: emit, target: 16 * 1024, window: 30 * time.Millisecond}
}

// Write accepts one chunk of raw provider output (one WAV blob for A, one
// MP3 fragment for B) and adaptively flushes it downstream.
func (p *Playback) Write(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	if p.kind == ProviderA {
		return p.emit(audio.FrameWriter(raw))
	}

	p.mu.Lock()
	p.buf = append(p.buf, raw...)
	var out []byte
	if len(p.buf) >= p.target {
		out = p.buf
		p.buf = nil
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	} else if p.timer == nil {
		p.timer = time.AfterFunc(p.window, p.flushDeadline)
	}
	p.mu.Unlock()

	if out != nil {
		return p.emit(out)
	}
	return nil
}

// flushDeadline fires on the ~30ms soft deadline when the buffer never
// reached the 16KiB target. Errors from emit are swallowed here: this runs
// off the playback timer goroutine, not the caller's, and the egress
// transport surfaces its own failures on the next write anyway.
func (p *Playback) flushDeadline() {
	p.mu.Lock()
	out := p.buf
	p.buf = nil
	p.timer = nil
	p.mu.Unlock()
	if len(out) > 0 {
		p.emit(out)
	}
}

// Flush forces out any coalesced-but-unsent bytes once a stream ends (or is
// aborted), so provider B's tail fragment isn't stranded waiting on a
// deadline that will never fire again.
func (p *Playback) Flush() error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	out := p.buf
	p.buf = nil
	p.mu.Unlock()
	if len(out) == 0 {
		return nil
	}
	return p.emit(out)
}
