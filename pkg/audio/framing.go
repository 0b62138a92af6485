package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// frameMagic identifies the start of one TTS frame on the provider-A
// downlink: magic | uint32 BE length | payload[length].
var frameMagic = []byte("WAVC")

const (
	frameHeaderLen = 8 // 4-byte magic + 4-byte BE length

	// DefaultMaxFramePayload bounds a single frame's payload so a corrupt or
	// hostile length field can't make the parser buffer unbounded memory.
	DefaultMaxFramePayload = 2 * 1024 * 1024
)

var (
	ErrFrameOversize  = errors.New("framed tts payload exceeds configured maximum")
	ErrFrameZeroLen   = errors.New("framed tts payload length is zero")
	ErrFrameTruncated = errors.New("framed tts stream ended mid-frame")
)

// FrameWriter builds the provider-A downlink envelope around whole WAV
// payloads, mirroring NewWavBuffer's binary.Write style.
func FrameWriter(payload []byte) []byte {
	buf := new(bytes.Buffer)
	buf.Write(frameMagic)
	binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

// FrameParser incrementally decodes a stream of WAVC frames across however
// many reads the underlying transport happens to deliver them in. One parser
// is scoped to one downlink stream (one Response's TTS bytes for provider A).
type FrameParser struct {
	MaxPayload int

	buf    []byte
	offset int64 // cumulative stream offset consumed so far, for dedupe keys

	seen map[frameKey]struct{}
}

type frameKey struct {
	offset int64
	length uint32
}

// NewFrameParser creates a parser with the default 2 MiB oversize limit.
func NewFrameParser() *FrameParser {
	return &FrameParser{MaxPayload: DefaultMaxFramePayload, seen: make(map[frameKey]struct{})}
}

// Feed appends newly-received bytes and returns every complete WAV payload
// that can now be decoded, in order. It never blocks and never interprets a
// payload byte until the full frame length has arrived (§4.1 invariant).
func (p *FrameParser) Feed(chunk []byte) ([][]byte, error) {
	if p.seen == nil {
		p.seen = make(map[frameKey]struct{})
	}
	if p.MaxPayload <= 0 {
		p.MaxPayload = DefaultMaxFramePayload
	}

	p.buf = append(p.buf, chunk...)

	var payloads [][]byte
	for {
		if len(p.buf) < frameHeaderLen {
			return payloads, nil
		}

		idx := bytes.Index(p.buf, frameMagic)
		if idx < 0 {
			// No magic anywhere in the buffer. Keep the last 3 bytes in case
			// the magic spans this read's boundary and the next read; the
			// spec's "discard up to the last 7 bytes" only applies once the
			// buffer has grown past 8 bytes without a match.
			if len(p.buf) > frameHeaderLen {
				tail := len(frameMagic) - 1
				p.offset += int64(len(p.buf) - tail)
				p.buf = p.buf[len(p.buf)-tail:]
			}
			return payloads, nil
		}
		if idx > 0 {
			// Junk before the magic: drop it and recover from here.
			p.offset += int64(idx)
			p.buf = p.buf[idx:]
		}

		if len(p.buf) < frameHeaderLen {
			return payloads, nil
		}

		length := binary.BigEndian.Uint32(p.buf[4:8])
		if length == 0 {
			// A zero-length frame can't represent a real WAV payload; skip
			// past the header and keep scanning rather than looping forever.
			p.offset += frameHeaderLen
			p.buf = p.buf[frameHeaderLen:]
			continue
		}
		if length > uint32(p.MaxPayload) {
			return payloads, ErrFrameOversize
		}

		total := frameHeaderLen + int(length)
		if len(p.buf) < total {
			// Frame not fully buffered yet; wait for more bytes.
			return payloads, nil
		}

		payload := p.buf[frameHeaderLen:total]
		key := frameKey{offset: p.offset, length: length}
		if _, dup := p.seen[key]; !dup {
			p.seen[key] = struct{}{}
			out := make([]byte, length)
			copy(out, payload)
			payloads = append(payloads, out)
		}

		p.offset += int64(total)
		p.buf = p.buf[total:]
	}
}

// Flush reports whether a truncated trailing frame remains once the downlink
// has closed, and discards it. No dedicated tts_truncated control event is
// sent: the TTS-A adapter returns ErrFrameTruncated wrapped in its stream
// error, which the session layer reports as a TtsProtocolError error event.
func (p *FrameParser) Flush() error {
	if len(p.buf) == 0 {
		return nil
	}
	p.buf = nil
	return ErrFrameTruncated
}
