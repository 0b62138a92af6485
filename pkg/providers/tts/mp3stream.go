package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// MP3StreamTTS is the raw-MP3 TTS-B adapter: no custom framing, bytes are
// streamed straight off an HTTP response body and appended to the downlink
// as they arrive, coalesced by the session layer's Playback rather than by
// this adapter.
type MP3StreamTTS struct {
	apiKey string
	url    string
}

func NewMP3StreamTTS(apiKey, endpoint string) *MP3StreamTTS {
	return &MP3StreamTTS{apiKey: apiKey, url: endpoint}
}

func (t *MP3StreamTTS) Name() string { return "mp3-stream-tts" }

func (t *MP3StreamTTS) Synthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language) ([]byte, error) {
	var out []byte
	err := t.StreamSynthesize(ctx, text, voice, lang, func(chunk []byte) error {
		out = append(out, chunk...)
		return nil
	})
	return out, err
}

func (t *MP3StreamTTS) StreamSynthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language, onChunk func([]byte) error) error {
	q := url.Values{}
	q.Set("text", text)
	q.Set("voice", string(voice))
	q.Set("language", string(lang))
	q.Set("format", "mp3")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("mp3 stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mp3 stream tts error (status %d)", resp.StatusCode)
	}

	buf := make([]byte, 16*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := onChunk(chunk); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Abort is a no-op: each call is a stateless HTTP stream with nothing to
// tear down between requests, unlike LokutorTTS's persistent connection.
func (t *MP3StreamTTS) Abort() error {
	return nil
}
