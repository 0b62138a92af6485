package session

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/audio"
)

func postTTSForm(t *testing.T, srv *httptest.Server, form url.Values) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestTTSStreamHandler_ProviderBRawBytes(t *testing.T) {
	deps := newTestDeps(nil)
	srv := httptest.NewServer(TTSStreamHandler(deps))
	defer srv.Close()

	resp := postTTSForm(t, srv, url.Values{"text": {"hello"}, "provider": {"B"}})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, []byte("mp3-bytes")) {
		t.Fatalf("body = %q", body)
	}
}

func TestTTSStreamHandler_ProviderAFramesDecodable(t *testing.T) {
	deps := newTestDeps(nil)
	srv := httptest.NewServer(TTSStreamHandler(deps))
	defer srv.Close()

	resp := postTTSForm(t, srv, url.Values{"text": {"hello"}, "provider": {"A"}})
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	parser := audio.NewFrameParser()
	payloads, err := parser.Feed(body)
	if err != nil {
		t.Fatal(err)
	}
	if err := parser.Flush(); err != nil {
		t.Fatalf("stream must end on a frame boundary: %v", err)
	}
	if len(payloads) != 1 || !bytes.Equal(payloads[0], []byte("mp3-bytes")) {
		t.Fatalf("expected one framed payload, got %d", len(payloads))
	}
}

func TestTTSStreamHandler_RequiresText(t *testing.T) {
	deps := newTestDeps(nil)
	srv := httptest.NewServer(TTSStreamHandler(deps))
	defer srv.Close()

	resp := postTTSForm(t, srv, url.Values{"provider": {"B"}})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing text, got %d", resp.StatusCode)
	}
}

func TestTTSStreamHandler_MethodGate(t *testing.T) {
	deps := newTestDeps(nil)
	srv := httptest.NewServer(TTSStreamHandler(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", resp.StatusCode)
	}
}
