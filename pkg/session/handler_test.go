package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

type mockSTT struct{ result string }

func (m *mockSTT) Transcribe(ctx context.Context, audio []byte, lang orchestrator.Language) (string, error) {
	return m.result, nil
}
func (m *mockSTT) Name() string { return "mockSTT" }

type mockLLM struct{ result string }

func (m *mockLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	return m.result, nil
}
func (m *mockLLM) Name() string { return "mockLLM" }

type mockTTS struct{ chunk []byte }

func (m *mockTTS) Synthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language) ([]byte, error) {
	return m.chunk, nil
}
func (m *mockTTS) StreamSynthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language, onChunk func([]byte) error) error {
	return onChunk(m.chunk)
}
func (m *mockTTS) Abort() error { return nil }
func (m *mockTTS) Name() string { return "mockTTS" }

func newTestDeps(store SessionStore) Deps {
	vad := orchestrator.NewDualThresholdVAD(35.0/255.0, 15.0/255.0, 1200*time.Millisecond, 180*time.Second)
	orch := orchestrator.NewWithVAD(
		&mockSTT{result: "hello doctor"},
		&mockLLM{result: "hello, how can I help?"},
		&mockTTS{chunk: []byte("mp3-bytes")},
		vad,
		orchestrator.DefaultConfig(),
	)
	if store == nil {
		store = NoopStore{}
	}
	return Deps{
		Orchestrator: orch,
		Table:        NewTable(),
		Store:        store,
		IdleTimeout:  time.Minute,
	}
}

func dialTest(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readControl reads frames until the next text (JSON) frame, returning any
// binary frames seen on the way.
func readControl(t *testing.T, conn *websocket.Conn) (ControlMessage, [][]byte) {
	t.Helper()
	var binaries [][]byte
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if msgType == websocket.BinaryMessage {
			binaries = append(binaries, data)
			continue
		}
		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		return msg, binaries
	}
}

func mustHandshake(t *testing.T, conn *websocket.Conn, sessionID string) ControlMessage {
	t.Helper()
	sendJSON(t, conn, ControlMessage{Type: "init", SessionID: sessionID, Language: "en", Provider: "B"})
	msg, _ := readControl(t, conn)
	if msg.Type != "connection_established" {
		t.Fatalf("expected connection_established, got %q", msg.Type)
	}
	if msg.DBSessionID == 0 {
		t.Fatal("connection_established must carry a minted db_session_id")
	}
	return msg
}

func TestHandler_RejectsBadToken(t *testing.T) {
	deps := newTestDeps(nil)
	deps.AuthToken = "secret"
	srv := httptest.NewServer(Handler(deps))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestHandler_HandshakeAndPingPong(t *testing.T) {
	deps := newTestDeps(nil)
	srv := httptest.NewServer(Handler(deps))
	defer srv.Close()

	conn := dialTest(t, srv, "")
	defer conn.Close()

	established := mustHandshake(t, conn, "hs-1")
	if established.Message == "" {
		t.Error("connection_established should carry a human message")
	}

	sendJSON(t, conn, ControlMessage{Type: "ping"})
	msg, _ := readControl(t, conn)
	if msg.Type != "pong" {
		t.Fatalf("expected pong, got %q", msg.Type)
	}
}

func TestHandler_NonInitFirstMessageClosesConnection(t *testing.T) {
	deps := newTestDeps(nil)
	srv := httptest.NewServer(Handler(deps))
	defer srv.Close()

	conn := dialTest(t, srv, "")
	defer conn.Close()

	sendJSON(t, conn, ControlMessage{Type: "ping"})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the server to close a connection that skips init")
	}
	if ce, ok := err.(*websocket.CloseError); ok && ce.Code != 4000 {
		t.Fatalf("expected protocol-error close code 4000, got %d", ce.Code)
	}
}

func TestHandler_UnknownTypeSurfacesProtocolViolation(t *testing.T) {
	deps := newTestDeps(nil)
	srv := httptest.NewServer(Handler(deps))
	defer srv.Close()

	conn := dialTest(t, srv, "")
	defer conn.Close()
	mustHandshake(t, conn, "pv-1")

	sendJSON(t, conn, ControlMessage{Type: "bogus"})
	msg, _ := readControl(t, conn)
	if msg.Type != "error" {
		t.Fatalf("expected error event, got %q", msg.Type)
	}
	if msg.Code != orchestrator.KindProtocolViolation.String() {
		t.Fatalf("expected ProtocolViolation code, got %q", msg.Code)
	}
}

func TestHandler_TextTurnFullPipeline(t *testing.T) {
	store := &recordingStore{}
	deps := newTestDeps(store)
	srv := httptest.NewServer(Handler(deps))
	defer srv.Close()

	conn := dialTest(t, srv, "")
	defer conn.Close()
	mustHandshake(t, conn, "text-1")

	sendJSON(t, conn, ControlMessage{Type: "text", Text: "hello doctor"})

	var sawFinalTranscript, sawChunk, sawResponse bool
	var audioBytes int
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, binaries := readControl(t, conn)
		for _, b := range binaries {
			audioBytes += len(b)
		}
		switch msg.Type {
		case "final_transcript":
			if msg.Transcript != "hello doctor" {
				t.Fatalf("final_transcript: %q", msg.Transcript)
			}
			sawFinalTranscript = true
		case "ai_response_chunk":
			if sawResponse {
				t.Fatal("ai_response_chunk after the aggregate response")
			}
			if msg.Text != "" {
				sawChunk = true
			}
		case "response":
			if !sawFinalTranscript || !sawChunk {
				t.Fatal("response arrived before transcript/chunks")
			}
			if msg.FinalResponse != "hello, how can I help?" {
				t.Fatalf("response: %q", msg.FinalResponse)
			}
			sawResponse = true
		case "processing_state":
			if msg.IsProcessing != nil && !*msg.IsProcessing && sawResponse {
				// pipeline drained; audio must all be on the wire by now
				if audioBytes == 0 {
					t.Fatal("expected TTS audio bytes before processing_state false")
				}
				turns := store.Turns()
				if len(turns) != 2 || turns[0].Kind != TurnFinalTranscript || turns[1].Kind != TurnFinalResponse {
					t.Fatalf("persisted turns: %+v", turns)
				}
				return
			}
		}
	}
	t.Fatal("pipeline never completed")
}

func TestHandler_ReconnectKeepsSessionMintsNewDBID(t *testing.T) {
	deps := newTestDeps(nil)
	srv := httptest.NewServer(Handler(deps))
	defer srv.Close()

	conn := dialTest(t, srv, "")
	first := mustHandshake(t, conn, "rec-1")

	// abnormal close mid-session
	conn.Close()

	// the session must survive in the table for reconciliation
	waitFor(t, func() bool { return deps.Table.Len() == 1 })

	conn2 := dialTest(t, srv, "")
	defer conn2.Close()
	second := mustHandshake(t, conn2, "rec-1")

	if second.DBSessionID <= first.DBSessionID {
		t.Fatalf("reconnect must mint a fresh db_session_id: %d then %d", first.DBSessionID, second.DBSessionID)
	}
	if deps.Table.Len() != 1 {
		t.Fatalf("reconnect must reuse the session record, table len %d", deps.Table.Len())
	}

	sess, ok := deps.Table.Lookup("rec-1")
	if !ok {
		t.Fatal("session lost after reconnect")
	}
	if sess.State() != StateListening {
		t.Fatalf("post-reconnect state must be Listening, got %s", sess.State())
	}
}

func TestHandler_StopEndsAndRemovesSession(t *testing.T) {
	store := &recordingStore{}
	deps := newTestDeps(store)
	srv := httptest.NewServer(Handler(deps))
	defer srv.Close()

	conn := dialTest(t, srv, "")
	defer conn.Close()
	mustHandshake(t, conn, "stop-1")

	sendJSON(t, conn, ControlMessage{Type: "stop"})

	waitFor(t, func() bool { return deps.Table.Len() == 0 })
	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.ended
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
