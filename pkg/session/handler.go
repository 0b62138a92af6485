package session

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// Deps bundles everything the duplex handler needs to construct a session's
// pipeline. Provider selection and tunables are resolved once at process
// start (cmd/server) and threaded through here per connection.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Table        *Table
	Store        SessionStore
	AuthToken    string
	IdleTimeout  time.Duration
	Logger       orchestrator.Logger
}

func (d Deps) logger() orchestrator.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return &orchestrator.NoOpLogger{}
}

func (d Deps) idleTimeout() time.Duration {
	if d.IdleTimeout > 0 {
		return d.IdleTimeout
	}
	return 120 * time.Second
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ControlMessage is the tagged-union JSON envelope for every client<->server
// control message (spec §6): one flat struct with omitempty fields covering
// every `type`, matching the spec's wire examples.
type ControlMessage struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id,omitempty"`
	Language       string `json:"language,omitempty"`
	Provider       string `json:"provider,omitempty"`
	ConsultationID string `json:"consultation_id,omitempty"`

	Encoding    string `json:"encoding,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Audio       string `json:"audio,omitempty"`
	FirstChunk  *bool  `json:"first_chunk,omitempty"`
	IsStreaming bool   `json:"is_streaming,omitempty"`

	Text   string `json:"text,omitempty"`
	UseRAG bool   `json:"use_rag,omitempty"`

	DBSessionID uint64 `json:"db_session_id,omitempty"`
	Message     string `json:"message,omitempty"`

	SignalType string `json:"signal_type,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	FinalResponse string `json:"final_response,omitempty"`
	IsProcessing  *bool  `json:"is_processing,omitempty"`
	IsFinal       bool   `json:"is_final,omitempty"`

	Code string `json:"code,omitempty"`
}

// Handler serves the duplex `/conversation/stream` endpoint (spec §4.7/§6):
// bearer-token gate before upgrade, then handshake + 5-task pipeline per
// connection.
func Handler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if deps.AuthToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(deps.AuthToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.logger().Warn("websocket upgrade failed", "error", err)
			return
		}

		serveDuplex(r.Context(), deps, conn)
	}
}

func serveDuplex(parent context.Context, deps Deps, conn *websocket.Conn) {
	transport := NewTransport(conn)
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer conn.Close()

	sess, err := awaitHandshake(ctx, deps, transport)
	if err != nil {
		deps.logger().Warn("handshake failed", "error", err)
		transport.Close(4000, "handshake failed")
		return
	}

	// An abnormal close keeps the session in the table so the client can
	// reconnect under the same session_id (spec §4.7); only an explicit stop
	// or the idle monitor reaches Ended, and only then is the record removed
	// and the store told the session is over.
	defer func() {
		sess.Stream.Close()
		if sess.State() == StateEnded {
			deps.Table.Remove(sess.SessionID)
		}
	}()

	egress := make(chan WireFrame, 64)
	limiter := NewIngressLimiter(0, 0)

	// ReadPump can only be unblocked by closing the socket; tie that to the
	// session context so an explicit stop or idle-end tears the whole
	// connection down instead of waiting out the read deadline.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go transport.WritePump(ctx.Done(), egress)
	go forwardEvents(ctx, sess, egress, deps)
	go monitorIdle(ctx, sess, deps.idleTimeout(), transport, cancel)

	onBinary := func(data []byte) {
		sess.Touch()
		if !limiter.Allow() {
			pushError(ctx, egress, orchestrator.KindBackpressure, "audio ingress rate exceeded")
			return
		}
		sess.Stream.Write(data)
	}
	onControl := func(data []byte) {
		handleControl(ctx, cancel, deps, sess, egress, limiter, data)
	}

	transport.ReadPump(cancel, onBinary, onControl)
}

// awaitHandshake blocks for the first message on a freshly upgraded
// connection and requires it to be `{type:"init"}`: everything else (audio,
// text, flush) before a session exists is a protocol violation. A
// session_id already in the table means a reconnect: conversation state and
// history survive, db_session_id is reminted, and the aborted in-flight
// response (if any) is not replayed (spec S4).
func awaitHandshake(ctx context.Context, deps Deps, transport *Transport) (*Session, error) {
	transport.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := transport.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("handshake read failed: %w", err)
	}
	transport.conn.SetReadDeadline(time.Time{})

	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "init" {
		return nil, fmt.Errorf("expected init as first message")
	}
	if msg.SessionID == "" {
		return nil, fmt.Errorf("init missing session_id")
	}

	sess, reconnect := deps.Table.Lookup(msg.SessionID)
	if reconnect {
		if sess.Stream != nil {
			sess.Stream.Close()
		}
		sess.mu.Lock()
		sess.DBSessionID = nextDBSessionID()
		sess.mu.Unlock()
		sess.Stream = deps.Orchestrator.NewManagedStream(ctx, sess.Conversation)
		sess.Transition(StateListening)
	} else {
		sess = NewSession(msg.SessionID, deps.Store)
		sess.ProviderSTT = msg.Provider
		sess.ProviderTTS = msg.Provider
		sess.ConsultationID = msg.ConsultationID

		conv := deps.Orchestrator.NewSessionWithDefaults(msg.SessionID)
		if msg.Language != "" {
			lang := orchestrator.Language(msg.Language)
			conv.CurrentLanguage = lang
			sess.Language = lang
		}
		sess.Conversation = conv
		sess.Stream = deps.Orchestrator.NewManagedStream(ctx, conv)
		deps.Table.Insert(sess)
	}

	err = transport.SendControl(ControlMessage{
		Type:           "connection_established",
		DBSessionID:    sess.DBSessionID,
		ConsultationID: sess.ConsultationID,
		Message:        "ready",
	})
	return sess, err
}

func handleControl(ctx context.Context, cancel context.CancelFunc, deps Deps, sess *Session, egress chan<- WireFrame, limiter *rate.Limiter, data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		pushError(ctx, egress, orchestrator.KindProtocolViolation, "malformed control message")
		return
	}

	switch msg.Type {
	case "init":
		// A repeated init on an already-handshaken connection is ignored
		// rather than rejected: some clients resend it defensively.
	case "ping":
		pushControl(ctx, egress, ControlMessage{Type: "pong"})
	case "audio_chunk":
		sess.Touch()
		if !limiter.Allow() {
			pushError(ctx, egress, orchestrator.KindBackpressure, "audio ingress rate exceeded")
			return
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			pushError(ctx, egress, orchestrator.KindProtocolViolation, "invalid base64 audio")
			return
		}
		if msg.Language != "" {
			sess.Conversation.CurrentLanguage = orchestrator.Language(msg.Language)
		}
		sess.Stream.Write(raw)
	case "final_audio":
		sess.Touch()
		if sess.ProviderSTT == "A" && !deps.Orchestrator.GetConfig().FinalAudioEnabledForA {
			return
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			return
		}
		sess.Stream.Write(raw)
	case "flush":
		sess.Touch()
		go sess.Stream.Flush()
	case "text":
		sess.Touch()
		if err := sess.Transition(StateProcessing); err != nil {
			pushError(ctx, egress, orchestrator.KindProtocolViolation, err.Error())
			return
		}
		sess.Conversation.AddMessage("user", msg.Text)
		go sess.Stream.ProcessText(ctx, msg.Text)
	case "stop":
		sess.End(ctx)
		cancel()
	default:
		pushError(ctx, egress, orchestrator.KindProtocolViolation, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func pushControl(ctx context.Context, egress chan<- WireFrame, msg ControlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case egress <- WireFrame{Data: data}:
	case <-ctx.Done():
	}
}

func pushError(ctx context.Context, egress chan<- WireFrame, kind orchestrator.ErrorKind, message string) {
	pushControl(ctx, egress, ControlMessage{Type: "error", Code: kind.String(), Message: message})
}

// forwardEvents is the orchestrator->egress translation task: it owns the
// one Playback instance for this session's TTS downlink and is the only
// writer of audio bytes into egress, so chunk order is exactly the order
// ManagedStream produced them in.
func forwardEvents(ctx context.Context, sess *Session, egress chan<- WireFrame, deps Deps) {
	playback := NewPlayback(ProviderKindFromString(sess.ProviderTTS), func(b []byte) error {
		select {
		case egress <- WireFrame{Binary: true, Data: b}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	retry := &RetryBudget{}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.Stream.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case orchestrator.UserSpeaking:
				retry = &RetryBudget{}
				sess.Transition(StateListening)
				pushControl(ctx, egress, ControlMessage{Type: "vad_signal", SignalType: "START_SPEECH"})
			case orchestrator.UserStopped:
				sess.Transition(StateProcessing)
				pushControl(ctx, egress, ControlMessage{Type: "vad_signal", SignalType: "END_SPEECH"})
			case orchestrator.TranscriptPartial:
				text, _ := ev.Data.(string)
				pushControl(ctx, egress, ControlMessage{Type: "streaming_transcript", Transcript: text})
			case orchestrator.TranscriptFinal:
				text, _ := ev.Data.(string)
				sess.FinalizeUtterance(text, time.Now())
				pushControl(ctx, egress, ControlMessage{Type: "final_transcript", Transcript: text})
				sess.PersistTranscript(ctx, text)
			case orchestrator.BotThinking:
				processing := true
				pushControl(ctx, egress, ControlMessage{Type: "processing_state", IsProcessing: &processing})
			case orchestrator.BotResponseChunk:
				chunk, _ := ev.Data.(orchestrator.ResponseChunk)
				pushControl(ctx, egress, ControlMessage{Type: "ai_response_chunk", Text: chunk.Text, IsFinal: chunk.IsFinal})
			case orchestrator.BotResponse:
				text, _ := ev.Data.(string)
				pushControl(ctx, egress, ControlMessage{Type: "response", FinalResponse: text})
				sess.PersistResponse(ctx, text)
				retry = &RetryBudget{}
			case orchestrator.BotSpeaking:
				sess.Transition(StateSpeaking)
			case orchestrator.AudioChunk:
				chunk, _ := ev.Data.([]byte)
				if err := playback.Write(chunk); err != nil {
					return
				}
			case orchestrator.BotDoneSpeaking:
				playback.Flush()
				processing := false
				pushControl(ctx, egress, ControlMessage{Type: "processing_state", IsProcessing: &processing})
				go resumeAfterGrace(ctx, sess, deps)
			case orchestrator.Interrupted:
				playback.Flush()
				sess.Transition(StateListening)
			case orchestrator.ErrorEvent:
				// ManagedStream has already given up internally by the time
				// this event arrives; NextAction only decides whether this
				// particular transient error is still within budget (swallow
				// it, client never sees it) or must escalate and surface.
				raw, _ := ev.Data.(string)
				ve := Classify(fmt.Errorf("%s", raw))
				if shouldRetry, backoff, escalated := retry.NextAction(ve.Kind); shouldRetry {
					time.Sleep(backoff)
					continue
				} else {
					ve.Kind = escalated
				}
				pushControl(ctx, egress, ControlMessage{Type: "error", Code: ve.Kind.String(), Message: ve.Message})
				retry = &RetryBudget{}
				if ve.Kind.Fatal() {
					return
				}
				sess.Transition(StateListening)
			}
		}
	}
}

func resumeAfterGrace(ctx context.Context, sess *Session, deps Deps) {
	grace := time.Duration(deps.Orchestrator.GetConfig().ResumeGraceMs) * time.Millisecond
	select {
	case <-time.After(grace):
	case <-ctx.Done():
		return
	}
	sess.Transition(StateListening)
}

func monitorIdle(ctx context.Context, sess *Session, idleTimeout time.Duration, transport *Transport, cancel context.CancelFunc) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sess.IdleFor(time.Now()) > idleTimeout {
				transport.Close(4002, "idle")
				sess.End(context.Background())
				cancel()
				return
			}
		}
	}
}
