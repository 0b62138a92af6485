package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// TurnKind distinguishes the two kinds of turn the core persists through the
// SessionStore delegate, spec §6's "Persisted state".
type TurnKind string

const (
	TurnFinalTranscript TurnKind = "final_transcript"
	TurnFinalResponse   TurnKind = "final_response"
)

type Turn struct {
	Kind TurnKind
	Text string
	At   time.Time
}

// SessionStore is the external persistence collaborator named in spec §6;
// the core never touches a database directly, only this interface.
type SessionStore interface {
	AppendTurn(ctx context.Context, sessionID string, turn Turn) error
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
}

// NoopStore discards every call. It is the default when no SessionStore is
// wired, mirroring pkg/orchestrator's NoOpLogger.
type NoopStore struct{}

func (NoopStore) AppendTurn(context.Context, string, Turn) error      { return nil }
func (NoopStore) EndSession(context.Context, string, time.Time) error { return nil }

// dbSessionCounter mints db_session_id values: monotonic per process,
// assigned once per transport bind and again on every reconnect.
var dbSessionCounter uint64

func nextDBSessionID() uint64 {
	return atomic.AddUint64(&dbSessionCounter, 1)
}

// Utterance mirrors spec §3's Utterance entity. Merge/dedupe logic belongs to
// pkg/orchestrator's Assembler; this is just the identity and lifecycle
// record the session layer hangs events off.
type Utterance struct {
	ID             int
	Open           bool
	FinalText      string
	FinalEmittedAt time.Time
}

// Session is the server-side record for one logical conversation (spec §3).
// Its ManagedStream does the STT/VAD/LLM/TTS work; Session adds the identity,
// lifecycle and persistence bookkeeping the data model assigns separately
// from the pipeline itself.
type Session struct {
	mu sync.RWMutex

	SessionID      string
	DBSessionID    uint64
	ConsultationID string
	ProviderSTT    string
	ProviderTTS    string
	Language       orchestrator.Language

	CreatedAt      time.Time
	LastActivityAt time.Time

	sm *StateMachine

	Conversation *orchestrator.ConversationSession
	Stream       *orchestrator.ManagedStream

	nextUtteranceID int
	utterance       *Utterance

	store SessionStore
}

func NewSession(sessionID string, store SessionStore) *Session {
	if store == nil {
		store = NoopStore{}
	}
	now := time.Now()
	return &Session{
		SessionID:      sessionID,
		DBSessionID:    nextDBSessionID(),
		CreatedAt:      now,
		LastActivityAt: now,
		sm:             NewStateMachine(),
		store:          store,
	}
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.LastActivityAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.LastActivityAt)
}

func (s *Session) State() State { return s.sm.State() }

func (s *Session) Transition(to State) error { return s.sm.Transition(to) }

// OpenUtterance starts a fresh utterance, replacing any prior one: spec §3
// allows at most one open utterance per session.
func (s *Session) OpenUtterance() *Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUtteranceID++
	s.utterance = &Utterance{ID: s.nextUtteranceID, Open: true}
	return s.utterance
}

func (s *Session) FinalizeUtterance(text string, at time.Time) *Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.utterance == nil {
		s.nextUtteranceID++
		s.utterance = &Utterance{ID: s.nextUtteranceID}
	}
	s.utterance.Open = false
	s.utterance.FinalText = text
	s.utterance.FinalEmittedAt = at
	return s.utterance
}

func (s *Session) PersistTranscript(ctx context.Context, text string) error {
	return s.store.AppendTurn(ctx, s.SessionID, Turn{Kind: TurnFinalTranscript, Text: text, At: time.Now()})
}

func (s *Session) PersistResponse(ctx context.Context, text string) error {
	return s.store.AppendTurn(ctx, s.SessionID, Turn{Kind: TurnFinalResponse, Text: text, At: time.Now()})
}

func (s *Session) End(ctx context.Context) error {
	s.sm.Transition(StateEnded)
	if s.Stream != nil {
		s.Stream.Close()
	}
	return s.store.EndSession(ctx, s.SessionID, time.Now())
}

// Table is the process-wide session registry keyed by the client-supplied
// session_id: db_session_id is reassigned on every reconnect, session_id is
// the reconciliation key that survives across them.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

func (t *Table) Insert(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.SessionID] = s
}

func (t *Table) Lookup(sessionID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	return s, ok
}

func (t *Table) Remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
