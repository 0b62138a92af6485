package session

import (
	"fmt"
	"sync"
)

// State is the Conversation Orchestrator's (C8) top-level state, spec §4.8:
// {Idle, Listening, Processing, Speaking, Ended}.
type State string

const (
	StateIdle       State = "Idle"
	StateListening  State = "Listening"
	StateProcessing State = "Processing"
	StateSpeaking   State = "Speaking"
	StateEnded      State = "Ended"
)

// legalTransitions is the spec §4.8 table, widened only to let a text-only
// turn (spec §6 `{type:"text"}`) skip the VAD phase: Idle->Processing covers
// the first turn of a conversation being text instead of speech, and
// Processing->Listening covers the §7 propagation policy ("orchestrator
// returns to Listening" after a recoverable error aborts a response before
// any TTS byte went out).
var legalTransitions = map[State]map[State]bool{
	StateIdle:       {StateListening: true, StateProcessing: true, StateEnded: true},
	StateListening:  {StateProcessing: true, StateEnded: true},
	StateProcessing: {StateSpeaking: true, StateListening: true, StateEnded: true},
	StateSpeaking:   {StateListening: true, StateEnded: true},
	StateEnded:      {},
}

// StateMachine enforces the legality table. Ended is terminal: once reached,
// every further transition is rejected (testable property 10).
type StateMachine struct {
	mu    sync.Mutex
	state State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition applies one state change. A no-op transition (to == current
// state) always succeeds. Ending is always allowed from any non-Ended state;
// once Ended, nothing is allowed, not even another End.
func (m *StateMachine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateEnded {
		return fmt.Errorf("illegal transition: %s -> %s (session already Ended)", m.state, to)
	}
	if to == StateEnded {
		m.state = StateEnded
		return nil
	}
	if m.state == to {
		return nil
	}
	if !legalTransitions[m.state][to] {
		return fmt.Errorf("illegal transition: %s -> %s", m.state, to)
	}
	m.state = to
	return nil
}
