package session

import "testing"

func TestStateMachine_HappyPathCycle(t *testing.T) {
	m := NewStateMachine()

	steps := []State{StateListening, StateProcessing, StateSpeaking, StateListening}
	for _, to := range steps {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if m.State() != StateListening {
		t.Fatalf("expected Listening after a full turn, got %s", m.State())
	}
}

func TestStateMachine_IdleToSpeakingIsIllegal(t *testing.T) {
	m := NewStateMachine()
	if err := m.Transition(StateSpeaking); err == nil {
		t.Fatal("Idle -> Speaking must be rejected")
	}
	if m.State() != StateIdle {
		t.Fatalf("failed transition must not change state, got %s", m.State())
	}
}

func TestStateMachine_EndedIsTerminal(t *testing.T) {
	m := NewStateMachine()
	if err := m.Transition(StateEnded); err != nil {
		t.Fatalf("any state may End: %v", err)
	}

	for _, to := range []State{StateIdle, StateListening, StateProcessing, StateSpeaking, StateEnded} {
		if err := m.Transition(to); err == nil {
			t.Fatalf("Ended -> %s must be rejected", to)
		}
	}
}

func TestStateMachine_EndAllowedFromEveryLiveState(t *testing.T) {
	paths := [][]State{
		{},
		{StateListening},
		{StateListening, StateProcessing},
		{StateListening, StateProcessing, StateSpeaking},
	}
	for _, path := range paths {
		m := NewStateMachine()
		for _, to := range path {
			if err := m.Transition(to); err != nil {
				t.Fatalf("setup transition to %s: %v", to, err)
			}
		}
		if err := m.Transition(StateEnded); err != nil {
			t.Errorf("End from %s: %v", m.State(), err)
		}
	}
}

func TestStateMachine_RecoverableErrorReturnsToListening(t *testing.T) {
	// the §7 propagation policy: a failed response aborts back to Listening
	m := NewStateMachine()
	m.Transition(StateListening)
	m.Transition(StateProcessing)
	if err := m.Transition(StateListening); err != nil {
		t.Fatalf("Processing -> Listening (recoverable error path): %v", err)
	}

	m2 := NewStateMachine()
	m2.Transition(StateListening)
	m2.Transition(StateProcessing)
	m2.Transition(StateSpeaking)
	if err := m2.Transition(StateListening); err != nil {
		t.Fatalf("Speaking -> Listening (TTS drain): %v", err)
	}
}

func TestStateMachine_NoOpTransitionSucceeds(t *testing.T) {
	m := NewStateMachine()
	m.Transition(StateListening)
	if err := m.Transition(StateListening); err != nil {
		t.Fatalf("no-op transition should succeed: %v", err)
	}
}

func TestStateMachine_TextTurnSkipsListening(t *testing.T) {
	m := NewStateMachine()
	if err := m.Transition(StateProcessing); err != nil {
		t.Fatalf("Idle -> Processing (text-only turn): %v", err)
	}
}
