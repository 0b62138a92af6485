package session

import (
	"strings"
	"time"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

const (
	maxProviderRetries   = 2
	providerRetryBackoff = time.Second
)

// Classify maps an error surfaced by ManagedStream's ErrorEvent (a plain
// string predating the session-level ErrorKind taxonomy) onto the closed
// ErrorKind enum, best-effort by message content. Errors raised directly by
// the session layer (auth, protocol violation, idle, backpressure) are
// already *orchestrator.VoiceError and pass through unchanged.
func Classify(err error) *orchestrator.VoiceError {
	if ve, ok := err.(*orchestrator.VoiceError); ok {
		return ve
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "tts") && strings.Contains(lower, "timeout"):
		return orchestrator.NewVoiceError(orchestrator.KindTtsTimeout, msg, err)
	case strings.Contains(lower, "tts"):
		return orchestrator.NewVoiceError(orchestrator.KindTtsProtocolError, msg, err)
	case strings.Contains(lower, "transcri") || strings.Contains(lower, "stt"):
		return orchestrator.NewVoiceError(orchestrator.KindProviderTransient, msg, err)
	case strings.Contains(lower, "llm") || strings.Contains(lower, "language model"):
		return orchestrator.NewVoiceError(orchestrator.KindProviderTransient, msg, err)
	default:
		return orchestrator.NewVoiceError(orchestrator.KindInternalBug, msg, err)
	}
}

// RetryBudget tracks the per-utterance retry count for ProviderTransient
// errors: up to maxProviderRetries retries with a fixed backoff before
// escalating to ProviderUnavailable (spec §7 propagation policy).
type RetryBudget struct {
	attempts int
}

// NextAction decides whether to retry a classified error and, if the budget
// is exhausted, what it escalates to. Non-transient kinds pass through
// unchanged; the caller applies Fatal() to those separately.
func (b *RetryBudget) NextAction(kind orchestrator.ErrorKind) (retry bool, backoff time.Duration, escalated orchestrator.ErrorKind) {
	if kind != orchestrator.KindProviderTransient {
		return false, 0, kind
	}
	b.attempts++
	if b.attempts > maxProviderRetries {
		return false, 0, orchestrator.KindProviderUnavailable
	}
	return true, providerRetryBackoff, kind
}
