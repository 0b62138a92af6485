package orchestrator

import (
	"errors"
	"fmt"
)

// Sentinel errors for the lower-level provider-facing API. These predate the
// ErrorKind taxonomy below and stay in place: they are returned directly by
// Orchestrator's synchronous helpers (ProcessAudio, ProcessAudioStream) and
// callers already match on them with errors.Is.
var (
	ErrEmptyTranscription  = errors.New("transcription returned empty text")
	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")
	ErrLLMFailed           = errors.New("language model generation failed")
	ErrTTSFailed           = errors.New("text-to-speech synthesis failed")
	ErrNilProvider         = errors.New("required provider is nil")
	ErrContextCancelled    = errors.New("operation cancelled by context")
)

// ErrorKind is the closed taxonomy the session layer (C7/C8) surfaces to
// clients as the `code` field of an `{type:"error"}` control message, and
// uses to decide propagation policy (retry, fatal-close, or recover-to-
// Listening). Named as enum variants rather than strings throughout.
type ErrorKind int

const (
	KindAuth ErrorKind = iota
	KindProtocolViolation
	KindProviderUnavailable
	KindProviderTransient
	KindTtsProtocolError
	KindTtsTimeout
	KindBackpressure
	KindIdle
	KindInternalBug
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "Auth"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindProviderUnavailable:
		return "ProviderUnavailable"
	case KindProviderTransient:
		return "ProviderTransient"
	case KindTtsProtocolError:
		return "TtsProtocolError"
	case KindTtsTimeout:
		return "TtsTimeout"
	case KindBackpressure:
		return "Backpressure"
	case KindIdle:
		return "Idle"
	case KindInternalBug:
		return "InternalBug"
	default:
		return "Unknown"
	}
}

// Fatal reports whether this kind always closes the transport (per the
// propagation policy in spec §7), as opposed to recovering the session back
// to Listening.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindAuth, KindProtocolViolation, KindInternalBug, KindIdle:
		return true
	default:
		return false
	}
}

// VoiceError is the structured error the session layer works with internally
// and renders into the wire-level `{type:"error", code, message}` event.
type VoiceError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *VoiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *VoiceError) Unwrap() error { return e.Cause }

func NewVoiceError(kind ErrorKind, message string, cause error) *VoiceError {
	return &VoiceError{Kind: kind, Message: message, Cause: cause}
}
