package orchestrator

import (
	"math"
	"time"
)

// RMSVAD is a Root Mean Square based Voice Activity Detector with hysteresis:
// a separate speech/silence threshold pair plus a run of consecutive frames
// above threshold before a speech start is confirmed, to filter out spikes
// and echo-onset pops.
type RMSVAD struct {
	speechThreshold  float64
	silenceThreshold float64
	silenceLimit     time.Duration
	maxDuration      time.Duration

	isSpeaking   bool
	silenceStart time.Time
	speechStart  time.Time

	consecutiveFrames int
	minConfirmed      int
	lastRMS           float64

	adaptive bool
}

// NewRMSVAD creates a VAD using a single threshold for both speech and
// silence detection (the simple constructor kept for callers that don't need
// the speech/silence hysteresis band).
func NewRMSVAD(threshold float64, silenceLimit time.Duration) *RMSVAD {
	return &RMSVAD{
		speechThreshold:  threshold,
		silenceThreshold: threshold,
		silenceLimit:     silenceLimit,
		minConfirmed:     7,
		adaptive:         true,
	}
}

// NewDualThresholdVAD matches the turn-controller parameters: a higher bar to
// declare speech started, a lower bar to declare silence, so noise hovering
// between the two doesn't chatter the state.
func NewDualThresholdVAD(speechThreshold, silenceThreshold float64, silenceLimit, maxDuration time.Duration) *RMSVAD {
	return &RMSVAD{
		speechThreshold:  speechThreshold,
		silenceThreshold: silenceThreshold,
		silenceLimit:     silenceLimit,
		maxDuration:      maxDuration,
		minConfirmed:     7,
		adaptive:         true,
	}
}

func (v *RMSVAD) SetMinConfirmed(count int) { v.minConfirmed = count }
func (v *RMSVAD) MinConfirmed() int         { return v.minConfirmed }

func (v *RMSVAD) SetThreshold(threshold float64) {
	v.speechThreshold = threshold
	v.silenceThreshold = threshold
}
func (v *RMSVAD) Threshold() float64 { return v.speechThreshold }

// SetAdaptiveMode records whether the caller may temporarily tune
// threshold/minConfirmed around playback events. The flag is only stored,
// reported by AdaptiveMode and copied by Clone; Process does not read it.
func (v *RMSVAD) SetAdaptiveMode(enabled bool) { v.adaptive = enabled }
func (v *RMSVAD) AdaptiveMode() bool           { return v.adaptive }

func (v *RMSVAD) LastRMS() float64 { return v.lastRMS }
func (v *RMSVAD) IsSpeaking() bool { return v.isSpeaking }

func (v *RMSVAD) Process(chunk []byte) (*VADEvent, error) {
	rms := v.calculateRMS(chunk)
	v.lastRMS = rms
	now := time.Now()

	if rms > v.speechThreshold {
		v.consecutiveFrames++
		if !v.isSpeaking {
			if v.consecutiveFrames >= v.minConfirmed {
				v.isSpeaking = true
				v.speechStart = now
				return &VADEvent{Type: VADSpeechStart, Timestamp: now.UnixMilli()}, nil
			}
			return nil, nil
		}
		v.silenceStart = time.Time{}
		if v.maxDuration > 0 && !v.speechStart.IsZero() && now.Sub(v.speechStart) >= v.maxDuration {
			v.isSpeaking = false
			v.silenceStart = time.Time{}
			v.speechStart = time.Time{}
			return &VADEvent{Type: VADSpeechEnd, Reason: ReasonMaxDuration, Timestamp: now.UnixMilli()}, nil
		}
		return nil, nil
	}

	v.consecutiveFrames = 0

	if v.isSpeaking {
		if v.maxDuration > 0 && !v.speechStart.IsZero() && now.Sub(v.speechStart) >= v.maxDuration {
			v.isSpeaking = false
			v.silenceStart = time.Time{}
			v.speechStart = time.Time{}
			return &VADEvent{Type: VADSpeechEnd, Reason: ReasonMaxDuration, Timestamp: now.UnixMilli()}, nil
		}

		if rms < v.silenceThreshold {
			if v.silenceStart.IsZero() {
				v.silenceStart = now
			}
			if now.Sub(v.silenceStart) >= v.silenceLimit {
				v.isSpeaking = false
				v.silenceStart = time.Time{}
				v.speechStart = time.Time{}
				return &VADEvent{Type: VADSpeechEnd, Reason: ReasonSilence, Timestamp: now.UnixMilli()}, nil
			}
		} else {
			// between silenceThreshold and speechThreshold: neither confirms
			// nor cancels the silence timer, avoiding chatter at the band edge.
		}
	}

	return &VADEvent{Type: VADSilence, Timestamp: now.UnixMilli()}, nil
}

func (v *RMSVAD) Name() string { return "rms_vad" }

func (v *RMSVAD) Reset() {
	v.isSpeaking = false
	v.silenceStart = time.Time{}
	v.speechStart = time.Time{}
	v.consecutiveFrames = 0
}

func (v *RMSVAD) Clone() VADProvider {
	return &RMSVAD{
		speechThreshold:  v.speechThreshold,
		silenceThreshold: v.silenceThreshold,
		silenceLimit:     v.silenceLimit,
		maxDuration:      v.maxDuration,
		minConfirmed:     v.minConfirmed,
		adaptive:         v.adaptive,
	}
}

func (v *RMSVAD) calculateRMS(chunk []byte) float64 {
	if len(chunk) == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(chunk)-1; i += 2 {
		sample := int16(chunk[i]) | (int16(chunk[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
	}

	return math.Sqrt(sum / float64(len(chunk)/2))
}
