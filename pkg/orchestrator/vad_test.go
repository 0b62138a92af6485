package orchestrator

import (
	"testing"
	"time"
)

// pcmChunk builds a PCM16LE chunk whose RMS is approximately level (0..1).
func pcmChunk(level float64, samples int) []byte {
	val := int16(level * 32767.0)
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		out[2*i] = byte(val & 0xFF)
		out[2*i+1] = byte(uint16(val) >> 8)
	}
	return out
}

func driveUntilSpeechStart(t *testing.T, v *RMSVAD, level float64) {
	t.Helper()
	chunk := pcmChunk(level, 256)
	for i := 0; i < v.MinConfirmed()+2; i++ {
		ev, err := v.Process(chunk)
		if err != nil {
			t.Fatal(err)
		}
		if ev != nil && ev.Type == VADSpeechStart {
			return
		}
	}
	t.Fatal("speech start never confirmed")
}

func TestVAD_SpeechStartNeedsConsecutiveFrames(t *testing.T) {
	v := NewDualThresholdVAD(0.137, 0.059, 100*time.Millisecond, 0)

	loud := pcmChunk(0.5, 256)
	for i := 0; i < v.MinConfirmed()-1; i++ {
		ev, _ := v.Process(loud)
		if ev != nil && ev.Type == VADSpeechStart {
			t.Fatalf("speech confirmed after only %d frames", i+1)
		}
	}
	ev, _ := v.Process(loud)
	if ev == nil || ev.Type != VADSpeechStart {
		t.Fatal("expected SPEECH_START once the confirmation run completes")
	}
	if !v.IsSpeaking() {
		t.Fatal("IsSpeaking must report true after SPEECH_START")
	}
}

func TestVAD_SilenceHoldEndsUtterance(t *testing.T) {
	v := NewDualThresholdVAD(0.137, 0.059, 80*time.Millisecond, 0)
	driveUntilSpeechStart(t, v, 0.5)

	quiet := pcmChunk(0.01, 256)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ev, err := v.Process(quiet)
		if err != nil {
			t.Fatal(err)
		}
		if ev != nil && ev.Type == VADSpeechEnd {
			if ev.Reason != ReasonSilence {
				t.Fatalf("expected silence reason, got %s", ev.Reason)
			}
			if v.IsSpeaking() {
				t.Fatal("IsSpeaking must be false after SPEECH_END")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("silence hold never ended the utterance")
}

func TestVAD_LoudFrameCancelsSilenceTimer(t *testing.T) {
	v := NewDualThresholdVAD(0.137, 0.059, 250*time.Millisecond, 0)
	driveUntilSpeechStart(t, v, 0.5)

	quiet := pcmChunk(0.01, 256)
	loud := pcmChunk(0.5, 256)

	// run the silence timer most of the way, then speak again
	for i := 0; i < 8; i++ {
		if ev, _ := v.Process(quiet); ev != nil && ev.Type == VADSpeechEnd {
			t.Fatal("utterance ended before the hold elapsed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	v.Process(loud)

	// the timer must restart from zero: another partial run must not end it
	for i := 0; i < 8; i++ {
		if ev, _ := v.Process(quiet); ev != nil && ev.Type == VADSpeechEnd {
			t.Fatal("silence timer was not reset by renewed speech")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestVAD_MaxDurationCapFiresRegardlessOfLevel(t *testing.T) {
	v := NewDualThresholdVAD(0.137, 0.059, time.Hour, 150*time.Millisecond)
	driveUntilSpeechStart(t, v, 0.5)

	loud := pcmChunk(0.5, 256)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ev, err := v.Process(loud)
		if err != nil {
			t.Fatal(err)
		}
		if ev != nil && ev.Type == VADSpeechEnd {
			if ev.Reason != ReasonMaxDuration {
				t.Fatalf("expected max-duration reason, got %s", ev.Reason)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("max-duration cap never fired on a continuous loud trace")
}

func TestVAD_MidBandNeitherConfirmsNorSilences(t *testing.T) {
	v := NewDualThresholdVAD(0.137, 0.059, 60*time.Millisecond, 0)
	driveUntilSpeechStart(t, v, 0.5)

	// between the thresholds: must not end the utterance however long it runs
	mid := pcmChunk(0.1, 256)
	for i := 0; i < 12; i++ {
		if ev, _ := v.Process(mid); ev != nil && ev.Type == VADSpeechEnd {
			t.Fatal("mid-band level must not end the utterance")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !v.IsSpeaking() {
		t.Fatal("still speaking through a mid-band stretch")
	}
}

func TestVAD_ResetClearsSpeechState(t *testing.T) {
	v := NewDualThresholdVAD(0.137, 0.059, 80*time.Millisecond, 0)
	driveUntilSpeechStart(t, v, 0.5)

	v.Reset()
	if v.IsSpeaking() {
		t.Fatal("Reset must clear the speaking flag")
	}

	// a fresh confirmation run is required again
	loud := pcmChunk(0.5, 256)
	for i := 0; i < v.MinConfirmed()-1; i++ {
		if ev, _ := v.Process(loud); ev != nil && ev.Type == VADSpeechStart {
			t.Fatal("confirmation counter survived Reset")
		}
	}
}

func TestVAD_CloneCopiesConfiguration(t *testing.T) {
	v := NewDualThresholdVAD(0.2, 0.05, 90*time.Millisecond, time.Minute)
	v.SetMinConfirmed(3)

	c, ok := v.Clone().(*RMSVAD)
	if !ok {
		t.Fatal("Clone must return an RMSVAD")
	}
	if c.MinConfirmed() != 3 || c.Threshold() != 0.2 {
		t.Fatal("Clone must carry tuning over")
	}
	if c.IsSpeaking() {
		t.Fatal("Clone must start idle")
	}
}
