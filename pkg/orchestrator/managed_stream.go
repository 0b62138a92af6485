package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ManagedStream drives one session's audio-in / text-out / audio-out
// pipeline. Unlike the barge-in-enabled design this started from, capture is
// suppressed entirely while the assistant is speaking (spec §4.4: barge-in is
// disabled) — the only way to stop an in-flight response is the explicit
// Interrupt()/End-Call path.
type ManagedStream struct {
	orch    *Orchestrator
	session *ConversationSession
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan OrchestratorEvent
	vad     VADProvider

	audioBuf *bytes.Buffer
	mu       sync.Mutex

	pipelineCtx    context.Context
	pipelineCancel context.CancelFunc
	sttChan        chan<- []byte
	sttGeneration  int // detects stale STT callbacks after an Interrupt

	isSpeaking bool
	isThinking bool

	// speakingEndedAt marks when TTS last drained; uplink stays suppressed
	// until ResumeGraceMs after this instant, per spec §4.4.
	speakingEndedAt time.Time

	lastInterruptedAt time.Time
	lastAudioSentAt   time.Time
	userSpeechEndTime time.Time
	botSpeakStartTime time.Time

	lastUserAudio []byte

	sttStartTime      time.Time
	sttEndTime        time.Time
	llmStartTime      time.Time
	llmEndTime        time.Time
	ttsStartTime      time.Time
	ttsFirstChunkTime time.Time
	ttsEndTime        time.Time

	assembler *Assembler

	responseCancel context.CancelFunc
	ttsCancel      context.CancelFunc
	echoSuppressor *EchoSuppressor
	closeOnce      sync.Once

	// droppedDuringSpeaking counts uplink chunks discarded while Speaking or
	// within the resume grace after it, surfaced for testable property 9 /
	// scenario S5.
	droppedDuringSpeaking int
}

func NewManagedStream(ctx context.Context, o *Orchestrator, session *ConversationSession) *ManagedStream {
	mCtx, mCancel := context.WithCancel(ctx)

	var streamVAD VADProvider
	if o.vad != nil {
		streamVAD = o.vad.Clone()
	}

	cfg := o.GetConfig()

	ms := &ManagedStream{
		orch:           o,
		session:        session,
		ctx:            mCtx,
		cancel:         mCancel,
		events:         make(chan OrchestratorEvent, 1024),
		audioBuf:       new(bytes.Buffer),
		vad:            streamVAD,
		echoSuppressor: NewEchoSuppressor(),
		assembler:      NewAssembler(cfg.PartialMergeThreshold, time.Duration(cfg.FinalDedupeWindowMs)*time.Millisecond),
	}

	return ms
}

func (ms *ManagedStream) LastRMS() float64 {
	if ms.vad == nil {
		return 0.0
	}
	if rmsVAD, ok := ms.vad.(*RMSVAD); ok {
		return rmsVAD.LastRMS()
	}
	return 0.0
}

// IsSpeaking reports whether the assistant's TTS is currently streaming out.
func (ms *ManagedStream) IsSpeaking() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.isSpeaking
}

func (ms *ManagedStream) IsUserSpeaking() bool {
	if ms.vad == nil {
		return false
	}
	if rmsVAD, ok := ms.vad.(*RMSVAD); ok {
		return rmsVAD.IsSpeaking()
	}
	return false
}

// DroppedDuringSpeaking reports how many uplink audio chunks have been
// discarded because they arrived while the assistant was speaking or within
// the resume grace after it stopped.
func (ms *ManagedStream) DroppedDuringSpeaking() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.droppedDuringSpeaking
}

// ProcessText drives a text-only turn: skips STT/VAD entirely and runs the
// same LLM->TTS pipeline a voice utterance would after its final transcript.
// The caller is responsible for appending the user message to the session's
// context first.
func (ms *ManagedStream) ProcessText(ctx context.Context, text string) {
	ms.emit(TranscriptFinal, text)
	ms.runLLMAndTTS(ctx, text)
}

// Interrupt is the explicit "End Call"-style abort: it is the only way to
// stop an in-flight response, since normal barge-in is disabled by policy.
func (ms *ManagedStream) Interrupt() {
	ms.internalInterrupt()
}

// Flush forces end-of-utterance handling as if the VAD had seen the silence
// hold elapse: the current utterance finalizes on whatever audio has arrived.
// Backs the client's explicit `flush` control message.
func (ms *ManagedStream) Flush() {
	ms.mu.Lock()
	ms.userSpeechEndTime = time.Now()
	if ms.vad != nil {
		ms.vad.Reset()
	}
	if ms.sttChan != nil {
		// Streaming STT in flight: stop feeding it and let its own
		// finalize/EOF signal produce the final transcript.
		ms.sttChan = nil
		ms.mu.Unlock()
		ms.emit(UserStopped, nil)
		return
	}
	audioData := make([]byte, ms.audioBuf.Len())
	copy(audioData, ms.audioBuf.Bytes())
	ms.audioBuf.Reset()
	ms.mu.Unlock()

	ms.emit(UserStopped, nil)
	ms.runBatchPipeline(audioData)
}

func (ms *ManagedStream) inResumeGrace(now time.Time) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.speakingEndedAt.IsZero() {
		return false
	}
	grace := time.Duration(ms.orch.GetConfig().ResumeGraceMs) * time.Millisecond
	return now.Sub(ms.speakingEndedAt) < grace
}

// Write ingests one chunk of uplink PCM. Per spec §4.4, while the assistant
// is Speaking (or within the short resume grace after it stops), uplink is
// dropped server-side rather than analyzed for barge-in.
func (ms *ManagedStream) Write(chunk []byte) error {
	if ms.vad == nil {
		return fmt.Errorf("VAD not configured for this stream")
	}

	ms.mu.Lock()
	speaking := ms.isSpeaking
	ms.mu.Unlock()

	if speaking {
		ms.mu.Lock()
		ms.droppedDuringSpeaking++
		ms.mu.Unlock()
		return nil
	}

	if ms.inResumeGrace(time.Now()) {
		ms.mu.Lock()
		ms.droppedDuringSpeaking++
		ms.mu.Unlock()
		return nil
	}

	// Real-time echo removal guards the tail end of the grace window: if the
	// mic is still picking up the speaker's own just-finished playback, treat
	// it as silence rather than a fresh user turn.
	isLikelyEchoByEnergy := false
	if ms.echoSuppressor != nil {
		origSamples := bytesToSamples(chunk)
		origEnergy := calculateEnergy(origSamples)

		cleaned := ms.echoSuppressor.RemoveEchoRealtime(chunk)

		cleanedEnergy := calculateEnergy(bytesToSamples(cleaned))
		if cleanedEnergy < 1e-8 || (origEnergy > 0 && cleanedEnergy/origEnergy < 0.02) {
			isLikelyEchoByEnergy = true
			chunk = cleaned
		} else {
			chunk = cleaned
		}
	}

	event, err := ms.vad.Process(chunk)
	if err != nil {
		return err
	}

	if event != nil && event.Type != VADSilence {
		switch event.Type {
		case VADSpeechStart:
			ms.emit(UserSpeaking, nil)
			ms.mu.Lock()
			ms.sttStartTime = time.Time{}
			ms.sttEndTime = time.Time{}
			ms.llmStartTime = time.Time{}
			ms.llmEndTime = time.Time{}
			ms.ttsStartTime = time.Time{}
			ms.ttsFirstChunkTime = time.Time{}
			ms.ttsEndTime = time.Time{}
			ms.lastUserAudio = nil
			ms.mu.Unlock()

			ms.assembler = NewAssembler(ms.orch.GetConfig().PartialMergeThreshold, time.Duration(ms.orch.GetConfig().FinalDedupeWindowMs)*time.Millisecond)

			if sProvider, ok := ms.orch.stt.(StreamingSTTProvider); ok {
				ms.startStreamingSTT(sProvider)
			}

		case VADSpeechEnd:
			ms.mu.Lock()
			ms.userSpeechEndTime = time.Now()
			ms.mu.Unlock()
			ms.emit(UserStopped, nil)

			ms.mu.Lock()
			sttChan := ms.sttChan
			if sttChan != nil {
				ms.sttChan = nil
				ms.mu.Unlock()
				// let the streaming provider finish on what it already has;
				// its own flush/EOF signal will produce the final transcript.
			} else {
				audioData := make([]byte, ms.audioBuf.Len())
				copy(audioData, ms.audioBuf.Bytes())
				ms.audioBuf.Reset()
				ms.mu.Unlock()
				ms.runBatchPipeline(audioData)
			}

		case VADSilence:
			// no-op
		}
	}

	isEcho := isLikelyEchoByEnergy
	if !isEcho && ms.echoSuppressor != nil {
		ms.mu.Lock()
		lead := ms.audioBuf.Bytes()
		ms.mu.Unlock()
		leadBytes := 8820
		if len(lead) > leadBytes {
			lead = lead[len(lead)-leadBytes:]
		}
		check := make([]byte, 0, len(lead)+len(chunk))
		check = append(check, lead...)
		check = append(check, chunk...)
		if ms.echoSuppressor.IsEcho(check) {
			isEcho = true
		}
	}

	ms.mu.Lock()
	sttChan := ms.sttChan
	if sttChan != nil && !isEcho {
		ms.lastUserAudio = append(ms.lastUserAudio, chunk...)
	}
	ms.mu.Unlock()

	if sttChan != nil && !isEcho {
		select {
		case sttChan <- chunk:
		default:
		}
	}

	isUserSpeaking := ms.IsUserSpeaking()

	ms.mu.Lock()
	if !isEcho {
		ms.audioBuf.Write(chunk)
		if !isUserSpeaking && ms.audioBuf.Len() > 176400 {
			data := ms.audioBuf.Bytes()
			leadIn := data[len(data)-132300:]
			ms.audioBuf.Reset()
			ms.audioBuf.Write(leadIn)
		}
	}
	ms.mu.Unlock()

	return nil
}

func (ms *ManagedStream) startStreamingSTT(provider StreamingSTTProvider) {
	ctx, cancel := context.WithCancel(ms.ctx)

	ms.mu.Lock()
	currentGeneration := ms.sttGeneration
	ms.mu.Unlock()

	sttChan, err := provider.StreamTranscribe(ctx, ms.session.GetCurrentLanguage(), func(transcript string, isFinal bool) error {
		ms.mu.Lock()
		isStale := ms.sttGeneration != currentGeneration
		ms.mu.Unlock()
		if isStale {
			return nil
		}

		if !isFinal {
			caption := ms.assembler.AddPartial(transcript)
			ms.emit(TranscriptPartial, caption)
			return nil
		}

		ms.mu.Lock()
		ms.sttEndTime = time.Now()
		ms.mu.Unlock()

		candidate := SelectFinal(transcript, ms.assembler.Caption())
		accepted, ok := ms.assembler.AcceptFinal(candidate, time.Now())
		if !ok {
			return nil // duplicate final within the dedupe window, swallowed
		}

		ms.emit(TranscriptFinal, accepted)
		ms.session.AddMessage("user", accepted)
		ms.runLLMAndTTS(ctx, accepted)
		return nil
	})

	if err != nil {
		ms.emit(ErrorEvent, fmt.Sprintf("failed to start streaming STT: %v", err))
		cancel()
		return
	}

	ms.mu.Lock()
	ms.pipelineCtx = ctx
	ms.pipelineCancel = cancel
	ms.sttChan = sttChan
	ms.sttStartTime = time.Now()
	bufLen := ms.audioBuf.Len()
	ms.mu.Unlock()

	if bufLen > 0 {
		ms.mu.Lock()
		data := make([]byte, ms.audioBuf.Len())
		copy(data, ms.audioBuf.Bytes())
		ms.lastUserAudio = make([]byte, len(data))
		copy(ms.lastUserAudio, data)
		ms.audioBuf.Reset()
		ms.mu.Unlock()
		select {
		case sttChan <- data:
		default:
		}
	}
}

func (ms *ManagedStream) runBatchPipeline(audioData []byte) {
	if len(audioData) == 0 {
		return
	}

	ms.mu.Lock()
	ctx, cancel := context.WithCancel(ms.ctx)
	ms.pipelineCtx = ctx
	ms.pipelineCancel = cancel
	ms.sttStartTime = time.Now()
	ms.lastUserAudio = make([]byte, len(audioData))
	copy(ms.lastUserAudio, audioData)
	ms.mu.Unlock()
	defer cancel()

	ms.emit(BotThinking, nil)

	transcript, err := ms.orch.Transcribe(ctx, audioData, ms.session.GetCurrentLanguage())
	ms.mu.Lock()
	if err == nil {
		ms.sttEndTime = time.Now()
	}
	ms.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			ms.emit(ErrorEvent, fmt.Sprintf("transcription error: %v", err))
		}
		return
	}
	if transcript == "" {
		return
	}

	candidate := SelectFinal(transcript, ms.assembler.Caption())
	accepted, ok := ms.assembler.AcceptFinal(candidate, time.Now())
	if !ok {
		return
	}

	ms.emit(TranscriptFinal, accepted)
	ms.session.AddMessage("user", accepted)

	ms.runLLMAndTTS(ctx, accepted)
}

func (ms *ManagedStream) runLLMAndTTS(ctx context.Context, transcript string) {
	if sLLM, ok := ms.orch.llm.(StreamingLLMProvider); ok {
		ms.runStreamingLLMAndTTS(ctx, sLLM)
		return
	}

	ms.mu.Lock()
	if ms.responseCancel != nil {
		ms.responseCancel()
	}
	if ms.ttsCancel != nil {
		ms.ttsCancel()
	}

	rCtx, rCancel := context.WithCancel(ctx)
	ms.responseCancel = rCancel
	ms.isThinking = true
	ms.mu.Unlock()

	defer rCancel()

	ms.emit(BotThinking, nil)

	ms.mu.Lock()
	ms.llmStartTime = time.Now()
	ms.mu.Unlock()

	response, err := ms.orch.GenerateResponse(rCtx, ms.session)
	ms.mu.Lock()
	if err == nil {
		ms.llmEndTime = time.Now()
	}
	ms.mu.Unlock()

	if err != nil {
		if rCtx.Err() == nil {
			ms.emit(ErrorEvent, fmt.Sprintf("LLM error: %v", err))
		}
		ms.mu.Lock()
		ms.isThinking = false
		ms.mu.Unlock()
		return
	}

	ms.session.AddMessage("assistant", response)
	// The batch path has no incremental tokens; surface the whole response as
	// one chunk so consumers see the same event shape as the streaming path.
	ms.emit(BotResponseChunk, ResponseChunk{Text: response})
	ms.emit(BotResponseChunk, ResponseChunk{IsFinal: true})
	ms.emit(BotResponse, response)

	ms.mu.Lock()
	ms.isThinking = false
	ms.isSpeaking = true
	if ms.vad != nil {
		ms.vad.Reset()
	}
	ttsCtx, ttsCancel := context.WithCancel(rCtx)
	ms.ttsCancel = ttsCancel
	ms.mu.Unlock()

	defer ttsCancel()

	ms.mu.Lock()
	ms.botSpeakStartTime = time.Now()
	ms.ttsStartTime = ms.botSpeakStartTime
	ms.mu.Unlock()
	ms.emit(BotSpeaking, nil)

	err = ms.orch.SynthesizeStream(ttsCtx, response, ms.session.GetCurrentVoice(), ms.session.GetCurrentLanguage(), func(chunk []byte) error {
		select {
		case <-ttsCtx.Done():
			return ttsCtx.Err()
		default:
			ms.mu.Lock()
			ms.lastAudioSentAt = time.Now()
			if ms.ttsFirstChunkTime.IsZero() {
				ms.ttsFirstChunkTime = time.Now()
			}
			ms.mu.Unlock()

			ms.echoSuppressor.RecordPlayedAudio(chunk)
			ms.emit(AudioChunk, chunk)
			return nil
		}
	})

	ms.mu.Lock()
	if !ms.ttsStartTime.IsZero() {
		ms.ttsEndTime = time.Now()
	}
	ms.mu.Unlock()

	if err != nil && ttsCtx.Err() == nil {
		ms.emit(ErrorEvent, fmt.Sprintf("TTS error: %v", err))
	}

	ms.mu.Lock()
	ms.isSpeaking = false
	ms.speakingEndedAt = time.Now()
	ms.ttsCancel = nil
	ms.mu.Unlock()

	ms.emit(BotDoneSpeaking, nil)
}

// runStreamingLLMAndTTS is the low-latency response path: LLM token chunks
// stream out as BotResponseChunk events and feed a SpeechBridge that starts
// synthesizing at the first sentence boundary, instead of waiting on the full
// completion the way the batch path does.
func (ms *ManagedStream) runStreamingLLMAndTTS(ctx context.Context, llm StreamingLLMProvider) {
	ms.mu.Lock()
	if ms.responseCancel != nil {
		ms.responseCancel()
	}
	if ms.ttsCancel != nil {
		ms.ttsCancel()
	}

	rCtx, rCancel := context.WithCancel(ctx)
	ms.responseCancel = rCancel
	ms.isThinking = true
	ms.llmStartTime = time.Now()
	ms.mu.Unlock()

	defer rCancel()

	ms.emit(BotThinking, nil)

	onSpeechStart := func() {
		ms.mu.Lock()
		ms.isThinking = false
		ms.isSpeaking = true
		if ms.vad != nil {
			ms.vad.Reset()
		}
		ms.botSpeakStartTime = time.Now()
		ms.ttsStartTime = ms.botSpeakStartTime
		ms.mu.Unlock()
		ms.emit(BotSpeaking, nil)
	}

	onAudio := func(chunk []byte) error {
		select {
		case <-rCtx.Done():
			return rCtx.Err()
		default:
		}
		ms.mu.Lock()
		ms.lastAudioSentAt = time.Now()
		if ms.ttsFirstChunkTime.IsZero() {
			ms.ttsFirstChunkTime = time.Now()
		}
		ms.mu.Unlock()

		ms.echoSuppressor.RecordPlayedAudio(chunk)
		ms.emit(AudioChunk, chunk)
		return nil
	}

	bridge := NewSpeechBridge(ms.orch, ms.session, onSpeechStart, onAudio)

	var full strings.Builder
	err := llm.StreamComplete(rCtx, ms.session.GetContextCopy(), func(text string, isFinal bool) error {
		if text != "" {
			full.WriteString(text)
			ms.emit(BotResponseChunk, ResponseChunk{Text: text})
			if pushErr := bridge.Push(rCtx, text); pushErr != nil {
				return pushErr
			}
		}
		if isFinal {
			ms.mu.Lock()
			ms.llmEndTime = time.Now()
			ms.mu.Unlock()
			ms.emit(BotResponseChunk, ResponseChunk{IsFinal: true})
		}
		return nil
	})

	if err == nil {
		err = bridge.Finish(rCtx)
	}

	ms.mu.Lock()
	wasSpeaking := ms.isSpeaking
	ms.isSpeaking = false
	ms.isThinking = false
	if wasSpeaking {
		ms.speakingEndedAt = time.Now()
		ms.ttsEndTime = time.Now()
	}
	ms.ttsCancel = nil
	ms.mu.Unlock()

	if err != nil {
		if rCtx.Err() == nil {
			ms.emit(ErrorEvent, fmt.Sprintf("LLM/TTS stream error: %v", err))
		}
		if wasSpeaking {
			ms.emit(BotDoneSpeaking, nil)
		}
		return
	}

	response := full.String()
	ms.session.AddMessage("assistant", response)
	ms.emit(BotResponse, response)
	if wasSpeaking {
		ms.emit(BotDoneSpeaking, nil)
	}
}

func (ms *ManagedStream) NotifyAudioPlayed() {
	ms.mu.Lock()
	ms.lastAudioSentAt = time.Now()
	ms.mu.Unlock()
}

func (ms *ManagedStream) RecordPlayedOutput(chunk []byte) {
	if ms.echoSuppressor == nil || len(chunk) == 0 {
		return
	}
	ms.echoSuppressor.RecordPlayedAudio(chunk)
}

func (ms *ManagedStream) GetLatency() int64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.userSpeechEndTime.IsZero() || ms.botSpeakStartTime.IsZero() {
		return 0
	}
	if ms.botSpeakStartTime.Before(ms.userSpeechEndTime) {
		return 0
	}
	return ms.botSpeakStartTime.Sub(ms.userSpeechEndTime).Milliseconds()
}

type LatencyBreakdown struct {
	UserToSTT          int64
	STT                int64
	UserToLLM          int64
	LLM                int64
	UserToTTSFirstByte int64
	LLMToTTSFirstByte  int64
	TTSTotal           int64
	BotStartLatency    int64
	UserToPlay         int64
}

func (ms *ManagedStream) GetEndToEndLatency() int64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.userSpeechEndTime.IsZero() || ms.lastAudioSentAt.IsZero() {
		return 0
	}
	if ms.lastAudioSentAt.Before(ms.userSpeechEndTime) {
		return 0
	}
	return ms.lastAudioSentAt.Sub(ms.userSpeechEndTime).Milliseconds()
}

func (ms *ManagedStream) GetLatencyBreakdown() LatencyBreakdown {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var bd LatencyBreakdown
	if ms.userSpeechEndTime.IsZero() {
		return bd
	}

	if !ms.sttEndTime.IsZero() {
		bd.UserToSTT = ms.sttEndTime.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	if !ms.sttStartTime.IsZero() && !ms.sttEndTime.IsZero() {
		bd.STT = ms.sttEndTime.Sub(ms.sttStartTime).Milliseconds()
	}
	if !ms.llmEndTime.IsZero() {
		bd.UserToLLM = ms.llmEndTime.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	if !ms.llmStartTime.IsZero() && !ms.llmEndTime.IsZero() {
		bd.LLM = ms.llmEndTime.Sub(ms.llmStartTime).Milliseconds()
	}
	if !ms.ttsFirstChunkTime.IsZero() {
		bd.UserToTTSFirstByte = ms.ttsFirstChunkTime.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	if !ms.llmEndTime.IsZero() && !ms.ttsFirstChunkTime.IsZero() {
		bd.LLMToTTSFirstByte = ms.ttsFirstChunkTime.Sub(ms.llmEndTime).Milliseconds()
	}
	if !ms.ttsStartTime.IsZero() && !ms.ttsEndTime.IsZero() {
		bd.TTSTotal = ms.ttsEndTime.Sub(ms.ttsStartTime).Milliseconds()
	}
	if !ms.botSpeakStartTime.IsZero() {
		bd.BotStartLatency = ms.botSpeakStartTime.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	if !ms.lastAudioSentAt.IsZero() {
		bd.UserToPlay = ms.lastAudioSentAt.Sub(ms.userSpeechEndTime).Milliseconds()
	}

	return bd
}

func (ms *ManagedStream) ExportLastUserAudio() (raw []byte, processed []byte) {
	ms.mu.Lock()
	if len(ms.lastUserAudio) == 0 {
		ms.mu.Unlock()
		return nil, nil
	}
	rawCopy := make([]byte, len(ms.lastUserAudio))
	copy(rawCopy, ms.lastUserAudio)
	ms.mu.Unlock()

	if ms.echoSuppressor != nil {
		processed = ms.echoSuppressor.PostProcess(rawCopy)
	} else {
		processed = rawCopy
	}
	return rawCopy, processed
}

func (ms *ManagedStream) Events() <-chan OrchestratorEvent {
	return ms.events
}

func (ms *ManagedStream) Close() {
	ms.closeOnce.Do(func() {
		ms.internalInterrupt()

		ms.mu.Lock()
		ms.audioBuf.Reset()
		ms.mu.Unlock()

		ms.echoSuppressor.ClearEchoBuffer()

		ms.cancel()
		time.Sleep(10 * time.Millisecond)

		close(ms.events)
	})
}

func (ms *ManagedStream) emit(eventType EventType, data interface{}) {
	select {
	case <-ms.ctx.Done():
		return
	default:
	}

	if eventType == AudioChunk {
		ms.mu.Lock()
		speaking := ms.isSpeaking
		ms.mu.Unlock()
		if !speaking {
			return
		}
	}

	event := OrchestratorEvent{
		Type:      eventType,
		SessionID: ms.session.ID,
		Data:      data,
	}

	defer func() {
		if r := recover(); r != nil {
			// events channel closed underneath us during shutdown
		}
	}()

	select {
	case ms.events <- event:
	case <-ms.ctx.Done():
	default:
	}
}

// internalInterrupt is the single "reset_to_listening" operation (spec §9
// DESIGN NOTES): cancel every in-flight stage and fall back to Listening. It
// is legal in any non-Ended state and is what backs both the explicit
// Interrupt() API and the End-Call path.
func (ms *ManagedStream) internalInterrupt() {
	ms.mu.Lock()

	if ms.pipelineCancel == nil && ms.responseCancel == nil && ms.ttsCancel == nil && !ms.isSpeaking && !ms.isThinking {
		ms.mu.Unlock()
		return
	}

	pipelineCancel := ms.pipelineCancel
	responseCancel := ms.responseCancel
	ttsCancel := ms.ttsCancel

	ms.pipelineCancel = nil
	ms.responseCancel = nil
	ms.ttsCancel = nil
	ms.sttChan = nil
	ms.sttGeneration++

	wasSpeaking := ms.isSpeaking
	ms.isSpeaking = false
	ms.isThinking = false
	if wasSpeaking {
		ms.speakingEndedAt = time.Now()
	}
	ms.mu.Unlock()

	ms.echoSuppressor.ClearEchoBuffer()

	if pipelineCancel != nil {
		pipelineCancel()
	}
	if responseCancel != nil {
		responseCancel()
	}
	if ttsCancel != nil {
		ttsCancel()
	}

	if ms.orch != nil && ms.orch.tts != nil {
		if err := ms.orch.tts.Abort(); err != nil {
			ms.orch.logger.Warn("tts abort failed", "sessionID", ms.session.ID, "error", err)
		}
	}

	ms.lastInterruptedAt = time.Now()
	ms.drainAudioChunks()
	ms.emit(Interrupted, nil)
	if wasSpeaking {
		ms.emit(BotDoneSpeaking, nil)
	}
}

func (ms *ManagedStream) drainAudioChunks() {
	deadline := time.Now().Add(100 * time.Millisecond)
	var controlEvents []OrchestratorEvent

	for {
		select {
		case ev := <-ms.events:
			if ev.Type != AudioChunk {
				controlEvents = append(controlEvents, ev)
			}
		default:
			goto DrainDone
		}

		if time.Now().After(deadline) {
			goto DrainDone
		}
	}

DrainDone:
	for _, ev := range controlEvents {
		select {
		case ms.events <- ev:
		default:
		}
	}
}
