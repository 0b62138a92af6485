package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
	llmProvider "github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/lokutor-orchestrator/pkg/providers/tts"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/session"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	groqKey := os.Getenv("GROQ_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	googleKey := os.Getenv("GOOGLE_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	assemblyKey := os.Getenv("ASSEMBLYAI_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")
	streamSTTHost := os.Getenv("STREAM_STT_HOST")
	streamSTTKey := os.Getenv("STREAM_STT_API_KEY")
	mp3TTSEndpoint := os.Getenv("MP3_TTS_ENDPOINT")
	mp3TTSKey := os.Getenv("MP3_TTS_API_KEY")

	// STT Selection
	sttProviderName := os.Getenv("STT_PROVIDER")
	if sttProviderName == "" {
		sttProviderName = "groq"
	}
	var stt orchestrator.STTProvider
	switch sttProviderName {
	case "stream":
		if streamSTTHost == "" {
			log.Fatal("Error: STREAM_STT_HOST must be set for streaming STT")
		}
		stt = sttProvider.NewWSStreamingSTT("stream-stt", streamSTTHost, streamSTTKey)
	case "openai":
		if openaiKey == "" {
			log.Fatal("Error: OPENAI_API_KEY must be set for openai STT")
		}
		stt = sttProvider.NewOpenAISTT(openaiKey, "whisper-1")
	case "deepgram":
		if deepgramKey == "" {
			log.Fatal("Error: DEEPGRAM_API_KEY must be set for deepgram STT")
		}
		stt = sttProvider.NewDeepgramSTT(deepgramKey)
	case "assemblyai":
		if assemblyKey == "" {
			log.Fatal("Error: ASSEMBLYAI_API_KEY must be set for assemblyai STT")
		}
		stt = sttProvider.NewAssemblyAISTT(assemblyKey)
	case "groq":
		fallthrough
	default:
		if groqKey == "" {
			log.Fatal("Error: GROQ_API_KEY must be set for groq STT")
		}
		groqModel := os.Getenv("GROQ_STT_MODEL")
		if groqModel == "" {
			groqModel = "whisper-large-v3-turbo"
		}
		stt = sttProvider.NewGroqSTT(groqKey, groqModel)
	}

	// LLM Selection
	llmProviderName := os.Getenv("LLM_PROVIDER")
	if llmProviderName == "" {
		llmProviderName = "groq"
	}
	var llm orchestrator.LLMProvider
	switch llmProviderName {
	case "openai":
		if openaiKey == "" {
			log.Fatal("Error: OPENAI_API_KEY must be set for openai LLM")
		}
		llm = llmProvider.NewOpenAILLM(openaiKey, "gpt-4o")
	case "anthropic":
		if anthropicKey == "" {
			log.Fatal("Error: ANTHROPIC_API_KEY must be set for anthropic LLM")
		}
		llm = llmProvider.NewAnthropicStreamLLM(anthropicKey, "claude-3-5-sonnet-20241022")
	case "google":
		if googleKey == "" {
			log.Fatal("Error: GOOGLE_API_KEY must be set for google LLM")
		}
		llm = llmProvider.NewGoogleLLM(googleKey, "gemini-1.5-flash")
	case "groq":
		fallthrough
	default:
		if groqKey == "" {
			log.Fatal("Error: GROQ_API_KEY must be set for groq LLM")
		}
		llm = llmProvider.NewGroqLLM(groqKey, "llama-3.3-70b-versatile")
	}

	// TTS Selection
	ttsProviderName := os.Getenv("TTS_PROVIDER")
	if ttsProviderName == "" {
		ttsProviderName = "lokutor"
	}
	var tts orchestrator.TTSProvider
	switch ttsProviderName {
	case "mp3":
		if mp3TTSEndpoint == "" {
			log.Fatal("Error: MP3_TTS_ENDPOINT must be set for mp3 TTS")
		}
		tts = ttsProvider.NewMP3StreamTTS(mp3TTSKey, mp3TTSEndpoint)
	case "lokutor":
		fallthrough
	default:
		if lokutorKey == "" {
			log.Fatal("Error: LOKUTOR_API_KEY must be set for lokutor TTS")
		}
		tts = ttsProvider.NewLokutorTTS(lokutorKey)
	}

	config := orchestrator.DefaultConfig()
	if lang := os.Getenv("AGENT_LANGUAGE"); lang != "" {
		config.Language = orchestrator.Language(lang)
	}
	if v := envInt("VOICE_RESUME_GRACE_MS"); v > 0 {
		config.ResumeGraceMs = v
	}
	if v := os.Getenv("VOICE_PARTIAL_MERGE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			config.PartialMergeThreshold = f
		}
	}
	if v := envInt("VOICE_MIN_WORDS_TO_INTERRUPT"); v > 0 {
		config.MinWordsToInterrupt = v
	}

	vad := orchestrator.NewDualThresholdVAD(35.0/255.0, 15.0/255.0, 1200*time.Millisecond, 180*time.Second)
	orch := orchestrator.NewWithVAD(stt, llm, tts, vad, config)

	idleTimeout := 120 * time.Second
	if v := envInt("VOICE_IDLE_TIMEOUT_SECONDS"); v > 0 {
		idleTimeout = time.Duration(v) * time.Second
	}

	deps := session.Deps{
		Orchestrator: orch,
		Table:        session.NewTable(),
		Store:        session.NoopStore{},
		AuthToken:    os.Getenv("VOICE_AUTH_TOKEN"),
		IdleTimeout:  idleTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/conversation/stream", session.Handler(deps))
	mux.HandleFunc("/tts/stream", session.TTSStreamHandler(deps))

	addr := os.Getenv("VOICE_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Printf("voice server listening on %s (stt=%s llm=%s tts=%s)", addr, stt.Name(), llm.Name(), tts.Name())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
