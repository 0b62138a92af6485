package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	SampleRate = 16000
	Channels   = 1
)

// controlMessage mirrors the server's wire envelope for the fields this
// client uses.
type controlMessage struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	Language    string `json:"language,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Audio       string `json:"audio,omitempty"`
	IsStreaming bool   `json:"is_streaming,omitempty"`
	Transcript  string `json:"transcript,omitempty"`
	Text        string `json:"text,omitempty"`
	SignalType  string `json:"signal_type,omitempty"`
	Message     string `json:"message,omitempty"`
	Code        string `json:"code,omitempty"`
	DBSessionID uint64 `json:"db_session_id,omitempty"`
}

// micclient captures the local microphone and streams it to a running voice
// server over /conversation/stream, playing the TTS bytes it gets back. It is
// the manual end-to-end harness for the duplex endpoint: one terminal runs
// cmd/server, another runs this.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	serverURL := os.Getenv("VOICE_SERVER_URL")
	if serverURL == "" {
		serverURL = "ws://localhost:8080"
	}
	token := os.Getenv("VOICE_AUTH_TOKEN")
	language := os.Getenv("AGENT_LANGUAGE")
	if language == "" {
		language = "en"
	}
	provider := os.Getenv("STT_PROVIDER")
	if provider == "" {
		provider = "groq"
	}

	sessionID := "mic_" + uuid.NewString()

	q := url.Values{}
	q.Set("token", token)
	q.Set("provider", provider)
	q.Set("language", language)
	wsURL := serverURL + "/conversation/stream?" + q.Encode()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(4 * 1024 * 1024)

	init := controlMessage{
		Type:      "init",
		SessionID: sessionID,
		Language:  language,
		Provider:  provider,
	}
	if err := writeJSON(ctx, conn, init); err != nil {
		log.Fatalf("failed to send init: %v", err)
	}

	fmt.Printf("Connected to %s as session %s\n", serverURL, sessionID)
	fmt.Println("Press Ctrl+C to exit")

	var playbackMu sync.Mutex
	var playbackBytes []byte

	// Reader: JSON control events as text frames, TTS audio as binary.
	go func() {
		defer cancel()
		for {
			msgType, payload, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if msgType == websocket.MessageBinary {
				playbackMu.Lock()
				playbackBytes = append(playbackBytes, payload...)
				playbackMu.Unlock()
				continue
			}

			var msg controlMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "connection_established":
				fmt.Printf("\r\033[K[SESSION] established (db_session_id=%d)\n", msg.DBSessionID)
			case "vad_signal":
				fmt.Printf("\r\033[K[VAD] %s\n", msg.SignalType)
			case "streaming_transcript":
				fmt.Printf("\r\033[K[...] %s", msg.Transcript)
			case "final_transcript":
				fmt.Printf("\r\033[K[YOU] %s\n", msg.Transcript)
			case "ai_response_chunk":
				if msg.Text != "" {
					fmt.Print(msg.Text)
				}
			case "response":
				fmt.Println()
			case "error":
				fmt.Printf("\r\033[K[ERROR %s] %s\n", msg.Code, msg.Message)
			}
		}
	}()

	// Heartbeat.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeJSON(ctx, conn, controlMessage{Type: "ping"})
			}
		}
	}()

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	var sendMu sync.Mutex

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			chunk := make([]byte, len(pInput))
			copy(chunk, pInput)
			go func() {
				sendMu.Lock()
				defer sendMu.Unlock()
				msg := controlMessage{
					Type:        "audio_chunk",
					Encoding:    "pcm",
					SampleRate:  SampleRate,
					Audio:       base64.StdEncoding.EncodeToString(chunk),
					IsStreaming: true,
					Language:    language,
					Provider:    provider,
				}
				writeJSON(ctx, conn, msg)
			}()
		}
		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
			playbackMu.Unlock()
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = Channels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = Channels
	deviceConfig.SampleRate = SampleRate
	deviceConfig.PeriodSizeInMilliseconds = 80
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSamples,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	sendMu.Lock()
	writeJSON(context.Background(), conn, controlMessage{Type: "stop"})
	sendMu.Unlock()
	fmt.Printf("\nShutting down...\n")
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
