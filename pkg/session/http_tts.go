package session

import (
	"net/http"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// TTSStreamHandler serves POST /tts/stream (spec §6's alternative path): the
// same adaptive-chunked byte stream the duplex egress would produce for one
// piece of text, outside of any session's conversation loop.
func TTSStreamHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}

		text := r.FormValue("text")
		if text == "" {
			http.Error(w, "text is required", http.StatusBadRequest)
			return
		}

		cfg := deps.Orchestrator.GetConfig()
		language := cfg.Language
		if v := r.FormValue("language"); v != "" {
			language = orchestrator.Language(v)
		}
		voice := cfg.VoiceStyle
		if v := r.FormValue("voice"); v != "" {
			voice = orchestrator.Voice(v)
		}
		providerKind := ProviderKindFromString(r.FormValue("provider"))

		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/octet-stream")

		playback := NewPlayback(providerKind, func(b []byte) error {
			if _, err := w.Write(b); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		})

		err := deps.Orchestrator.SynthesizeStream(r.Context(), text, voice, language, playback.Write)
		if err == nil {
			playback.Flush()
		}
	}
}
