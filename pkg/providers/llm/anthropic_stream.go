package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// AnthropicStreamLLM is the streaming variant of AnthropicLLM: same request
// shape (system prompt split out, x-api-key + anthropic-version headers),
// but with stream:true and an SSE response whose content_block_delta events
// are surfaced to the caller as they arrive instead of waiting on the full
// completion. This is what lets the LLM->TTS bridge start synthesizing
// before the model has finished generating.
type AnthropicStreamLLM struct {
	apiKey string
	url    string
	model  string
}

func NewAnthropicStreamLLM(apiKey, model string) *AnthropicStreamLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicStreamLLM{apiKey: apiKey, url: "https://api.anthropic.com/v1/messages", model: model}
}

func (l *AnthropicStreamLLM) Name() string { return "anthropic-llm-stream" }

func (l *AnthropicStreamLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	var full strings.Builder
	err := l.StreamComplete(ctx, messages, func(text string, isFinal bool) error {
		full.WriteString(text)
		return nil
	})
	return full.String(), err
}

type sseEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

func (l *AnthropicStreamLLM) StreamComplete(ctx context.Context, messages []orchestrator.Message, onChunk func(text string, isFinal bool) error) error {
	var system string
	var turns []map[string]string
	for _, msg := range messages {
		if msg.Role == "system" {
			system = msg.Content
			continue
		}
		turns = append(turns, map[string]string{"role": msg.Role, "content": msg.Content})
	}

	payload := map[string]interface{}{
		"model":      l.model,
		"messages":   turns,
		"max_tokens": 1024,
		"stream":     true,
	}
	if system != "" {
		payload["system"] = system
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", l.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("anthropic stream error (status %d): %v", resp.StatusCode, errResp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text != "" {
				if err := onChunk(ev.Delta.Text, false); err != nil {
					return err
				}
			}
		case "message_stop":
			return onChunk("", true)
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return onChunk("", true)
}
