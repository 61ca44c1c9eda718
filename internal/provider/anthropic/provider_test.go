package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	anthropicapi "github.com/modelmux/modelmux/internal/api/anthropic"
	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/provider"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("test-key", WithClientOptions(anthropicapi.WithBaseURL(srv.URL)))
}

func TestPostCompletionTranslation(t *testing.T) {
	var captured anthropicapi.MessagesRequest

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(anthropicapi.MessagesResponse{
			Role:       "assistant",
			Content:    []anthropicapi.ResponseContent{{Type: "text", Text: "Hello!"}},
			StopReason: "end_turn",
		})
	})

	resp := p.PostCompletion(context.Background(), &provider.Request{
		Profile: domain.Profile{
			Name:   "Chat",
			Model:  "claude-sonnet-4-20250514",
			System: "Be brief.",
			Tools:  []domain.Tool{{Name: "weather_lookup"}},
		},
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "context note"},
			{Role: domain.RoleUser, Content: "Hi"},
		},
	})

	// The system prompt stays out of the message list.
	if len(captured.System) != 1 || captured.System[0].Text != "Be brief." {
		t.Errorf("system = %+v", captured.System)
	}
	// Non-assistant roles fold into user turns.
	if len(captured.Messages) != 2 {
		t.Fatalf("messages = %+v", captured.Messages)
	}
	for _, m := range captured.Messages {
		if m.Role != "user" {
			t.Errorf("role = %q", m.Role)
		}
	}
	if captured.MaxTokens == 0 {
		t.Error("max_tokens not defaulted")
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Name != "weather_lookup" {
		t.Errorf("tools = %+v", captured.Tools)
	}

	if resp.FinishReason != domain.FinishReasonStop {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	last := resp.Messages[len(resp.Messages)-1]
	if last.Content != "Hello!" || last.Name != "Chat" {
		t.Errorf("assistant message = %+v", last)
	}
}

func TestPostCompletionToolUse(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(anthropicapi.MessagesResponse{
			Role: "assistant",
			Content: []anthropicapi.ResponseContent{
				{Type: "text", Text: "Let me delegate."},
				{Type: "tool_use", Name: "chat_recursion", Input: map[string]any{"responding_ai_model": "Helper"}},
			},
			StopReason: "tool_use",
		})
	})

	resp := p.PostCompletion(context.Background(), &provider.Request{
		Profile:  domain.Profile{Name: "Chat", Model: "claude-sonnet-4-20250514"},
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
	})

	if resp.FinishReason != domain.FinishReasonToolCalls {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}

	var args map[string]string
	if err := json.Unmarshal([]byte(resp.ToolCalls["chat_recursion"]), &args); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	if args["responding_ai_model"] != "Helper" {
		t.Errorf("args = %+v", args)
	}

	last := resp.Messages[len(resp.Messages)-1]
	if last.Content != "Let me delegate." {
		t.Errorf("content = %q", last.Content)
	}
}

func TestNormalizeStopReason(t *testing.T) {
	tests := []struct {
		in   string
		want domain.FinishReason
	}{
		{"end_turn", domain.FinishReasonStop},
		{"stop_sequence", domain.FinishReasonStop},
		{"max_tokens", domain.FinishReasonLength},
		{"tool_use", domain.FinishReasonToolCalls},
	}
	for _, tt := range tests {
		if got := normalizeStopReason(tt.in); got != tt.want {
			t.Errorf("normalizeStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStreamCompletionToolUseAccumulation(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message_start\n"))
		w.Write([]byte(`data: {"type":"message_start","message":{"role":"assistant"}}` + "\n\n"))
		w.Write([]byte("event: content_block_start\n"))
		w.Write([]byte(`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","name":"chat_recursion"}}` + "\n\n"))
		w.Write([]byte("event: content_block_delta\n"))
		w.Write([]byte(`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"responding_ai_model\":"}}` + "\n\n"))
		w.Write([]byte("event: content_block_delta\n"))
		w.Write([]byte(`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"Helper\"}"}}` + "\n\n"))
		w.Write([]byte("event: message_delta\n"))
		w.Write([]byte(`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"}}` + "\n\n"))
		w.Write([]byte("event: message_stop\n"))
		w.Write([]byte(`data: {"type":"message_stop"}` + "\n\n"))
	})

	chunks := p.StreamCompletion(context.Background(), &provider.Request{
		Profile:  domain.Profile{Name: "Chat", Model: "claude-sonnet-4-20250514"},
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
	})

	var all []domain.CompletionStreamChunk
	for chunk := range chunks {
		all = append(all, chunk)
	}

	if len(all) != 3 {
		t.Fatalf("chunk count = %d: %+v", len(all), all)
	}

	want := `{"responding_ai_model":"Helper"}`
	final := all[len(all)-1]
	if final.FinishReason != domain.FinishReasonToolCalls {
		t.Errorf("finish reason = %q", final.FinishReason)
	}
	if got := final.ToolCalls["chat_recursion"]; got != want {
		t.Errorf("accumulated args = %q", got)
	}
}

func TestStreamCompletionText(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: content_block_delta\n"))
		w.Write([]byte(`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}` + "\n\n"))
		w.Write([]byte("event: content_block_delta\n"))
		w.Write([]byte(`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo!"}}` + "\n\n"))
		w.Write([]byte("event: message_delta\n"))
		w.Write([]byte(`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"}}` + "\n\n"))
		w.Write([]byte("event: message_stop\n"))
		w.Write([]byte(`data: {"type":"message_stop"}` + "\n\n"))
	})

	chunks := p.StreamCompletion(context.Background(), &provider.Request{
		Profile:  domain.Profile{Name: "Chat", Model: "claude-sonnet-4-20250514"},
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
	})

	var content string
	var finish domain.FinishReason
	for chunk := range chunks {
		content += chunk.ContentDelta
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	if content != "Hello!" {
		t.Errorf("content = %q", content)
	}
	if finish != domain.FinishReasonStop {
		t.Errorf("finish = %q", finish)
	}
}

func TestGenerateImageUnsupported(t *testing.T) {
	p := New("k")
	img, err := p.GenerateImage(context.Background(), "a cat")
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if img != "" {
		t.Errorf("image = %q, want empty", img)
	}
}
