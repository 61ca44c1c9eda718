// Package anthropic implements the provider client for the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"slices"
	"time"

	anthropicapi "github.com/modelmux/modelmux/internal/api/anthropic"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/provider"
)

// The Messages API requires max_tokens on every request.
const defaultMaxTokens = 1024

// Option configures the provider.
type Option func(*Provider)

// WithClientOptions passes options through to the wire client.
func WithClientOptions(opts ...anthropicapi.ClientOption) Option {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// Provider implements provider.Client against the Anthropic API.
type Provider struct {
	client     *anthropicapi.Client
	clientOpts []anthropicapi.ClientOption
}

var _ provider.Client = (*Provider)(nil)

// New creates a new Anthropic provider client.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}
	p.client = anthropicapi.NewClient(apiKey, p.clientOpts...)
	return p
}

// RegisterClientFactory registers this variant with the provider registry.
func RegisterClientFactory() {
	if provider.IsRegistered(domain.HostAnthropic) {
		return
	}
	provider.Register(domain.HostAnthropic, CreateFromConfig)
}

// CreateFromConfig builds the provider from backend configuration.
func CreateFromConfig(cfg config.BackendConfig) (provider.Client, error) {
	opts := []Option{}
	if cfg.BaseURL != "" {
		opts = append(opts, WithClientOptions(anthropicapi.WithBaseURL(cfg.BaseURL)))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, WithClientOptions(anthropicapi.WithVersion(cfg.APIVersion)))
	}
	return New(cfg.APIKey, opts...), nil
}

func (p *Provider) Host() domain.Host {
	return domain.HostAnthropic
}

func (p *Provider) PostCompletion(ctx context.Context, req *provider.Request) *domain.CompletionResponse {
	resp, err := p.client.CreateMessage(ctx, toAPIRequest(req))
	if err != nil {
		return failureResponse(req, err)
	}

	var content string
	toolCalls := make(map[string]string)
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.Text
		case "tool_use":
			args, merr := json.Marshal(block.Input)
			if merr != nil {
				continue
			}
			toolCalls[block.Name] += string(args)
		}
	}

	assistant := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   content,
		Name:      req.Profile.Name,
		CreatedAt: time.Now().UTC(),
	}

	out := &domain.CompletionResponse{
		FinishReason: normalizeStopReason(resp.StopReason),
		Messages:     append(slices.Clone(req.Messages), assistant),
	}
	if len(toolCalls) > 0 {
		out.FinishReason = domain.FinishReasonToolCalls
		out.ToolCalls = toolCalls
	}
	return out
}

func (p *Provider) StreamCompletion(ctx context.Context, req *provider.Request) <-chan domain.CompletionStreamChunk {
	out := make(chan domain.CompletionStreamChunk)

	go func() {
		defer close(out)

		stream, err := p.client.StreamMessage(ctx, toAPIRequest(req))
		if err != nil {
			emit(ctx, out, domain.CompletionStreamChunk{FinishReason: classifyFailure(err)})
			return
		}

		seq := 0
		toolCalls := make(map[string]string)
		blockNames := make(map[int]string) // content block index -> tool name
		role := domain.RoleAssistant
		var terminal bool

		for result := range stream {
			if result.Err != nil {
				emit(ctx, out, domain.CompletionStreamChunk{Seq: seq, FinishReason: domain.FinishReasonError})
				return
			}

			switch result.EventType {
			case "message_start":
				if event, perr := result.ParseMessageStart(); perr == nil && event.Message.Role != "" {
					role = domain.Role(event.Message.Role)
				}
				continue

			case "content_block_start":
				event, perr := result.ParseContentBlockStart()
				if perr != nil {
					continue
				}
				if event.ContentBlock.Type == "tool_use" {
					blockNames[event.Index] = event.ContentBlock.Name
				}
				continue

			case "content_block_delta":
				event, perr := result.ParseContentBlockDelta()
				if perr != nil {
					continue
				}

				chunk := domain.CompletionStreamChunk{Seq: seq, Role: role}
				switch event.Delta.Type {
				case "text_delta":
					chunk.ContentDelta = event.Delta.Text
				case "input_json_delta":
					name := blockNames[event.Index]
					if name == "" {
						continue
					}
					toolCalls[name] += event.Delta.PartialJSON
				default:
					continue
				}
				if len(toolCalls) > 0 {
					chunk.ToolCalls = maps.Clone(toolCalls)
				}

				if !emit(ctx, out, chunk) {
					return
				}
				seq++

			case "message_delta":
				event, perr := result.ParseMessageDelta()
				if perr != nil || event.Delta.StopReason == "" {
					continue
				}

				chunk := domain.CompletionStreamChunk{
					Seq:          seq,
					Role:         role,
					FinishReason: normalizeStopReason(event.Delta.StopReason),
				}
				if len(toolCalls) > 0 {
					chunk.FinishReason = domain.FinishReasonToolCalls
					chunk.ToolCalls = maps.Clone(toolCalls)
				}
				terminal = true

				if !emit(ctx, out, chunk) {
					return
				}
				seq++
			}
		}

		if !terminal {
			final := domain.CompletionStreamChunk{Seq: seq, Role: role, FinishReason: domain.FinishReasonStop}
			if len(toolCalls) > 0 {
				final.FinishReason = domain.FinishReasonToolCalls
				final.ToolCalls = maps.Clone(toolCalls)
			}
			emit(ctx, out, final)
		}
	}()

	return out
}

// GenerateImage is unsupported on this backend.
func (p *Provider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	return "", nil
}

func emit(ctx context.Context, out chan<- domain.CompletionStreamChunk, chunk domain.CompletionStreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func failureResponse(req *provider.Request, err error) *domain.CompletionResponse {
	return &domain.CompletionResponse{
		FinishReason: classifyFailure(err),
		Messages:     slices.Clone(req.Messages),
	}
}

func classifyFailure(err error) domain.FinishReason {
	var apiErr *anthropicapi.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return domain.FinishReasonTooManyRequests
	}
	return domain.FinishReasonError
}

func normalizeStopReason(reason string) domain.FinishReason {
	switch reason {
	case "max_tokens":
		return domain.FinishReasonLength
	case "tool_use":
		return domain.FinishReasonToolCalls
	default:
		// end_turn, stop_sequence
		return domain.FinishReasonStop
	}
}

// toAPIRequest converts the uniform request shape to the Messages API
// format. The Messages API keeps the system prompt out of the message
// list and only accepts user/assistant roles, so system and tool turns
// are folded into user turns.
func toAPIRequest(req *provider.Request) *anthropicapi.MessagesRequest {
	messages := make([]anthropicapi.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "assistant"
		}

		content := anthropicapi.ContentBlock{}
		if m.Content != "" {
			content = append(content, anthropicapi.ContentPart{Type: "text", Text: m.Content})
		}
		if m.Image != "" {
			content = append(content, anthropicapi.ContentPart{
				Type: "image",
				Source: &anthropicapi.ImageSource{
					Type:      "base64",
					MediaType: "image/png",
					Data:      m.Image,
				},
			})
		}
		if len(content) == 0 {
			continue
		}
		messages = append(messages, anthropicapi.Message{Role: role, Content: content})
	}

	maxTokens := req.Profile.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	apiReq := &anthropicapi.MessagesRequest{
		Model:         req.Profile.Model,
		Messages:      messages,
		MaxTokens:     maxTokens,
		Temperature:   req.Profile.Temperature,
		TopP:          req.Profile.TopP,
		StopSequences: req.Profile.Stop,
	}
	if req.Profile.System != "" {
		apiReq.System = anthropicapi.SystemMessages{{Type: "text", Text: req.Profile.System}}
	}

	for _, t := range req.Profile.Tools {
		apiReq.Tools = append(apiReq.Tools, anthropicapi.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	if len(apiReq.Tools) > 0 {
		switch req.Profile.ToolChoice {
		case "required":
			apiReq.ToolChoice = &anthropicapi.ToolChoice{Type: "any"}
		case "auto":
			apiReq.ToolChoice = &anthropicapi.ToolChoice{Type: "auto"}
		}
	}

	return apiReq
}
