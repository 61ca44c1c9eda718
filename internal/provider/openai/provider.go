// Package openai implements the provider client for the OpenAI chat
// completions API. The Azure variant reuses this implementation with a
// different wire configuration.
package openai

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"slices"
	"time"

	openaiapi "github.com/modelmux/modelmux/internal/api/openai"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/provider"
)

const defaultImageModel = "dall-e-3"

// Option configures the provider.
type Option func(*Provider)

// WithHost overrides the host identity (used by the Azure variant).
func WithHost(host domain.Host) Option {
	return func(p *Provider) {
		p.host = host
	}
}

// WithImageModel sets the model used for image generation.
func WithImageModel(model string) Option {
	return func(p *Provider) {
		p.imageModel = model
	}
}

// WithClientOptions passes options through to the wire client.
func WithClientOptions(opts ...openaiapi.ClientOption) Option {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// Provider implements provider.Client against the OpenAI API.
type Provider struct {
	host       domain.Host
	imageModel string
	client     *openaiapi.Client
	clientOpts []openaiapi.ClientOption
}

var _ provider.Client = (*Provider)(nil)

// New creates a new OpenAI provider client.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		host:       domain.HostOpenAI,
		imageModel: defaultImageModel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.client = openaiapi.NewClient(apiKey, p.clientOpts...)
	return p
}

// RegisterClientFactory registers this variant with the provider registry.
func RegisterClientFactory() {
	if provider.IsRegistered(domain.HostOpenAI) {
		return
	}
	provider.Register(domain.HostOpenAI, CreateFromConfig)
}

// CreateFromConfig builds the provider from backend configuration.
func CreateFromConfig(cfg config.BackendConfig) (provider.Client, error) {
	opts := []Option{}
	if cfg.ImageModel != "" {
		opts = append(opts, WithImageModel(cfg.ImageModel))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, WithClientOptions(openaiapi.WithBaseURL(cfg.BaseURL)))
	}
	return New(cfg.APIKey, opts...), nil
}

func (p *Provider) Host() domain.Host {
	return p.host
}

func (p *Provider) PostCompletion(ctx context.Context, req *provider.Request) *domain.CompletionResponse {
	resp, err := p.client.CreateChatCompletion(ctx, toAPIRequest(req))
	if err != nil {
		return failureResponse(req, err)
	}
	if len(resp.Choices) == 0 {
		return failureResponse(req, errors.New("no choices in response"))
	}

	choice := resp.Choices[0]

	toolCalls := make(map[string]string)
	for _, tc := range choice.Message.ToolCalls {
		toolCalls[tc.Function.Name] += tc.Function.Arguments
	}

	assistant := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   choice.Message.Content,
		Name:      req.Profile.Name,
		CreatedAt: time.Now().UTC(),
	}

	out := &domain.CompletionResponse{
		FinishReason: normalizeFinishReason(choice.FinishReason),
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

		stream, err := p.client.StreamChatCompletion(ctx, toAPIRequest(req))
		if err != nil {
			emit(ctx, out, domain.CompletionStreamChunk{FinishReason: classifyFailure(err)})
			return
		}

		seq := 0
		toolCalls := make(map[string]string)
		toolNames := make(map[int]string) // stream index -> tool name
		var terminal bool

		for result := range stream {
			if result.Err != nil {
				emit(ctx, out, domain.CompletionStreamChunk{Seq: seq, FinishReason: domain.FinishReasonError})
				return
			}
			if len(result.Chunk.Choices) == 0 {
				// Usage-only tail chunk
				continue
			}

			choice := result.Chunk.Choices[0]
			chunk := domain.CompletionStreamChunk{
				Seq:          seq,
				Role:         domain.Role(choice.Delta.Role),
				ContentDelta: choice.Delta.Content,
			}

			for _, tc := range choice.Delta.ToolCalls {
				if tc.Function == nil {
					continue
				}
				if tc.Function.Name != "" {
					toolNames[tc.Index] = tc.Function.Name
				}
				if name := toolNames[tc.Index]; name != "" {
					toolCalls[name] += tc.Function.Arguments
				}
			}
			if len(toolCalls) > 0 {
				chunk.ToolCalls = maps.Clone(toolCalls)
			}

			if choice.FinishReason != nil {
				chunk.FinishReason = normalizeFinishReason(*choice.FinishReason)
				if len(toolCalls) > 0 {
					chunk.FinishReason = domain.FinishReasonToolCalls
				}
				terminal = true
			}

			if !emit(ctx, out, chunk) {
				return
			}
			seq++
		}

		if !terminal {
			// Stream ended without a finish marker; close it out explicitly.
			final := domain.CompletionStreamChunk{Seq: seq, FinishReason: domain.FinishReasonStop}
			if len(toolCalls) > 0 {
				final.FinishReason = domain.FinishReasonToolCalls
				final.ToolCalls = maps.Clone(toolCalls)
			}
			emit(ctx, out, final)
		}
	}()

	return out
}

func (p *Provider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	return p.client.GenerateImage(ctx, &openaiapi.ImageRequest{
		Model:  p.imageModel,
		Prompt: prompt,
		N:      1,
	})
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
	var apiErr *openaiapi.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return domain.FinishReasonTooManyRequests
	}
	return domain.FinishReasonError
}

func normalizeFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "length":
		return domain.FinishReasonLength
	case "tool_calls", "function_call":
		return domain.FinishReasonToolCalls
	default:
		return domain.FinishReasonStop
	}
}

// toAPIRequest converts the uniform request shape to the OpenAI wire
// format. The profile's system message is prepended as a system turn.
func toAPIRequest(req *provider.Request) *openaiapi.ChatCompletionRequest {
	messages := make([]openaiapi.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.Profile.System != "" {
		messages = append(messages, openaiapi.ChatCompletionMessage{
			Role:    string(domain.RoleSystem),
			Content: req.Profile.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openaiapi.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	apiReq := &openaiapi.ChatCompletionRequest{
		Model:            req.Profile.Model,
		Messages:         messages,
		MaxTokens:        req.Profile.MaxTokens,
		Temperature:      req.Profile.Temperature,
		TopP:             req.Profile.TopP,
		PresencePenalty:  req.Profile.PresencePenalty,
		FrequencyPenalty: req.Profile.FrequencyPenalty,
		Stop:             req.Profile.Stop,
		Logprobs:         req.Profile.Logprobs,
		TopLogprobs:      req.Profile.TopLogprobs,
	}

	for _, t := range req.Profile.Tools {
		apiReq.Tools = append(apiReq.Tools, openaiapi.Tool{
			Type: "function",
			Function: openaiapi.FunctionTool{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.Profile.ToolChoice != "" && len(apiReq.Tools) > 0 {
		apiReq.ToolChoice = req.Profile.ToolChoice
	}

	return apiReq
}
