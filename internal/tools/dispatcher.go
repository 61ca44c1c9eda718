// Package tools classifies and executes the tool calls a model requests:
// external HTTP tools, image generation, and chat recursion into another
// profile.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/storage"
)

// Recurser is the orchestration entry point recursion delegates to. The
// engine implements it; the indirection keeps this package from
// depending on the orchestrator.
type Recurser interface {
	CompleteAtDepth(ctx context.Context, req *domain.CompletionRequest, depth int) (*domain.CompletionResponse, error)
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithHTTPClient sets the client used for external tool calls.
func WithHTTPClient(client *HTTPClient) Option {
	return func(d *Dispatcher) {
		d.http = client
	}
}

// Dispatcher executes the tool calls from one completion turn, strictly
// sequentially since later calls may depend on message mutations made by
// earlier ones.
type Dispatcher struct {
	tools    storage.ToolRepository
	clients  *provider.Factory
	recurser Recurser
	http     *HTTPClient
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(tools storage.ToolRepository, clients *provider.Factory, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tools:   tools,
		clients: clients,
		http:    NewHTTPClient(nil),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetRecurser wires in the orchestration entry point. Must be called
// before any dispatch that can recurse.
func (d *Dispatcher) SetRecurser(r Recurser) {
	d.recurser = r
}

// ExecuteTools runs every tool call and returns the raw external
// responses plus the updated message list. Calls execute in tool-name
// order so dispatch is deterministic.
func (d *Dispatcher) ExecuteTools(ctx context.Context, toolCalls map[string]string, messages []domain.Message, prof domain.Profile, conversationID string, depth int) ([]domain.ToolResponse, []domain.Message) {
	names := make([]string, 0, len(toolCalls))
	for name := range toolCalls {
		names = append(names, name)
	}
	sort.Strings(names)

	var responses []domain.ToolResponse
	out := slices.Clone(messages)

	for _, name := range names {
		args := toolCalls[name]

		switch Classify(name) {
		case KindRecursion:
			updated, resp := d.handleRecursiveChat(ctx, args, out, prof, conversationID, depth)
			out = updated
			if resp != nil {
				responses = append(responses, *resp)
			}

		case KindImage:
			updated, resp := d.handleGenerateImage(ctx, args, out, prof)
			out = updated
			if resp != nil {
				responses = append(responses, *resp)
			}

		case KindExternal:
			responses = append(responses, d.callExternal(ctx, name, args))
		}
	}

	return responses, out
}

// handleRecursiveChat delegates the conversation to the profile named in
// the arguments. The role rewrite it applies is a transient view for the
// delegate model only; the caller's messages keep their original roles
// and author labels, with just the delegate's new turn appended.
func (d *Dispatcher) handleRecursiveChat(ctx context.Context, args string, messages []domain.Message, prof domain.Profile, conversationID string, depth int) ([]domain.Message, *domain.ToolResponse) {
	if d.recurser == nil {
		return messages, &domain.ToolResponse{Tool: domain.ToolChatRecursion, Reason: "recursion not configured"}
	}

	var parsed struct {
		RespondingAIModel string `json:"responding_ai_model"`
	}
	if err := json.Unmarshal([]byte(args), &parsed); err != nil || parsed.RespondingAIModel == "" {
		return messages, &domain.ToolResponse{Tool: domain.ToolChatRecursion, Reason: "missing " + domain.RecursionArgumentKey}
	}

	delegate := parsed.RespondingAIModel
	d.logger.InfoContext(ctx, "delegating conversation", "profile", delegate, "depth", depth+1)

	req := &domain.CompletionRequest{
		Profile:        domain.Profile{Name: delegate},
		ConversationID: conversationID,
		Messages:       RedistributeRoles(messages, delegate),
	}

	resp, err := d.recurser.CompleteAtDepth(ctx, req, depth+1)
	if err != nil {
		if domain.IsNotFound(err) {
			return messages, &domain.ToolResponse{Tool: domain.ToolChatRecursion, Reason: "profile " + delegate + " not found"}
		}
		return messages, &domain.ToolResponse{Tool: domain.ToolChatRecursion, Reason: err.Error()}
	}
	if len(resp.Messages) == 0 {
		return messages, nil
	}

	// Restore the original ordering and labels, appending only the new
	// turn produced by the delegate.
	generated := resp.Messages[len(resp.Messages)-1]
	if generated.Name == "" {
		generated.Name = delegate
	}
	return append(messages, generated), nil
}

// handleGenerateImage produces an image on the profile's image host and
// attaches it to the conversation.
func (d *Dispatcher) handleGenerateImage(ctx context.Context, args string, messages []domain.Message, prof domain.Profile) ([]domain.Message, *domain.ToolResponse) {
	var parsed struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal([]byte(args), &parsed); err != nil || parsed.Prompt == "" {
		return messages, &domain.ToolResponse{Tool: domain.ToolGenerateImage, Reason: "missing prompt"}
	}

	host := prof.ImageHost
	if host == "" {
		host = prof.Host
	}

	client, err := d.clients.ClientFor(host)
	if err != nil {
		return messages, &domain.ToolResponse{Tool: domain.ToolGenerateImage, Reason: err.Error()}
	}

	image, err := client.GenerateImage(ctx, parsed.Prompt)
	if err != nil {
		d.logger.WarnContext(ctx, "image generation failed", "host", host, "error", err)
		return messages, &domain.ToolResponse{Tool: domain.ToolGenerateImage, Reason: err.Error()}
	}
	if image == "" {
		return messages, nil
	}

	if n := len(messages); n > 0 && messages[n-1].Role == domain.RoleAssistant {
		out := slices.Clone(messages)
		out[n-1].Image = image
		return out, nil
	}
	return append(messages, domain.Message{
		Role:      domain.RoleAssistant,
		Image:     image,
		Name:      prof.Name,
		CreatedAt: time.Now().UTC(),
	}), nil
}

// callExternal resolves a stored tool and invokes its execution URL.
func (d *Dispatcher) callExternal(ctx context.Context, name, args string) domain.ToolResponse {
	tool, err := d.tools.GetTool(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.ToolResponse{Tool: name, Reason: "tool not found"}
		}
		return domain.ToolResponse{Tool: name, Reason: err.Error()}
	}
	if tool.ExecutionURL == "" {
		return domain.ToolResponse{Tool: name, Reason: "tool has no execution url"}
	}
	return d.http.Call(ctx, tool, args)
}

// RedistributeRoles builds the transient view a delegate profile sees:
// the last message becomes the user prompt, turns authored by the
// delegate become assistant turns, everything else becomes a user turn,
// and consecutive same-role turns are merged so roles alternate.
func RedistributeRoles(messages []domain.Message, delegate string) []domain.Message {
	if len(messages) == 0 {
		return nil
	}

	view := make([]domain.Message, len(messages))
	for i, m := range messages {
		role := domain.RoleUser
		if m.Name == delegate {
			role = domain.RoleAssistant
		}
		view[i] = m
		view[i].Role = role
	}
	view[len(view)-1].Role = domain.RoleUser

	return mergeConsecutive(view)
}

func mergeConsecutive(messages []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			if m.Content != "" {
				if out[n-1].Content != "" {
					out[n-1].Content += "\n\n" + m.Content
				} else {
					out[n-1].Content = m.Content
				}
			}
			if m.Image != "" {
				out[n-1].Image = m.Image
			}
			continue
		}
		out = append(out, m)
	}
	return out
}
