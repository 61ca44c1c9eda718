// Package orchestrator drives the completion lifecycle: resolve the
// profile, build history, inject retrieved context, dispatch to exactly
// one provider, interpret the result, execute requested tools, and
// persist the exchange.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/profile"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/rag"
	"github.com/modelmux/modelmux/internal/storage"
	"github.com/modelmux/modelmux/internal/tools"
)

// Config carries the orchestration defaults. History depth and recursion
// depth are distinct limits; a profile's MaxMessageHistory overrides
// only the former.
type Config struct {
	// HistoryLimit bounds how many prior messages are loaded per
	// conversation. Default 5.
	HistoryLimit int

	// RecursionLimit bounds chat recursion depth, inclusive: a call at
	// the limit still dispatches its tools, but schedules nothing
	// deeper. Default 20.
	RecursionLimit int

	// DefaultAuthor labels inbound user messages with no author.
	DefaultAuthor string
}

const (
	defaultHistoryLimit   = 5
	defaultRecursionLimit = 20
	defaultAuthor         = "user"
)

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.RecursionLimit <= 0 {
		c.RecursionLimit = defaultRecursionLimit
	}
	if c.DefaultAuthor == "" {
		c.DefaultAuthor = defaultAuthor
	}
	return c
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRetriever enables RAG context injection.
func WithRetriever(retriever *rag.Retriever) Option {
	return func(e *Engine) {
		e.retriever = retriever
	}
}

// WithHistory enables conversation loading and persistence.
func WithHistory(history storage.HistoryRepository) Option {
	return func(e *Engine) {
		e.history = history
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine is the completion orchestrator.
type Engine struct {
	cfg        Config
	resolver   *profile.Resolver
	clients    *provider.Factory
	dispatcher *tools.Dispatcher
	retriever  *rag.Retriever
	history    storage.HistoryRepository
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewEngine creates the orchestrator and wires itself in as the
// recursion target of the dispatcher.
func NewEngine(cfg Config, resolver *profile.Resolver, clients *provider.Factory, dispatcher *tools.Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg.withDefaults(),
		resolver:   resolver,
		clients:    clients,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		tracer:     otel.Tracer("modelmux/orchestrator"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if dispatcher != nil {
		dispatcher.SetRecurser(e)
	}
	return e
}

// Complete runs the synchronous completion path.
func (e *Engine) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	return e.CompleteAtDepth(ctx, req, 0)
}

// CompleteAtDepth runs the synchronous path at a given recursion depth.
// The tool dispatcher calls back into it when a model delegates to
// another profile.
func (e *Engine) CompleteAtDepth(ctx context.Context, req *domain.CompletionRequest, depth int) (*domain.CompletionResponse, error) {
	ctx, span := e.tracer.Start(ctx, "completion",
		trace.WithAttributes(
			attribute.String("profile", req.Profile.Name),
			attribute.Int("depth", depth),
		))
	defer span.End()

	start := time.Now()

	prof, messages, client, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("host", string(prof.Host)))

	resp := client.PostCompletion(ctx, &provider.Request{Profile: prof, Messages: messages})
	e.observe(prof.Host, resp.FinishReason, start)

	if resp.FinishReason == domain.FinishReasonError || resp.FinishReason == domain.FinishReasonTooManyRequests {
		e.logger.WarnContext(ctx, "provider failure",
			"host", prof.Host, "finish_reason", resp.FinishReason)
		return resp, nil
	}

	if resp.FinishReason == domain.FinishReasonToolCalls && len(resp.ToolCalls) > 0 && depth <= e.cfg.RecursionLimit {
		e.recordToolCalls(resp.ToolCalls, depth)
		responses, updated := e.dispatcher.ExecuteTools(ctx, resp.ToolCalls, resp.Messages, prof, req.ConversationID, depth)
		resp.ToolResponses = responses
		resp.Messages = updated
	}

	e.persist(ctx, req, resp.Messages)
	return resp, nil
}

// Stream runs the streaming completion path. Setup failures (validation,
// unknown profile) return an error before any chunk; everything after
// setup is reported in-band through the chunk sequence.
func (e *Engine) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.CompletionStreamChunk, error) {
	ctx, span := e.tracer.Start(ctx, "completion_stream",
		trace.WithAttributes(attribute.String("profile", req.Profile.Name)))

	prof, messages, client, err := e.prepare(ctx, req)
	if err != nil {
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.String("host", string(prof.Host)))

	out := make(chan domain.CompletionStreamChunk)

	go func() {
		defer close(out)
		defer span.End()

		start := time.Now()
		chunks := client.StreamCompletion(ctx, &provider.Request{Profile: prof, Messages: messages})

		var (
			content   strings.Builder
			toolCalls map[string]string
			role      = domain.RoleAssistant
			finish    domain.FinishReason
			lastSeq   int
		)

		// Live pass-through: every chunk is forwarded as it arrives and
		// the running state is folded up alongside.
		for chunk := range chunks {
			if chunk.Role != "" {
				role = chunk.Role
			}
			content.WriteString(chunk.ContentDelta)
			if chunk.ToolCalls != nil {
				toolCalls = chunk.ToolCalls
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
			lastSeq = chunk.Seq

			if e.metrics != nil {
				e.metrics.StreamChunksTotal.Inc()
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}

		e.observe(prof.Host, finish, start)

		if finish == domain.FinishReasonError || finish == domain.FinishReasonTooManyRequests {
			return
		}

		assistant := domain.Message{
			Role:      role,
			Content:   content.String(),
			Name:      prof.Name,
			CreatedAt: time.Now().UTC(),
		}
		updated := append(messages, assistant)

		if finish == domain.FinishReasonToolCalls && len(toolCalls) > 0 {
			e.recordToolCalls(toolCalls, 0)
			responses, dispatched := e.dispatcher.ExecuteTools(ctx, toolCalls, updated, prof, req.ConversationID, 0)
			updated = dispatched

			summary := domain.CompletionStreamChunk{
				Seq:          lastSeq + 1,
				Role:         domain.RoleAssistant,
				FinishReason: finish,
				ToolCalls:    toolCalls,
			}
			if n := len(updated); n > 0 {
				last := updated[n-1]
				if n > len(messages)+1 {
					// Tool dispatch appended a new turn (recursion or a
					// standalone image); surface its content.
					summary.ContentDelta = last.Content
				}
				if last.Image != "" {
					summary.ImageDelta = []byte(last.Image)
				}
			}
			for _, tr := range responses {
				if tr.Reason != "" {
					e.logger.WarnContext(ctx, "tool call failed", "tool", tr.Tool, "reason", tr.Reason)
				}
			}

			select {
			case out <- summary:
			case <-ctx.Done():
				return
			}
		}

		e.persist(ctx, req, updated)
	}()

	return out, nil
}

// prepare runs the stages shared by both entry points: validation,
// profile resolution, history loading, and RAG injection.
func (e *Engine) prepare(ctx context.Context, req *domain.CompletionRequest) (domain.Profile, []domain.Message, provider.Client, error) {
	if err := validate(req); err != nil {
		return domain.Profile{}, nil, nil, err
	}

	prof, err := e.resolver.ResolveProfile(ctx, req.Profile)
	if err != nil {
		return domain.Profile{}, nil, nil, err
	}
	if prof.Host == "" {
		return domain.Profile{}, nil, nil, domain.ErrInvalidRequest("profile has no backend host").WithParam("host")
	}
	if prof.Model == "" {
		return domain.Profile{}, nil, nil, domain.ErrInvalidRequest("profile has no model").WithParam("model")
	}

	messages := e.buildHistory(ctx, req, prof)

	client, err := e.clients.ClientFor(prof.Host)
	if err != nil {
		return domain.Profile{}, nil, nil, domain.ErrInvalidRequest(err.Error()).WithParam("host")
	}

	if prof.RagDatabase != "" && e.retriever != nil {
		if augmented := e.retriever.Retrieve(ctx, prof.RagDatabase, prof, messages, client); augmented != nil {
			messages[len(messages)-1] = *augmented
		}
	}

	return prof, messages, client, nil
}

// buildHistory prepends stored conversation turns, oldest first, request
// messages last. History loading is best effort.
func (e *Engine) buildHistory(ctx context.Context, req *domain.CompletionRequest, prof domain.Profile) []domain.Message {
	messages := make([]domain.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == domain.RoleUser && m.Name == "" {
			m.Name = e.cfg.DefaultAuthor
		}
		messages = append(messages, m)
	}

	if req.ConversationID == "" || e.history == nil {
		return messages
	}

	limit := e.cfg.HistoryLimit
	if prof.MaxMessageHistory > 0 {
		limit = prof.MaxMessageHistory
	}

	prior, err := e.history.GetConversation(ctx, req.ConversationID, limit)
	if err != nil {
		e.logger.WarnContext(ctx, "history load failed",
			"conversation_id", req.ConversationID, "error", err)
		return messages
	}
	return append(prior, messages...)
}

// persist appends the closing exchange to history as two independent
// writes. This is deliberately at-least-once and best effort, never a
// transaction.
func (e *Engine) persist(ctx context.Context, req *domain.CompletionRequest, final []domain.Message) {
	if req.ConversationID == "" || e.history == nil {
		return
	}

	if user := lastWithRole(req.Messages, domain.RoleUser); user != nil {
		msg := *user
		if msg.Name == "" {
			msg.Name = e.cfg.DefaultAuthor
		}
		if _, err := e.history.AppendMessage(ctx, req.ConversationID, msg); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist user message",
				"conversation_id", req.ConversationID, "error", err)
		}
	}

	if reply := lastReply(final); reply != nil {
		if _, err := e.history.AppendMessage(ctx, req.ConversationID, *reply); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist assistant message",
				"conversation_id", req.ConversationID, "error", err)
		}
	}
}

func (e *Engine) observe(host domain.Host, finish domain.FinishReason, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.CompletionsTotal.WithLabelValues(string(host), string(finish)).Inc()
	e.metrics.CompletionDuration.WithLabelValues(string(host)).Observe(time.Since(start).Seconds())
}

func (e *Engine) recordToolCalls(toolCalls map[string]string, depth int) {
	if e.metrics == nil {
		return
	}
	for name := range toolCalls {
		var kind string
		switch tools.Classify(name) {
		case tools.KindRecursion:
			kind = "recursion"
		case tools.KindImage:
			kind = "image"
		default:
			kind = "external"
		}
		e.metrics.ToolCallsTotal.WithLabelValues(kind).Inc()
	}
	e.metrics.RecursionDepth.Observe(float64(depth))
}

func validate(req *domain.CompletionRequest) error {
	if req == nil {
		return domain.ErrInvalidRequest("request body required")
	}
	if req.Profile.Name == "" {
		return domain.ErrInvalidRequest("profile name required").WithParam("profile.name")
	}
	if len(req.Messages) == 0 {
		return domain.ErrInvalidRequest("at least one message required").WithParam("messages")
	}
	hasUser := false
	for _, m := range req.Messages {
		if m.Role == domain.RoleUser {
			hasUser = true
			break
		}
	}
	if !hasUser {
		return domain.ErrInvalidRequest("at least one user message required").WithParam("messages")
	}
	return nil
}

func lastWithRole(messages []domain.Message, role domain.Role) *domain.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == role {
			return &messages[i]
		}
	}
	return nil
}

// lastReply returns the newest assistant or tool turn.
func lastReply(messages []domain.Message) *domain.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleAssistant || messages[i].Role == domain.RoleTool {
			return &messages[i]
		}
	}
	return nil
}
