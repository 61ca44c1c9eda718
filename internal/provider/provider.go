// Package provider defines the uniform client contract every LLM backend
// implements, plus the registry and factory used to select one per host.
package provider

import (
	"context"

	"github.com/modelmux/modelmux/internal/domain"
)

// Request is the uniform shape handed to every client variant: the fully
// resolved profile plus the outbound message list.
type Request struct {
	Profile  domain.Profile
	Messages []domain.Message
}

// Client is the capability set each backend variant implements. Provider
// faults are never surfaced as Go errors from the completion entry points;
// each variant catches its transport failures and normalizes them into
// FinishReasonError (or FinishReasonTooManyRequests on quota rejection) so
// the engine treats every backend identically.
type Client interface {
	// Host identifies the backend this client talks to.
	Host() domain.Host

	// PostCompletion performs a single round trip. The returned response
	// carries the input messages plus the generated assistant message, the
	// finish reason, and any tool calls the model requested.
	PostCompletion(ctx context.Context, req *Request) *domain.CompletionResponse

	// StreamCompletion performs a streaming round trip. Each chunk carries
	// the cumulative tool-call state; the terminal chunk carries the finish
	// reason. The channel is closed after the terminal chunk.
	StreamCompletion(ctx context.Context, req *Request) <-chan domain.CompletionStreamChunk

	// GenerateImage produces one image for the prompt, base64-encoded.
	// Backends without image support return "" and no error.
	GenerateImage(ctx context.Context, prompt string) (string, error)
}
