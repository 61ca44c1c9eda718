package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/orchestrator"
)

// CompletionHandler adapts the orchestration engine to HTTP.
type CompletionHandler struct {
	engine *orchestrator.Engine
	logger *slog.Logger
}

// NewCompletionHandler creates the handler.
func NewCompletionHandler(engine *orchestrator.Engine, logger *slog.Logger) *CompletionHandler {
	return &CompletionHandler{engine: engine, logger: logger}
}

// Complete handles POST /v1/completions.
func (h *CompletionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalidRequest("invalid request body: "+err.Error()))
		return
	}
	AddLogField(ctx, "profile", req.Profile.Name)
	AddLogField(ctx, "conversation_id", req.ConversationID)

	resp, err := h.engine.Complete(ctx, &req)
	if err != nil {
		AddError(ctx, err)
		writeError(w, err)
		return
	}

	switch resp.FinishReason {
	case domain.FinishReasonError:
		writeError(w, domain.ErrProvider("provider request failed"))
		return
	case domain.FinishReasonTooManyRequests:
		writeError(w, domain.ErrRateLimit("provider rejected the request for quota reasons"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Stream handles POST /v1/completions/stream as server-sent events. Each
// chunk is one data event; the terminal chunk carries the finish reason
// and the stream ends with a [DONE] marker.
func (h *CompletionHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalidRequest("invalid request body: "+err.Error()))
		return
	}
	AddLogField(ctx, "profile", req.Profile.Name)
	AddLogField(ctx, "conversation_id", req.ConversationID)

	chunks, err := h.engine.Stream(ctx, &req)
	if err != nil {
		AddError(ctx, err)
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, domain.ErrInvalidRequest("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for chunk := range chunks {
		w.Write([]byte("data: "))
		if err := enc.Encode(chunk); err != nil {
			h.logger.WarnContext(ctx, "stream write failed", "error", err)
			return
		}
		w.Write([]byte("\n"))
		flusher.Flush()
	}

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// writeError renders an error as the canonical JSON error shape.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		apiErr = &domain.APIError{Type: domain.ErrorTypeServer, Message: err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatusCode())
	json.NewEncoder(w).Encode(map[string]*domain.APIError{"error": apiErr})
}
