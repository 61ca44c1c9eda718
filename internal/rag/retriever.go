// Package rag augments the outgoing request with context retrieved from
// a search index. Retrieval is strictly best effort: any missing piece
// (unknown index, empty query, no results) skips augmentation without
// failing the request.
package rag

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/storage"
	"github.com/modelmux/modelmux/internal/tokens"
)

// intentSystemPrompt instructs the rewrite model to produce a bare
// search string instead of a conversational answer.
const intentSystemPrompt = "You are a search assistant. Rewrite the user's latest message into a short search query" +
	" capturing its information need. Reply with the query text only, no quotes and no explanation." +
	" The query will retrieve documents for an assistant named %q whose instructions are: %s"

// augmentPrefix introduces the retrieved blocks to the answering model.
const augmentPrefix = "Answer using the retrieved documents below where they are relevant. " +
	"If they do not cover the question, answer from your own knowledge.\n\n"

const defaultTokenBudget = 4000

// Document is one scored search result.
type Document struct {
	Title     string
	Source    string
	Content   string
	Topic     string
	Keywords  []string
	Captions  []string // semantic-search excerpt highlights
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SearchClient executes queries against an external search index. The
// returned sequence is lazy and finite; iteration stops early when the
// consumer breaks.
type SearchClient interface {
	Search(ctx context.Context, index *domain.SearchIndex, query string) iter.Seq2[Document, error]
}

// Option configures the retriever.
type Option func(*Retriever)

// WithTokenBudget caps how many tokens of retrieved context are spliced
// into the prompt.
func WithTokenBudget(budget int) Option {
	return func(r *Retriever) {
		if budget > 0 {
			r.tokenBudget = budget
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retriever) {
		r.logger = logger
	}
}

// Retriever looks up index metadata, rewrites the user's latest turn
// into a search intent, and formats the results into the last message.
type Retriever struct {
	indexes     storage.IndexRepository
	search      SearchClient
	counter     *tokens.Registry
	tokenBudget int
	logger      *slog.Logger
}

// NewRetriever creates a retriever.
func NewRetriever(indexes storage.IndexRepository, search SearchClient, opts ...Option) *Retriever {
	r := &Retriever{
		indexes:     indexes,
		search:      search,
		counter:     tokens.NewRegistry(),
		tokenBudget: defaultTokenBudget,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns a replacement for the last message carrying the
// retrieved context, or nil when retrieval was skipped. The returned
// message keeps the original's role, author, and image.
func (r *Retriever) Retrieve(ctx context.Context, indexName string, prof domain.Profile, messages []domain.Message, client provider.Client) *domain.Message {
	if indexName == "" || len(messages) == 0 || r.search == nil {
		return nil
	}

	index, err := r.indexes.GetIndex(ctx, indexName)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.WarnContext(ctx, "index lookup failed", "index", indexName, "error", err)
		}
		return nil
	}

	last := messages[len(messages)-1]

	query := r.rewriteIntent(ctx, prof, last, client)
	if query == "" {
		return nil
	}

	blocks := r.collectBlocks(ctx, index, prof.Model, query)
	if blocks == "" {
		return nil
	}

	return &domain.Message{
		Role:      last.Role,
		Name:      last.Name,
		Image:     last.Image,
		Content:   augmentPrefix + last.Content + "\n\n" + blocks,
		CreatedAt: last.CreatedAt,
	}
}

// rewriteIntent issues a lightweight secondary completion that distills
// the latest turn into a search string.
func (r *Retriever) rewriteIntent(ctx context.Context, prof domain.Profile, last domain.Message, client provider.Client) string {
	req := &provider.Request{
		Profile: domain.Profile{
			Model:  prof.Model,
			System: fmt.Sprintf(intentSystemPrompt, prof.Name, prof.System),
		},
		Messages: []domain.Message{{Role: domain.RoleUser, Content: last.Content}},
	}

	resp := client.PostCompletion(ctx, req)
	if resp.FinishReason == domain.FinishReasonError || resp.FinishReason == domain.FinishReasonTooManyRequests {
		r.logger.WarnContext(ctx, "intent rewrite failed", "finish_reason", resp.FinishReason)
		return ""
	}
	if len(resp.Messages) == 0 {
		return ""
	}
	return strings.TrimSpace(resp.Messages[len(resp.Messages)-1].Content)
}

// collectBlocks drains the result cursor, formatting documents until the
// token budget is spent.
func (r *Retriever) collectBlocks(ctx context.Context, index *domain.SearchIndex, model, query string) string {
	var sb strings.Builder
	used := 0

	for doc, err := range r.search.Search(ctx, index, query) {
		if err != nil {
			r.logger.WarnContext(ctx, "search failed", "index", index.Name, "error", err)
			break
		}

		block := formatDocument(index, doc)
		cost, cerr := r.counter.CountText(model, block)
		if cerr != nil {
			cost = len(block) / 4
		}
		if used+cost > r.tokenBudget && used > 0 {
			break
		}
		used += cost
		sb.WriteString(block)
	}

	return sb.String()
}

// formatDocument renders one result as a delimited block. Semantic
// indexes surface their highlighted captions; simple indexes surface the
// raw content chunk.
func formatDocument(index *domain.SearchIndex, doc Document) string {
	var sb strings.Builder
	sb.WriteString("---\n")
	if doc.Title != "" {
		sb.WriteString("Title: " + doc.Title + "\n")
	}
	if doc.Source != "" {
		sb.WriteString("Source: " + doc.Source + "\n")
	}
	if doc.Topic != "" {
		sb.WriteString("Topic: " + doc.Topic + "\n")
	}
	if len(doc.Keywords) > 0 {
		sb.WriteString("Keywords: " + strings.Join(doc.Keywords, ", ") + "\n")
	}
	if !doc.CreatedAt.IsZero() {
		sb.WriteString("Created: " + doc.CreatedAt.Format(time.RFC3339) + "\n")
	}
	if !doc.UpdatedAt.IsZero() {
		sb.WriteString("Updated: " + doc.UpdatedAt.Format(time.RFC3339) + "\n")
	}

	if index.QueryType == domain.QueryTypeSemantic && len(doc.Captions) > 0 {
		for _, caption := range doc.Captions {
			sb.WriteString(caption + "\n")
		}
	} else {
		sb.WriteString(doc.Content + "\n")
	}

	sb.WriteString("---\n")
	return sb.String()
}
