package rag

import (
	"context"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/storage/memory"
)

type fakeSearch struct {
	docs []Document
	err  error
}

func (f *fakeSearch) Search(ctx context.Context, index *domain.SearchIndex, query string) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		for _, doc := range f.docs {
			if !yield(doc, nil) {
				return
			}
		}
		if f.err != nil {
			yield(Document{}, f.err)
		}
	}
}

type rewriteClient struct {
	query    string
	finish   domain.FinishReason
	requests []*provider.Request
}

func (c *rewriteClient) Host() domain.Host { return domain.HostOpenAI }

func (c *rewriteClient) PostCompletion(ctx context.Context, req *provider.Request) *domain.CompletionResponse {
	c.requests = append(c.requests, req)
	finish := c.finish
	if finish == "" {
		finish = domain.FinishReasonStop
	}
	return &domain.CompletionResponse{
		Messages:     append(req.Messages, domain.Message{Role: domain.RoleAssistant, Content: c.query}),
		FinishReason: finish,
	}
}

func (c *rewriteClient) StreamCompletion(ctx context.Context, req *provider.Request) <-chan domain.CompletionStreamChunk {
	ch := make(chan domain.CompletionStreamChunk)
	close(ch)
	return ch
}

func (c *rewriteClient) GenerateImage(ctx context.Context, prompt string) (string, error) {
	return "", nil
}

func seedIndex(t *testing.T, index *domain.SearchIndex) *memory.Store {
	t.Helper()
	store := memory.New()
	if err := store.PutIndex(context.Background(), index); err != nil {
		t.Fatalf("PutIndex: %v", err)
	}
	return store
}

func TestRetrieveAugmentsLastMessage(t *testing.T) {
	store := seedIndex(t, &domain.SearchIndex{Name: "docs", QueryType: domain.QueryTypeSimple})
	search := &fakeSearch{docs: []Document{
		{Title: "Setup Guide", Content: "Install it with the package manager."},
	}}
	client := &rewriteClient{query: "install instructions"}
	r := NewRetriever(store, search)

	prof := domain.Profile{Name: "Chat", Model: "gpt-4o", System: "Be helpful."}
	messages := []domain.Message{
		{Role: domain.RoleUser, Content: "earlier turn"},
		{Role: domain.RoleUser, Content: "how do I install this?", Name: "alice"},
	}

	got := r.Retrieve(context.Background(), "docs", prof, messages, client)
	if got == nil {
		t.Fatal("Retrieve returned nil")
	}

	if got.Role != domain.RoleUser || got.Name != "alice" {
		t.Errorf("identity not preserved: %+v", got)
	}
	if !strings.Contains(got.Content, "how do I install this?") {
		t.Error("original content dropped")
	}
	if !strings.Contains(got.Content, "Title: Setup Guide") || !strings.Contains(got.Content, "Install it with the package manager.") {
		t.Errorf("document block missing:\n%s", got.Content)
	}

	// The rewrite call distills only the latest turn.
	if len(client.requests) != 1 {
		t.Fatalf("rewrite calls = %d", len(client.requests))
	}
	rewrite := client.requests[0]
	if len(rewrite.Messages) != 1 || rewrite.Messages[0].Content != "how do I install this?" {
		t.Errorf("rewrite messages = %+v", rewrite.Messages)
	}
	if !strings.Contains(rewrite.Profile.System, "Chat") {
		t.Errorf("rewrite system = %q", rewrite.Profile.System)
	}
}

func TestRetrieveSkipsWhenIndexMissing(t *testing.T) {
	r := NewRetriever(memory.New(), &fakeSearch{docs: []Document{{Content: "x"}}})
	client := &rewriteClient{query: "anything"}

	got := r.Retrieve(context.Background(), "missing", domain.Profile{Model: "gpt-4o"},
		[]domain.Message{{Role: domain.RoleUser, Content: "hi"}}, client)
	if got != nil {
		t.Errorf("expected skip, got %+v", got)
	}
	if len(client.requests) != 0 {
		t.Error("rewrite issued for unknown index")
	}
}

func TestRetrieveSkipsWhenNoIndexRequested(t *testing.T) {
	store := seedIndex(t, &domain.SearchIndex{Name: "docs"})
	r := NewRetriever(store, &fakeSearch{})
	client := &rewriteClient{query: "anything"}

	got := r.Retrieve(context.Background(), "", domain.Profile{Model: "gpt-4o"},
		[]domain.Message{{Role: domain.RoleUser, Content: "hi"}}, client)
	if got != nil {
		t.Errorf("expected skip, got %+v", got)
	}
}

func TestRetrieveSkipsOnRewriteFailure(t *testing.T) {
	store := seedIndex(t, &domain.SearchIndex{Name: "docs"})
	search := &fakeSearch{docs: []Document{{Content: "x"}}}
	client := &rewriteClient{finish: domain.FinishReasonError}
	r := NewRetriever(store, search)

	got := r.Retrieve(context.Background(), "docs", domain.Profile{Model: "gpt-4o"},
		[]domain.Message{{Role: domain.RoleUser, Content: "hi"}}, client)
	if got != nil {
		t.Errorf("expected skip, got %+v", got)
	}
}

func TestRetrieveSkipsWhenNoResults(t *testing.T) {
	store := seedIndex(t, &domain.SearchIndex{Name: "docs"})
	client := &rewriteClient{query: "anything"}
	r := NewRetriever(store, &fakeSearch{})

	got := r.Retrieve(context.Background(), "docs", domain.Profile{Model: "gpt-4o"},
		[]domain.Message{{Role: domain.RoleUser, Content: "hi"}}, client)
	if got != nil {
		t.Errorf("expected skip, got %+v", got)
	}
}

func TestSemanticIndexPrefersCaptions(t *testing.T) {
	index := &domain.SearchIndex{Name: "docs", QueryType: domain.QueryTypeSemantic}
	doc := Document{
		Title:    "Release Notes",
		Content:  "full body text",
		Captions: []string{"highlighted excerpt one", "highlighted excerpt two"},
	}

	block := formatDocument(index, doc)
	if !strings.Contains(block, "highlighted excerpt one") || !strings.Contains(block, "highlighted excerpt two") {
		t.Errorf("captions missing:\n%s", block)
	}
	if strings.Contains(block, "full body text") {
		t.Errorf("semantic block should not carry raw content:\n%s", block)
	}

	// Without captions the raw content is the fallback.
	block = formatDocument(index, Document{Content: "full body text"})
	if !strings.Contains(block, "full body text") {
		t.Errorf("content fallback missing:\n%s", block)
	}
}

func TestFormatDocumentMetadata(t *testing.T) {
	index := &domain.SearchIndex{Name: "docs", QueryType: domain.QueryTypeSimple}
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	block := formatDocument(index, Document{
		Title:     "Guide",
		Source:    "https://example.com/guide",
		Topic:     "setup",
		Keywords:  []string{"install", "deploy"},
		Content:   "body",
		CreatedAt: created,
	})

	for _, want := range []string{
		"---\n",
		"Title: Guide",
		"Source: https://example.com/guide",
		"Topic: setup",
		"Keywords: install, deploy",
		"Created: 2026-03-01T00:00:00Z",
	} {
		if !strings.Contains(block, want) {
			t.Errorf("block missing %q:\n%s", want, block)
		}
	}
}

func TestTokenBudgetBoundsResults(t *testing.T) {
	store := seedIndex(t, &domain.SearchIndex{Name: "docs", QueryType: domain.QueryTypeSimple})
	big := strings.Repeat("lorem ipsum dolor sit amet ", 40)
	search := &fakeSearch{docs: []Document{
		{Title: "first", Content: big},
		{Title: "second", Content: big},
		{Title: "third", Content: big},
	}}
	client := &rewriteClient{query: "lorem"}

	// Budget fits roughly one block; the first result is always included.
	r := NewRetriever(store, search, WithTokenBudget(100))

	got := r.Retrieve(context.Background(), "docs", domain.Profile{Model: "gpt-4o"},
		[]domain.Message{{Role: domain.RoleUser, Content: "hi"}}, client)
	if got == nil {
		t.Fatal("Retrieve returned nil")
	}
	if !strings.Contains(got.Content, "Title: first") {
		t.Error("first block always included")
	}
	if strings.Contains(got.Content, "Title: second") || strings.Contains(got.Content, "Title: third") {
		t.Errorf("budget not enforced:\n%s", got.Content)
	}
}

func TestSearchErrorKeepsEarlierResults(t *testing.T) {
	store := seedIndex(t, &domain.SearchIndex{Name: "docs", QueryType: domain.QueryTypeSimple})
	search := &fakeSearch{
		docs: []Document{{Title: "partial", Content: "made it through"}},
		err:  context.DeadlineExceeded,
	}
	client := &rewriteClient{query: "anything"}
	r := NewRetriever(store, search)

	got := r.Retrieve(context.Background(), "docs", domain.Profile{Model: "gpt-4o"},
		[]domain.Message{{Role: domain.RoleUser, Content: "hi"}}, client)
	if got == nil {
		t.Fatal("Retrieve returned nil")
	}
	if !strings.Contains(got.Content, "made it through") {
		t.Errorf("earlier results dropped:\n%s", got.Content)
	}
}
