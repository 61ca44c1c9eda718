package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/storage/memory"
)

type fakeClient struct {
	image string
	err   error
}

func (f *fakeClient) Host() domain.Host { return domain.HostOpenAI }

func (f *fakeClient) PostCompletion(ctx context.Context, req *provider.Request) *domain.CompletionResponse {
	return &domain.CompletionResponse{FinishReason: domain.FinishReasonStop, Messages: req.Messages}
}

func (f *fakeClient) StreamCompletion(ctx context.Context, req *provider.Request) <-chan domain.CompletionStreamChunk {
	out := make(chan domain.CompletionStreamChunk)
	close(out)
	return out
}

func (f *fakeClient) GenerateImage(ctx context.Context, prompt string) (string, error) {
	return f.image, f.err
}

func newFakeFactory(t *testing.T, client provider.Client) *provider.Factory {
	t.Helper()
	provider.ClearRegistry()
	t.Cleanup(provider.ClearRegistry)

	provider.Register(domain.HostOpenAI, func(cfg config.BackendConfig) (provider.Client, error) {
		return client, nil
	})
	return provider.NewFactory([]config.BackendConfig{{Host: string(domain.HostOpenAI)}})
}

type fakeRecurser struct {
	calls []int
	reply domain.Message
}

func (f *fakeRecurser) CompleteAtDepth(ctx context.Context, req *domain.CompletionRequest, depth int) (*domain.CompletionResponse, error) {
	f.calls = append(f.calls, depth)
	return &domain.CompletionResponse{
		FinishReason: domain.FinishReasonStop,
		Messages:     append(req.Messages, f.reply),
	}, nil
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindRecursion, Classify(domain.ToolChatRecursion))
	assert.Equal(t, KindImage, Classify(domain.ToolGenerateImage))
	assert.Equal(t, KindExternal, Classify("weather_lookup"))
}

func TestRedistributeRoles(t *testing.T) {
	messages := []domain.Message{
		{Role: domain.RoleUser, Name: "alice", Content: "hello"},
		{Role: domain.RoleAssistant, Name: "Helper", Content: "hi there"},
		{Role: domain.RoleAssistant, Name: "Chat", Content: "more context"},
		{Role: domain.RoleUser, Name: "alice", Content: "what next"},
	}

	view := RedistributeRoles(messages, "Helper")

	// Turns authored by the delegate stay assistant; everything else is a
	// user turn, and the trailing user turns merge into one prompt.
	require.Len(t, view, 3)
	assert.Equal(t, domain.RoleUser, view[0].Role)
	assert.Equal(t, "hello", view[0].Content)
	assert.Equal(t, domain.RoleAssistant, view[1].Role)
	assert.Equal(t, "hi there", view[1].Content)
	assert.Equal(t, domain.RoleUser, view[2].Role)
	assert.Equal(t, "more context\n\nwhat next", view[2].Content)
}

func TestRedistributeRolesForcesLastToUser(t *testing.T) {
	messages := []domain.Message{
		{Role: domain.RoleUser, Name: "alice", Content: "question"},
		{Role: domain.RoleAssistant, Name: "Helper", Content: "please continue"},
	}

	view := RedistributeRoles(messages, "Helper")
	require.NotEmpty(t, view)
	assert.Equal(t, domain.RoleUser, view[len(view)-1].Role)
}

func TestExecuteToolsRecursionRestoresOriginalMessages(t *testing.T) {
	recurser := &fakeRecurser{
		reply: domain.Message{Role: domain.RoleAssistant, Name: "Helper", Content: "delegated answer"},
	}

	d := NewDispatcher(memory.New(), newFakeFactory(t, &fakeClient{}))
	d.SetRecurser(recurser)

	original := []domain.Message{
		{Role: domain.RoleUser, Name: "alice", Content: "hello"},
		{Role: domain.RoleAssistant, Name: "Chat", Content: "let me ask Helper"},
	}
	calls := map[string]string{
		domain.ToolChatRecursion: `{"responding_ai_model":"Helper"}`,
	}

	responses, updated := d.ExecuteTools(context.Background(), calls, original, domain.Profile{Name: "Chat"}, "", 0)

	assert.Empty(t, responses)
	assert.Equal(t, []int{1}, recurser.calls)

	// Original ordering and labels survive; only the delegate's new turn
	// is appended.
	require.Len(t, updated, 3)
	assert.Equal(t, original[0], updated[0])
	assert.Equal(t, original[1], updated[1])
	assert.Equal(t, "delegated answer", updated[2].Content)
	assert.Equal(t, "Helper", updated[2].Name)
}

func TestExecuteToolsRecursionMissingArgument(t *testing.T) {
	d := NewDispatcher(memory.New(), newFakeFactory(t, &fakeClient{}))
	d.SetRecurser(&fakeRecurser{})

	responses, updated := d.ExecuteTools(context.Background(),
		map[string]string{domain.ToolChatRecursion: `{}`},
		[]domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		domain.Profile{Name: "Chat"}, "", 0)

	require.Len(t, responses, 1)
	assert.Contains(t, responses[0].Reason, domain.RecursionArgumentKey)
	assert.Len(t, updated, 1)
}

func TestExecuteToolsImageAttachesToAssistantMessage(t *testing.T) {
	d := NewDispatcher(memory.New(), newFakeFactory(t, &fakeClient{image: "aW1hZ2U="}))

	messages := []domain.Message{
		{Role: domain.RoleUser, Content: "draw a cat"},
		{Role: domain.RoleAssistant, Name: "Chat", Content: "here you go"},
	}
	responses, updated := d.ExecuteTools(context.Background(),
		map[string]string{domain.ToolGenerateImage: `{"prompt":"a cat"}`},
		messages, domain.Profile{Name: "Chat", Host: domain.HostOpenAI}, "", 0)

	assert.Empty(t, responses)
	require.Len(t, updated, 2)
	assert.Equal(t, "aW1hZ2U=", updated[1].Image)
}

func TestExecuteToolsImageAppendsWhenLastIsUser(t *testing.T) {
	d := NewDispatcher(memory.New(), newFakeFactory(t, &fakeClient{image: "aW1hZ2U="}))

	messages := []domain.Message{{Role: domain.RoleUser, Content: "draw a cat"}}
	_, updated := d.ExecuteTools(context.Background(),
		map[string]string{domain.ToolGenerateImage: `{"prompt":"a cat"}`},
		messages, domain.Profile{Name: "Chat", Host: domain.HostOpenAI}, "", 0)

	require.Len(t, updated, 2)
	assert.Equal(t, domain.RoleAssistant, updated[1].Role)
	assert.Equal(t, "aW1hZ2U=", updated[1].Image)
	assert.Empty(t, updated[1].Content)
}

func TestExecuteToolsExternalHTTP(t *testing.T) {
	var gotBody string
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"temp": 21}`))
	}))
	defer srv.Close()

	store := memory.New()
	require.NoError(t, store.PutTool(context.Background(), &domain.Tool{
		Name:             "weather_lookup",
		ExecutionURL:     srv.URL,
		ExecutionAuthKey: "secret",
	}))

	d := NewDispatcher(store, newFakeFactory(t, &fakeClient{}))

	responses, updated := d.ExecuteTools(context.Background(),
		map[string]string{"weather_lookup": `{"city":"Oslo"}`},
		[]domain.Message{{Role: domain.RoleUser, Content: "weather?"}},
		domain.Profile{Name: "Chat"}, "", 0)

	require.Len(t, responses, 1)
	assert.Equal(t, http.StatusOK, responses[0].Status)
	assert.Equal(t, `{"temp": 21}`, responses[0].Body)
	assert.Empty(t, responses[0].Reason)
	assert.Equal(t, `{"city":"Oslo"}`, gotBody)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Len(t, updated, 1)
}

func TestExecuteToolsExternalFailureDoesNotAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := memory.New()
	require.NoError(t, store.PutTool(context.Background(), &domain.Tool{
		Name:         "broken_tool",
		ExecutionURL: srv.URL,
	}))

	d := NewDispatcher(store, newFakeFactory(t, &fakeClient{}))

	responses, _ := d.ExecuteTools(context.Background(),
		map[string]string{
			"broken_tool":  `{}`,
			"missing_tool": `{}`,
		},
		[]domain.Message{{Role: domain.RoleUser, Content: "go"}},
		domain.Profile{Name: "Chat"}, "", 0)

	// Both calls produce a captured failure; neither aborts dispatch.
	require.Len(t, responses, 2)
	for _, resp := range responses {
		assert.NotEmpty(t, resp.Reason)
	}
}
