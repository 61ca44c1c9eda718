package sqldb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProfileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := &domain.Profile{
		Name:              "Chat",
		Host:              domain.HostOpenAI,
		Model:             "gpt-4o",
		System:            "Be helpful.",
		ReferenceProfiles: []string{"Helper"},
	}
	if err := s.PutProfile(ctx, want); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}

	got, err := s.GetProfile(ctx, "Chat")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.Host != want.Host || got.Model != want.Model || got.System != want.System {
		t.Errorf("got %+v, want %+v", got, want)
	}

	// Upsert replaces.
	want.Model = "gpt-4o-mini"
	if err := s.PutProfile(ctx, want); err != nil {
		t.Fatalf("PutProfile update: %v", err)
	}
	got, err = s.GetProfile(ctx, "Chat")
	if err != nil {
		t.Fatalf("GetProfile after update: %v", err)
	}
	if got.Model != "gpt-4o-mini" {
		t.Errorf("model = %q after upsert", got.Model)
	}
}

func TestGetProfileNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetProfile(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestToolAndIndexRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tool := &domain.Tool{
		Name:         "weather_lookup",
		ExecutionURL: "https://tools.example.com/weather",
		Parameters: domain.ToolParameters{
			Type:       "object",
			Properties: map[string]domain.ToolProperty{"city": {Type: "string"}},
			Required:   []string{"city"},
		},
	}
	if err := s.PutTool(ctx, tool); err != nil {
		t.Fatalf("PutTool: %v", err)
	}
	gotTool, err := s.GetTool(ctx, "weather_lookup")
	if err != nil {
		t.Fatalf("GetTool: %v", err)
	}
	if gotTool.ExecutionURL != tool.ExecutionURL || len(gotTool.Parameters.Required) != 1 {
		t.Errorf("tool = %+v", gotTool)
	}

	index := &domain.SearchIndex{Name: "docs", QueryType: domain.QueryTypeSemantic}
	if err := s.PutIndex(ctx, index); err != nil {
		t.Fatalf("PutIndex: %v", err)
	}
	gotIndex, err := s.GetIndex(ctx, "docs")
	if err != nil {
		t.Fatalf("GetIndex: %v", err)
	}
	if gotIndex.QueryType != domain.QueryTypeSemantic {
		t.Errorf("index = %+v", gotIndex)
	}
}

func TestConversationOrderingAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, content := range []string{"one", "two", "three"} {
		_, err := s.AppendMessage(ctx, "conv-1", domain.Message{
			Role:      domain.RoleUser,
			Content:   content,
			Name:      "alice",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	// Bounded to the newest two, returned oldest first.
	msgs, err := s.GetConversation(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Errorf("order = %q, %q", msgs[0].Content, msgs[1].Content)
	}
	if msgs[0].Name != "alice" {
		t.Errorf("author = %q", msgs[0].Name)
	}
}

func TestConversationIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendMessage(ctx, "conv-a", domain.Message{Role: domain.RoleUser, Content: "a"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := s.GetConversation(ctx, "conv-b", 10)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("leaked %d messages across conversations", len(msgs))
	}
}

func TestAppendMessageQueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// Schema setup succeeds, the insert fails.
	mock.ExpectExec("PRAGMA journal_mode=WAL").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("PRAGMA synchronous=NORMAL").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("PRAGMA foreign_keys=ON").WillReturnResult(sqlmock.NewResult(0, 0))
	for range 5 {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec("INSERT INTO messages").WillReturnError(errors.New("disk full"))

	s, err := NewWithDB(db, "sqlite")
	if err != nil {
		t.Fatalf("NewWithDB: %v", err)
	}

	_, err = s.AppendMessage(context.Background(), "conv", domain.Message{Role: domain.RoleUser, Content: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open("oracle", "dsn"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
