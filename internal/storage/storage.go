// Package storage defines the repository contracts consumed by the
// orchestration engine, plus shared storage types.
package storage

import (
	"context"
	"errors"

	"github.com/modelmux/modelmux/internal/domain"
)

// ErrNotFound is returned when a named entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ProfileRepository resolves stored completion profiles by name.
type ProfileRepository interface {
	GetProfile(ctx context.Context, name string) (*domain.Profile, error)
	PutProfile(ctx context.Context, profile *domain.Profile) error
}

// ToolRepository resolves stored tool definitions by name.
type ToolRepository interface {
	GetTool(ctx context.Context, name string) (*domain.Tool, error)
	PutTool(ctx context.Context, tool *domain.Tool) error
}

// IndexRepository resolves search-index metadata by name.
type IndexRepository interface {
	GetIndex(ctx context.Context, name string) (*domain.SearchIndex, error)
	PutIndex(ctx context.Context, index *domain.SearchIndex) error
}

// HistoryRepository persists conversation messages. GetConversation
// returns at most maxCount messages, oldest first. AppendMessage is one
// independent append; the engine deliberately issues one call per message
// rather than batching.
type HistoryRepository interface {
	GetConversation(ctx context.Context, conversationID string, maxCount int) ([]domain.Message, error)
	AppendMessage(ctx context.Context, conversationID string, msg domain.Message) (*domain.Message, error)
}

// Store bundles every repository the gateway needs.
type Store interface {
	ProfileRepository
	ToolRepository
	IndexRepository
	HistoryRepository

	Close() error
}
