// Package redis provides a Redis-backed message history repository. It is
// history-only: profiles, tools, and index metadata stay in SQL.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/storage"
)

// History implements storage.HistoryRepository on a Redis list per
// conversation.
type History struct {
	client *goredis.Client
	ttl    time.Duration
}

var _ storage.HistoryRepository = (*History)(nil)

// Option configures the history store.
type Option func(*History)

// WithTTL sets an expiry on conversation keys. Zero means no expiry.
func WithTTL(ttl time.Duration) Option {
	return func(h *History) {
		h.ttl = ttl
	}
}

// New creates a history store on the given Redis client.
func New(client *goredis.Client, opts ...Option) *History {
	h := &History{client: client}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func conversationKey(id string) string {
	return "conversation:" + id
}

func (h *History) GetConversation(ctx context.Context, conversationID string, maxCount int) ([]domain.Message, error) {
	raw, err := h.client.LRange(ctx, conversationKey(conversationID), int64(-maxCount), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}

	msgs := make([]domain.Message, 0, len(raw))
	for _, item := range raw {
		var msg domain.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (h *History) AppendMessage(ctx context.Context, conversationID string, msg domain.Message) (*domain.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	key := conversationKey(conversationID)
	if err := h.client.RPush(ctx, key, raw).Err(); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	if h.ttl > 0 {
		if err := h.client.Expire(ctx, key, h.ttl).Err(); err != nil {
			return nil, fmt.Errorf("failed to refresh expiry: %w", err)
		}
	}
	return &msg, nil
}

// Close releases the underlying client.
func (h *History) Close() error {
	return h.client.Close()
}
