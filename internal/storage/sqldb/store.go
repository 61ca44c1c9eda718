// Package sqldb implements the storage contracts over database/sql, with
// dialect support for SQLite and PostgreSQL.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/storage"
	"github.com/modelmux/modelmux/internal/storage/dialect"
)

// Store is a SQL-backed implementation of storage.Store.
type Store struct {
	db *sql.DB
	d  dialect.Dialect
}

var _ storage.Store = (*Store)(nil)

// Open opens a database by driver name ("sqlite" or "postgres") and DSN,
// applies dialect pragmas, and initializes the schema.
func Open(driver, dsn string) (*Store, error) {
	d, err := dialect.New(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := NewWithDB(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an existing *sql.DB. Used by Open and by tests that
// inject a mock connection.
func NewWithDB(db *sql.DB, driver string) (*Store, error) {
	d, err := dialect.New(driver)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, d: d}

	for _, pragma := range d.PragmaStatements() {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	ts := s.d.TimestampType()
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS profiles (
			name TEXT PRIMARY KEY,
			config TEXT NOT NULL,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tools (
			name TEXT PRIMARY KEY,
			definition TEXT NOT NULL,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS search_indexes (
			name TEXT PRIMARY KEY,
			metadata TEXT NOT NULL,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			image TEXT,
			author TEXT,
			created_at %s NOT NULL
		)`, ts),
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, name string) (*domain.Profile, error) {
	var p domain.Profile
	if err := s.getJSON(ctx, `SELECT config FROM profiles WHERE name = ?`, name, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) PutProfile(ctx context.Context, profile *domain.Profile) error {
	return s.putJSON(ctx, "profiles", "config", profile.Name, profile)
}

func (s *Store) GetTool(ctx context.Context, name string) (*domain.Tool, error) {
	var t domain.Tool
	if err := s.getJSON(ctx, `SELECT definition FROM tools WHERE name = ?`, name, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) PutTool(ctx context.Context, tool *domain.Tool) error {
	return s.putJSON(ctx, "tools", "definition", tool.Name, tool)
}

func (s *Store) GetIndex(ctx context.Context, name string) (*domain.SearchIndex, error) {
	var idx domain.SearchIndex
	if err := s.getJSON(ctx, `SELECT metadata FROM search_indexes WHERE name = ?`, name, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

func (s *Store) PutIndex(ctx context.Context, index *domain.SearchIndex) error {
	return s.putJSON(ctx, "search_indexes", "metadata", index.Name, index)
}

// GetConversation returns at most maxCount messages, oldest first.
func (s *Store) GetConversation(ctx context.Context, conversationID string, maxCount int) ([]domain.Message, error) {
	query := s.d.Rebind(`SELECT role, content, image, author, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, conversationID, maxCount)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer rows.Close()

	var newest []domain.Message
	for rows.Next() {
		var (
			msg    domain.Message
			image  sql.NullString
			author sql.NullString
		)
		if err := rows.Scan(&msg.Role, &msg.Content, &image, &author, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Image = image.String
		msg.Name = author.String
		newest = append(newest, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The query walks newest-first for the LIMIT; callers want oldest first.
	msgs := make([]domain.Message, 0, len(newest))
	for i := len(newest) - 1; i >= 0; i-- {
		msgs = append(msgs, newest[i])
	}
	return msgs, nil
}

func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg domain.Message) (*domain.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := s.d.Rebind(`INSERT INTO messages (id, conversation_id, role, content, image, author, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)

	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, query,
		id, conversationID, msg.Role, msg.Content, msg.Image, msg.Name, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	return &msg, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) getJSON(ctx context.Context, query, name string, out any) error {
	var raw []byte
	err := s.db.QueryRowContext(ctx, s.d.Rebind(query), name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to query %q: %w", name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %q: %w", name, err)
	}
	return nil
}

func (s *Store) putJSON(ctx context.Context, table, column, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", name, err)
	}

	query := s.d.Rebind(fmt.Sprintf(
		`INSERT INTO %s (name, %s, created_at, updated_at) VALUES (?, ?, %s, %s) %s`,
		table, column, s.d.CurrentTimestamp(), s.d.CurrentTimestamp(),
		s.d.UpsertClause("name", []string{column, "updated_at"}),
	))

	if _, err := s.db.ExecContext(ctx, query, name, string(raw)); err != nil {
		return fmt.Errorf("failed to upsert %q: %w", name, err)
	}
	return nil
}
