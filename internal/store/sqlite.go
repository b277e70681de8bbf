package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// SQLite implements Store on a local SQLite database file.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewSQLite opens (creating if necessary) the database at cfg.Path and
// applies pending migrations.
func NewSQLite(cfg *Config, logger *zap.Logger) (*SQLite, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLite{db: db, logger: logger.Named("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("store opened", zap.String("path", cfg.Path))
	return s, nil
}

// Init creates an empty thread.
func (s *SQLite) Init(ctx context.Context, threadID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, created_at, updated_at) VALUES (?, ?, ?)`,
		threadID, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrThreadExists
		}
		return fmt.Errorf("inserting thread: %w", err)
	}
	return nil
}

// Exists reports whether a thread is present.
func (s *SQLite) Exists(ctx context.Context, threadID string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	var count int
	err := sqlscan.Get(ctx, s.db, &count,
		`SELECT COUNT(*) FROM threads WHERE id = ?`, threadID)
	if err != nil {
		return false, fmt.Errorf("querying thread: %w", err)
	}
	return count > 0, nil
}

// Load returns a thread's messages ordered by position.
func (s *SQLite) Load(ctx context.Context, threadID string) ([]Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	exists, err := s.Exists(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrThreadNotFound
	}

	var messages []Message
	err = sqlscan.Select(ctx, s.db, &messages,
		`SELECT id, thread_id, role, content, position, created_at
		 FROM messages WHERE thread_id = ? ORDER BY position`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return messages, nil
}

// Save replaces the thread's message list in one transaction.
func (s *SQLite) Save(ctx context.Context, threadID string, messages []Message) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO threads (id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		threadID, now, now)
	if err != nil {
		return fmt.Errorf("upserting thread: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}

	for i, m := range messages {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
		id := m.ID
		if id == "" {
			id = uuid.New().String()
		}
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, thread_id, role, content, position, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, threadID, string(m.Role), m.Content, i, createdAt)
		if err != nil {
			return fmt.Errorf("inserting message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLite) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// migrate applies pending schema migrations, tracking versions in
// schema_migrations.
func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	var applied []int
	if err := sqlscan.Select(context.Background(), s.db, &applied,
		`SELECT version FROM schema_migrations ORDER BY version`); err != nil {
		return fmt.Errorf("querying applied migrations: %w", err)
	}
	appliedSet := make(map[int]bool, len(applied))
	for _, v := range applied {
		appliedSet[v] = true
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, extractUpMigration(initialSchema)},
	}

	for _, m := range migrations {
		if appliedSet[m.version] {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
		s.logger.Debug("applied migration", zap.Int("version", m.version))
	}

	return nil
}

// extractUpMigration extracts the up statements from a goose-format
// migration file.
func extractUpMigration(content string) string {
	var up []string
	inUp := false
	inStatement := false

	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.Contains(line, "-- +goose Up"):
			inUp = true
		case strings.Contains(line, "-- +goose Down"):
			return strings.Join(up, "\n")
		case strings.Contains(line, "-- +goose StatementBegin"):
			inStatement = true
		case strings.Contains(line, "-- +goose StatementEnd"):
			inStatement = false
		default:
			if inUp && inStatement {
				up = append(up, line)
			}
		}
	}
	return strings.Join(up, "\n")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	// modernc/sqlite reports constraint failures in the error text;
	// it does not export a typed error for them.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
