// Package store persists conversation threads and their messages in
// SQLite. The message list for a thread is always written as a whole;
// partial updates are never persisted.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrThreadNotFound is returned when a thread does not exist.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrThreadExists is returned by Init when the thread is already
	// initialized.
	ErrThreadExists = errors.New("thread already exists")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store is closed")
)

// Store is the interface for thread persistence.
type Store interface {
	// Init creates an empty thread. Returns ErrThreadExists when the
	// thread is already present.
	Init(ctx context.Context, threadID string) error

	// Exists reports whether a thread is present.
	Exists(ctx context.Context, threadID string) (bool, error)

	// Load returns a thread's messages ordered by position. Returns
	// ErrThreadNotFound when the thread does not exist.
	Load(ctx context.Context, threadID string) ([]Message, error)

	// Save replaces the thread's entire message list in a single
	// transaction, creating the thread if needed. Message positions
	// are assigned from slice order.
	Save(ctx context.Context, threadID string, messages []Message) error

	// Close releases the underlying database.
	Close() error
}

// Config holds store settings.
type Config struct {
	// Path is the SQLite database file. The parent directory is
	// created if missing.
	Path string `koanf:"path"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}
