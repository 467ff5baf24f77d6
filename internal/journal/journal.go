// Package journal keeps a history of session state transitions.
//
// A [Recorder] subscribes to a coordinator's state changes and appends each
// transition to a [Store] from its own goroutine, so a slow backend never
// stalls the coordinator. Two stores are provided: [MemoryStore], a bounded
// ring kept in process, and postgres.Store for durable history.
package journal

import (
	"context"
	"errors"
	"time"
)

// Entry is one recorded state transition.
type Entry struct {
	SessionID  string    `json:"session_id"`
	Generation uint64    `json:"generation"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// Store persists journal entries.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append records e.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit entries, newest first. A limit <= 0 returns
	// every retained entry.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Close releases the store's resources.
	Close() error
}

// ErrClosed is returned by a closed store.
var ErrClosed = errors.New("journal: store closed")
