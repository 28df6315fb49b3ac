// Package chat holds the session event state machine: the transitions that
// turn a stream of inbound agent events into transcript messages, and local
// intents into outbound commands.
package chat

import (
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// Reducer applies session transitions. It holds no session state of its own;
// every method mutates the SessionState it is handed, so one Reducer may be
// shared by any number of sessions as long as each state has a single owner.
type Reducer struct {
	// NewID generates identifiers for messages and tool calls.
	NewID func() string
	// Now stamps messages created by a transition.
	Now    func() time.Time
	Logger *slog.Logger
}

// NewReducer creates a Reducer with ULID identifiers and wall-clock timestamps.
func NewReducer(logger *slog.Logger) *Reducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reducer{
		NewID:  NewULID,
		Now:    time.Now,
		Logger: logger,
	}
}

// NewULID returns a new lexicographically sortable identifier.
func NewULID() string {
	return ulid.Make().String()
}

func (r *Reducer) newID() string {
	if r.NewID == nil {
		return NewULID()
	}
	return r.NewID()
}

func (r *Reducer) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r *Reducer) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
