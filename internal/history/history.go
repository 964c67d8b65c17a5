// Package history describes the durable log of asked questions.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Entry is one ask outcome. Reason carries the rejection reason or error
// class for failed asks and is empty otherwise.
type Entry struct {
	RequestID string
	SessionID string
	Owner     string
	Question  string
	SQL       string
	Stage     string
	Reason    string
	RowCount  int
	Truncated bool
	Duration  time.Duration
	CreatedAt time.Time
}

func (e Entry) Validate() error {
	switch {
	case strings.TrimSpace(e.RequestID) == "":
		return fmt.Errorf("history entry request id is required")
	case strings.TrimSpace(e.SessionID) == "":
		return fmt.Errorf("history entry session id is required")
	case strings.TrimSpace(e.Stage) == "":
		return fmt.Errorf("history entry stage is required")
	}
	return nil
}

type Log interface {
	Record(ctx context.Context, entry Entry) error
	ListByOwner(ctx context.Context, owner string, limit int) ([]Entry, error)
}

// Discard is the log used when no history database is configured.
type Discard struct{}

func (Discard) Record(context.Context, Entry) error { return nil }

func (Discard) ListByOwner(context.Context, string, int) ([]Entry, error) { return []Entry{}, nil }
