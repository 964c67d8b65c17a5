// Package session keeps uploaded data sources alive between questions.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sqlassist/sqlassist/internal/schema"
	"github.com/sqlassist/sqlassist/internal/source"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionBusy     = errors.New("session is busy")
	ErrStoreFull       = errors.New("session limit reached")
)

// Turn is one answered (or failed) question kept for follow-ups.
type Turn struct {
	RequestID string    `json:"request_id"`
	Question  string    `json:"question"`
	SQL       string    `json:"sql_query,omitempty"`
	Stage     string    `json:"stage"`
	RowCount  int       `json:"row_count"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

type Session struct {
	ID        string
	Owner     string
	Source    *source.Source
	Schema    schema.Schema
	CreatedAt time.Time

	lastAccess atomic.Int64
	closed     atomic.Bool
	sem        *semaphore.Weighted

	historyMu sync.Mutex
	history   []Turn
	maxTurns  int
}

func (s *Session) LastAccess() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastAccess.Store(now.UnixNano())
}

// Record appends a turn, dropping the oldest once the history is full.
func (s *Session) Record(turn Turn) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = append(s.history, turn)
	if s.maxTurns > 0 && len(s.history) > s.maxTurns {
		s.history = append([]Turn(nil), s.history[len(s.history)-s.maxTurns:]...)
	}
}

func (s *Session) History() []Turn {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return append([]Turn(nil), s.history...)
}

// LastTurn returns the most recent turn that produced SQL.
func (s *Session) LastTurn() (Turn, bool) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].SQL != "" {
			return s.history[i], true
		}
	}
	return Turn{}, false
}

func (s *Session) lock(ctx context.Context, wait bool) error {
	if !wait {
		if !s.sem.TryAcquire(1) {
			return ErrSessionBusy
		}
		return nil
	}
	return s.sem.Acquire(ctx, 1)
}

func (s *Session) unlock() {
	s.sem.Release(1)
}
