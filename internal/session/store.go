package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/sqlassist/sqlassist/internal/observability"
	"github.com/sqlassist/sqlassist/internal/schema"
	"github.com/sqlassist/sqlassist/internal/source"
)

const (
	DefaultIdleTTL       = 15 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultHistoryTurns  = 20
	retiredCapacity      = 4096
)

type Config struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
	// QueueWhenBusy makes a second question wait for the first instead of
	// failing with ErrSessionBusy.
	QueueWhenBusy bool
	MaxSessions   int
	HistoryTurns  int
	Introspection schema.Options
}

type SweepSummary struct {
	Scanned int `json:"scanned"`
	Evicted int `json:"evicted"`
	Busy    int `json:"busy"`
}

type Store struct {
	Config Config
	Logger *slog.Logger
	Clock  func() time.Time
	NewID  func() string

	mu           sync.RWMutex
	sessions     map[string]*Session
	retired      map[string]struct{}
	retiredOrder []string
}

func NewStore(cfg Config, logger *slog.Logger) *Store {
	store := &Store{Config: cfg, Logger: logger}
	store.ensureDefaults()
	return store
}

func (st *Store) ensureDefaults() {
	if st.Config.IdleTTL <= 0 {
		st.Config.IdleTTL = DefaultIdleTTL
	}
	if st.Config.SweepInterval <= 0 {
		st.Config.SweepInterval = DefaultSweepInterval
	}
	if st.Config.HistoryTurns <= 0 {
		st.Config.HistoryTurns = DefaultHistoryTurns
	}
	if st.Logger == nil {
		st.Logger = slog.Default()
	}
	if st.Clock == nil {
		st.Clock = time.Now
	}
	if st.NewID == nil {
		st.NewID = uuid.NewString
	}
	if st.sessions == nil {
		st.sessions = make(map[string]*Session)
	}
	if st.retired == nil {
		st.retired = make(map[string]struct{})
	}
}

// Create introspects src and registers it under a fresh id. The store owns
// src from here on: it is closed on any error and on eviction.
func (st *Store) Create(ctx context.Context, owner string, src *source.Source) (*Session, error) {
	if src == nil || src.DB == nil {
		return nil, &schema.IntrospectionError{Reason: "no data source"}
	}
	st.mu.RLock()
	full := st.Config.MaxSessions > 0 && len(st.sessions) >= st.Config.MaxSessions
	st.mu.RUnlock()
	if full {
		_ = src.Close()
		return nil, ErrStoreFull
	}

	described, err := schema.Describe(ctx, src.DB, src.Dialect, st.Config.Introspection)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	now := st.Clock()
	session := &Session{
		Owner:     owner,
		Source:    src,
		Schema:    described,
		CreatedAt: now,
		sem:       semaphore.NewWeighted(1),
		maxTurns:  st.Config.HistoryTurns,
	}
	session.touch(now)

	st.mu.Lock()
	if st.Config.MaxSessions > 0 && len(st.sessions) >= st.Config.MaxSessions {
		st.mu.Unlock()
		_ = src.Close()
		return nil, ErrStoreFull
	}
	session.ID = st.allocateIDLocked()
	st.sessions[session.ID] = session
	count := len(st.sessions)
	st.mu.Unlock()

	observability.SetActiveSessions(count)
	st.Logger.InfoContext(ctx, "session created",
		slog.String("session_id", session.ID),
		slog.String("owner", owner),
		slog.String("dialect", string(described.Dialect)),
		slog.Int("tables", len(described.Tables)),
	)
	return session, nil
}

func (st *Store) allocateIDLocked() string {
	for {
		id := st.NewID()
		if _, live := st.sessions[id]; live {
			continue
		}
		if _, used := st.retired[id]; used {
			continue
		}
		return id
	}
}

// Get returns the live session id owned by owner. Sessions owned by someone
// else are reported as missing. Expired sessions are evicted on the spot
// unless a question is still running on them, in which case they count as
// live.
func (st *Store) Get(ctx context.Context, owner, id string) (*Session, error) {
	st.mu.RLock()
	session, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok || session.Owner != owner {
		return nil, ErrSessionNotFound
	}
	if !st.expired(session) {
		return session, nil
	}
	if !session.sem.TryAcquire(1) {
		return session, nil
	}
	defer session.unlock()
	if st.detach(session) {
		if err := st.closeSession(session, "expired"); err != nil {
			st.Logger.WarnContext(ctx, "close expired session", slog.String("session_id", id), slog.Any("error", err))
		}
	}
	return nil, ErrSessionNotFound
}

func (st *Store) Touch(session *Session) {
	session.touch(st.Clock())
}

// Acquire enters the session's critical section. The returned release
// function is safe to call more than once.
func (st *Store) Acquire(ctx context.Context, owner, id string) (*Session, func(), error) {
	session, err := st.Get(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}
	if err := session.lock(ctx, st.Config.QueueWhenBusy); err != nil {
		if errors.Is(err, ErrSessionBusy) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("wait for session: %w", err)
	}
	if session.closed.Load() {
		session.unlock()
		return nil, nil, ErrSessionNotFound
	}
	st.Touch(session)

	var once sync.Once
	release := func() {
		once.Do(func() {
			st.Touch(session)
			session.unlock()
		})
	}
	return session, release, nil
}

// Evict removes a session on behalf of its owner, waiting for any in-flight
// question to finish first.
func (st *Store) Evict(ctx context.Context, owner, id string) error {
	st.mu.RLock()
	session, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok || session.Owner != owner {
		return ErrSessionNotFound
	}
	return st.evict(ctx, session, "reset")
}

func (st *Store) evict(ctx context.Context, session *Session, cause string) error {
	if !st.detach(session) {
		return nil
	}
	if err := session.sem.Acquire(ctx, 1); err != nil {
		// The holder still owns the connection. Close it once they are done.
		go st.closeWhenIdle(session, cause)
		return fmt.Errorf("wait for session: %w", err)
	}
	defer session.unlock()
	return st.closeSession(session, cause)
}

func (st *Store) closeWhenIdle(session *Session, cause string) {
	if err := session.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer session.unlock()
	if err := st.closeSession(session, cause); err != nil {
		st.Logger.Warn("close session", slog.String("session_id", session.ID), slog.Any("error", err))
	}
}

// detach removes the session from the live set and retires its id. It
// reports false when another caller got there first.
func (st *Store) detach(session *Session) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	current, ok := st.sessions[session.ID]
	if !ok || current != session {
		return false
	}
	delete(st.sessions, session.ID)
	st.retireLocked(session.ID)
	observability.SetActiveSessions(len(st.sessions))
	return true
}

func (st *Store) retireLocked(id string) {
	st.retired[id] = struct{}{}
	st.retiredOrder = append(st.retiredOrder, id)
	if len(st.retiredOrder) > retiredCapacity {
		oldest := st.retiredOrder[0]
		st.retiredOrder = st.retiredOrder[1:]
		delete(st.retired, oldest)
	}
}

func (st *Store) closeSession(session *Session, cause string) error {
	if !session.closed.CompareAndSwap(false, true) {
		return nil
	}
	observability.IncrementSessionEviction(cause)
	st.Logger.Info("session evicted",
		slog.String("session_id", session.ID),
		slog.String("cause", cause),
		slog.Duration("age", st.Clock().Sub(session.CreatedAt)),
	)
	if err := session.Source.Close(); err != nil {
		return fmt.Errorf("close session %s: %w", session.ID, err)
	}
	return nil
}

func (st *Store) expired(session *Session) bool {
	return st.Clock().Sub(session.LastAccess()) > st.Config.IdleTTL
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Run sweeps idle sessions until ctx is cancelled.
func (st *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(st.Config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary := st.SweepOnce(ctx)
			if summary.Evicted > 0 {
				st.Logger.InfoContext(ctx, "session sweep completed", slog.Any("summary", summary))
			}
		}
	}
}

// SweepOnce evicts every idle session that is not currently in use.
func (st *Store) SweepOnce(ctx context.Context) SweepSummary {
	st.mu.RLock()
	candidates := make([]*Session, 0, len(st.sessions))
	for _, session := range st.sessions {
		candidates = append(candidates, session)
	}
	st.mu.RUnlock()

	summary := SweepSummary{Scanned: len(candidates)}
	for _, session := range candidates {
		if !st.expired(session) {
			continue
		}
		if !session.sem.TryAcquire(1) {
			summary.Busy++
			continue
		}
		if st.detach(session) {
			if err := st.closeSession(session, "expired"); err != nil {
				st.Logger.WarnContext(ctx, "close expired session", slog.String("session_id", session.ID), slog.Any("error", err))
			}
			summary.Evicted++
		}
		session.unlock()
	}
	return summary
}

// Close evicts every session, waiting for in-flight questions.
func (st *Store) Close(ctx context.Context) error {
	st.mu.RLock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, session := range st.sessions {
		sessions = append(sessions, session)
	}
	st.mu.RUnlock()

	var result *multierror.Error
	for _, session := range sessions {
		if err := st.evict(ctx, session, "shutdown"); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
