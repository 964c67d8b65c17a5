package assistant

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sqlassist/sqlassist/internal/archive"
	"github.com/sqlassist/sqlassist/internal/history"
	"github.com/sqlassist/sqlassist/internal/nl2sql"
	"github.com/sqlassist/sqlassist/internal/prompt"
	"github.com/sqlassist/sqlassist/internal/query"
	"github.com/sqlassist/sqlassist/internal/schema"
	"github.com/sqlassist/sqlassist/internal/session"
	"github.com/sqlassist/sqlassist/internal/source"
	"github.com/sqlassist/sqlassist/internal/sqlguard"
)

var ordersFixture = []string{
	"CREATE TABLE orders (id INTEGER PRIMARY KEY, country TEXT NOT NULL, total REAL)",
	"INSERT INTO orders (id, country, total) VALUES (1, 'US', 10.5), (2, 'US', 20), (3, 'DE', 7.25)",
}

func sqliteBytes(t *testing.T, statements ...string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	for _, statement := range statements {
		_, err := db.Exec(statement)
		require.NoError(t, err, statement)
	}
	require.NoError(t, db.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// spyRunner counts executions and the most that ever ran at once.
type spyRunner struct {
	next    query.Runner
	delay   time.Duration
	calls   atomic.Int32
	running atomic.Int32
	peak    atomic.Int32
}

func (s *spyRunner) Execute(ctx context.Context, db query.Beginner, request query.Request) (query.Result, error) {
	s.calls.Add(1)
	now := s.running.Add(1)
	defer s.running.Add(-1)
	for {
		peak := s.peak.Load()
		if now <= peak || s.peak.CompareAndSwap(peak, now) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.next.Execute(ctx, db, request)
}

type recordingGenerator struct {
	next    SQLGenerator
	mu      sync.Mutex
	prompts []prompt.Prompt
}

func (g *recordingGenerator) Generate(ctx context.Context, p prompt.Prompt) (nl2sql.Candidate, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, p)
	g.mu.Unlock()
	return g.next.Generate(ctx, p)
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, prompt.Prompt) (nl2sql.Candidate, error) {
	return nl2sql.Candidate{}, &nl2sql.GenerationError{Backend: "fake", Attempts: 2, Err: nl2sql.ErrEmptyResponse}
}

type memoryLog struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (m *memoryLog) Record(_ context.Context, entry history.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryLog) ListByOwner(_ context.Context, owner string, limit int) ([]history.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].Owner == owner {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

type fakeArchiver struct {
	uploads []archive.Upload
	bodies  [][]byte
	err     error
}

func (f *fakeArchiver) Archive(_ context.Context, upload archive.Upload) (archive.ObjectInfo, error) {
	if f.err != nil {
		return archive.ObjectInfo{}, f.err
	}
	body, err := io.ReadAll(upload.Body)
	if err != nil {
		return archive.ObjectInfo{}, err
	}
	f.uploads = append(f.uploads, upload)
	f.bodies = append(f.bodies, body)
	key, err := archive.BuildUploadKey(upload.Owner, upload.SessionID, upload.Filename)
	if err != nil {
		return archive.ObjectInfo{}, err
	}
	return archive.ObjectInfo{Key: key, Size: int64(len(body))}, nil
}

type harness struct {
	engine *Engine
	spy    *spyRunner
	log    *memoryLog
}

func newHarness(t *testing.T, mutate func(*Dependencies)) harness {
	t.Helper()
	store := session.NewStore(session.Config{QueueWhenBusy: true}, nil)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	rules := nl2sql.NewRulesCompleter()
	spy := &spyRunner{next: query.NewExecutor(query.Limits{MaxRows: 100, Timeout: 5 * time.Second})}
	log := &memoryLog{}
	deps := Dependencies{
		Loader:     source.NewLoader(t.TempDir(), 0, nil),
		Store:      store,
		Generator:  nl2sql.NewGenerator(rules, time.Second, 0, nil),
		Summarizer: nl2sql.NewSummarizer(rules, time.Second, nil),
		Executor:   spy,
		History:    log,
	}
	if mutate != nil {
		mutate(&deps)
	}
	engine, err := NewEngine(Config{Backend: rules.Name(), BackendConfigured: true}, deps)
	require.NoError(t, err)
	return harness{engine: engine, spy: spy, log: log}
}

func (h harness) upload(t *testing.T, owner, filename string, statements ...string) SessionInfo {
	t.Helper()
	info, err := h.engine.InitSession(context.Background(), owner, source.Upload{
		Filename: filename,
		Data:     bytes.NewReader(sqliteBytes(t, statements...)),
	})
	require.NoError(t, err)
	return info
}

func TestAskAnswersCountQuestion(t *testing.T) {
	h := newHarness(t, nil)
	info := h.upload(t, "alice", "shop.db", ordersFixture...)
	require.Len(t, info.SchemaSummary, 1)
	assert.Equal(t, "orders", info.SchemaSummary[0].Name)
	assert.EqualValues(t, 3, info.SchemaSummary[0].RowCount)

	result, err := h.engine.Ask(context.Background(), "alice", AskRequest{
		SessionID: info.SessionID,
		Question:  "How many orders are from US?",
	})
	require.NoError(t, err)

	assert.Equal(t, StageDone, result.Stage)
	assert.Contains(t, result.SQL, "count(*)")
	assert.Equal(t, []string{"count"}, result.Columns)
	require.Equal(t, 1, result.RowCount)
	value, ok := result.Results[0].Get("count")
	require.True(t, ok)
	assert.EqualValues(t, 2, value)
	assert.Contains(t, result.Answer, "2")
	assert.Empty(t, result.Error)
	assert.NotEmpty(t, result.RequestID)

	require.Len(t, h.log.entries, 1)
	assert.Equal(t, "done", h.log.entries[0].Stage)
	assert.Equal(t, "alice", h.log.entries[0].Owner)
	assert.Equal(t, result.RequestID, h.log.entries[0].RequestID)
}

func TestAskRejectsDestructiveQuestionWithoutExecuting(t *testing.T) {
	h := newHarness(t, nil)
	info := h.upload(t, "alice", "shop.db", ordersFixture...)

	result, err := h.engine.Ask(context.Background(), "alice", AskRequest{
		SessionID: info.SessionID,
		Question:  "Please delete all the orders",
	})
	require.Error(t, err)

	var rejection *sqlguard.RejectionError
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, sqlguard.ReasonNotASelect, rejection.Reason)
	assert.Equal(t, StageError, result.Stage)
	assert.Equal(t, "not_a_select", result.Reason)
	assert.Contains(t, result.SQL, "DELETE")
	assert.Empty(t, result.Results)
	assert.EqualValues(t, 0, h.spy.calls.Load())

	after, err := h.engine.Ask(context.Background(), "alice", AskRequest{
		SessionID: info.SessionID,
		Question:  "How many orders are there?",
	})
	require.NoError(t, err)
	value, _ := after.Results[0].Get("count")
	assert.EqualValues(t, 3, value)
	assert.EqualValues(t, 1, h.spy.calls.Load())
}

func TestAskRejectsShortQuestion(t *testing.T) {
	h := newHarness(t, nil)

	result, err := h.engine.Ask(context.Background(), "alice", AskRequest{SessionID: "whatever", Question: "  count?  "})
	require.ErrorIs(t, err, ErrQuestionTooShort)
	assert.Equal(t, StageError, result.Stage)
	assert.Equal(t, "count?", result.Question)
	assert.Equal(t, "question_too_short", result.Reason)
	assert.Empty(t, h.log.entries)
}

func TestAskIsOwnerScoped(t *testing.T) {
	h := newHarness(t, nil)
	info := h.upload(t, "alice", "shop.db", ordersFixture...)

	_, err := h.engine.Ask(context.Background(), "mallory", AskRequest{
		SessionID: info.SessionID,
		Question:  "How many orders are there?",
	})
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = h.engine.Ask(context.Background(), "alice", AskRequest{
		SessionID: "missing",
		Question:  "How many orders are there?",
	})
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestConcurrentAsksOnOneSessionAreSerialized(t *testing.T) {
	h := newHarness(t, nil)
	h.spy.delay = 20 * time.Millisecond
	info := h.upload(t, "alice", "shop.db", ordersFixture...)

	var group errgroup.Group
	for i := 0; i < 4; i++ {
		group.Go(func() error {
			_, err := h.engine.Ask(context.Background(), "alice", AskRequest{
				SessionID: info.SessionID,
				Question:  "How many orders are there?",
			})
			return err
		})
	}
	require.NoError(t, group.Wait())
	assert.EqualValues(t, 4, h.spy.calls.Load())
	assert.EqualValues(t, 1, h.spy.peak.Load())
}

func TestFollowUpSeesPreviousTurn(t *testing.T) {
	recorder := &recordingGenerator{}
	h := newHarness(t, func(deps *Dependencies) {
		recorder.next = deps.Generator
		deps.Generator = recorder
	})
	info := h.upload(t, "alice", "shop.db", ordersFixture...)

	first, err := h.engine.Ask(context.Background(), "alice", AskRequest{SessionID: info.SessionID, Question: "How many orders are from US?"})
	require.NoError(t, err)
	_, err = h.engine.Ask(context.Background(), "alice", AskRequest{SessionID: info.SessionID, Question: "And how many are from DE?"})
	require.NoError(t, err)

	require.Len(t, recorder.prompts, 2)
	assert.NotContains(t, recorder.prompts[0].User, "Previous SQL:")
	assert.Contains(t, recorder.prompts[1].User, "Previous SQL: "+first.SQL)

	turns, err := h.engine.History(context.Background(), "alice", info.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "done", turns[1].Stage)

	_, err = h.engine.Ask(context.Background(), "alice", AskRequest{
		SessionID: info.SessionID,
		Question:  "Show me the orders please",
		History:   &prompt.PriorTurn{Question: "custom question", SQL: "SELECT 42"},
	})
	require.NoError(t, err)
	assert.Contains(t, recorder.prompts[2].User, "Previous SQL: SELECT 42")
}

func TestAskReportsGenerationFailure(t *testing.T) {
	h := newHarness(t, func(deps *Dependencies) { deps.Generator = failingGenerator{} })
	info := h.upload(t, "alice", "shop.db", ordersFixture...)

	result, err := h.engine.Ask(context.Background(), "alice", AskRequest{SessionID: info.SessionID, Question: "How many orders are there?"})
	var generation *nl2sql.GenerationError
	require.True(t, errors.As(err, &generation))
	assert.Equal(t, StageError, result.Stage)
	assert.Equal(t, "generation_failed", result.Reason)
	assert.Empty(t, result.SQL)

	require.Len(t, h.log.entries, 1)
	assert.Equal(t, "error", h.log.entries[0].Stage)
	assert.Equal(t, "generation_failed", h.log.entries[0].Reason)
}

func TestRunPreset(t *testing.T) {
	h := newHarness(t, nil)
	info := h.upload(t, "alice", "shop.db", ordersFixture...)
	require.NotEmpty(t, info.Presets)
	assert.Equal(t, "general", info.Presets[0].Group)

	result, err := h.engine.RunPreset(context.Background(), "alice", info.SessionID, "general-table-count")
	require.NoError(t, err)
	assert.Equal(t, "How many tables are in this database?", result.Question)
	assert.Equal(t, StageDone, result.Stage)

	_, err = h.engine.RunPreset(context.Background(), "alice", info.SessionID, "nope")
	require.ErrorIs(t, err, ErrPresetNotFound)
}

func TestInitSessionReportsUnreadableUpload(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.InitSession(context.Background(), "alice", source.Upload{
		Filename: "broken.db",
		Data:     bytes.NewReader([]byte("definitely not sqlite")),
	})
	var introspection *schema.IntrospectionError
	require.True(t, errors.As(err, &introspection))
	assert.ErrorIs(t, err, source.ErrNotSQLite)

	_, err = h.engine.InitSession(context.Background(), "alice", source.Upload{
		Filename: "notes.docx",
		Kind:     "docx",
		Data:     bytes.NewReader([]byte("x")),
	})
	require.ErrorIs(t, err, source.ErrUnsupportedKind)
	assert.Zero(t, h.engine.Store.Len())
}

func TestInitSessionArchivesUpload(t *testing.T) {
	archiver := &fakeArchiver{}
	h := newHarness(t, func(deps *Dependencies) { deps.Archiver = archiver })
	data := sqliteBytes(t, ordersFixture...)

	info, err := h.engine.InitSession(context.Background(), "alice", source.Upload{Filename: "shop.db", Data: bytes.NewReader(data)})
	require.NoError(t, err)
	assert.Equal(t, "alice/"+info.SessionID+"/shop.db", info.ArchiveKey)
	require.Len(t, archiver.bodies, 1)
	assert.Equal(t, data, archiver.bodies[0])
	assert.Equal(t, "sqlite", archiver.uploads[0].Kind)
}

func TestInitSessionSurvivesArchiveFailure(t *testing.T) {
	archiver := &fakeArchiver{err: errors.New("bucket offline")}
	h := newHarness(t, func(deps *Dependencies) { deps.Archiver = archiver })

	info := h.upload(t, "alice", "shop.db", ordersFixture...)
	assert.Empty(t, info.ArchiveKey)
	assert.NotEmpty(t, info.SessionID)
}

func TestResetSession(t *testing.T) {
	h := newHarness(t, nil)
	info := h.upload(t, "alice", "shop.db", ordersFixture...)

	described, err := h.engine.Schema(context.Background(), "alice", info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, described.TableNames())

	require.ErrorIs(t, h.engine.ResetSession(context.Background(), "bob", info.SessionID), session.ErrSessionNotFound)
	require.NoError(t, h.engine.ResetSession(context.Background(), "alice", info.SessionID))

	_, err = h.engine.Schema(context.Background(), "alice", info.SessionID)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestExportParquet(t *testing.T) {
	h := newHarness(t, nil)
	info := h.upload(t, "alice", "shop.db", ordersFixture...)

	encoded, err := h.engine.ExportParquet(context.Background(), "alice", info.SessionID, "SELECT id, country FROM orders ORDER BY id")
	require.NoError(t, err)
	assert.EqualValues(t, 3, encoded.RecordCount)
	assert.Equal(t, []string{"id", "country"}, encoded.Columns)
	assert.NotEmpty(t, encoded.Data)

	_, err = h.engine.ExportParquet(context.Background(), "alice", info.SessionID, "DELETE FROM orders")
	var rejection *sqlguard.RejectionError
	require.True(t, errors.As(err, &rejection))
	assert.EqualValues(t, 1, h.spy.calls.Load())
}

func TestRunSQL(t *testing.T) {
	h := newHarness(t, func(deps *Dependencies) {
		deps.Executor = query.NewExecutor(query.Limits{MaxRows: 2, Timeout: 5 * time.Second})
	})
	info := h.upload(t, "alice", "shop.db", ordersFixture...)

	result, err := h.engine.RunSQL(context.Background(), "alice", info.SessionID, "SELECT id, country FROM orders ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, StageDone, result.Stage)
	assert.Equal(t, []string{"id", "country"}, result.Columns)
	assert.Equal(t, 2, result.RowCount)
	assert.True(t, result.Truncated)

	result, err = h.engine.RunSQL(context.Background(), "alice", info.SessionID, "DROP TABLE orders")
	var rejection *sqlguard.RejectionError
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, StageError, result.Stage)
	assert.Equal(t, "not_a_select", result.Reason)
	assert.Equal(t, "DROP TABLE orders", result.SQL)

	_, err = h.engine.RunSQL(context.Background(), "bob", info.SessionID, "SELECT 1")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestSessionsCannotReadEachOthersUploads(t *testing.T) {
	workDir := t.TempDir()
	h := newHarness(t, func(deps *Dependencies) { deps.Loader = source.NewLoader(workDir, 0, nil) })
	ctx := context.Background()

	victim, err := h.engine.InitSession(ctx, "alice", source.Upload{Filename: "salaries.csv", Data: strings.NewReader("name,salary\nada,100\n")})
	require.NoError(t, err)
	attacker, err := h.engine.InitSession(ctx, "mallory", source.Upload{Filename: "notes.tsv", Data: strings.NewReader("note\nhi\n")})
	require.NoError(t, err)
	require.NotEqual(t, victim.SessionID, attacker.SessionID)

	glob := filepath.Join(workDir, "*", "raw.csv")
	for _, statement := range []string{
		"SELECT * FROM '" + glob + "'",
		"SELECT * FROM notes, '" + glob + "'",
		"SELECT * FROM notes JOIN '" + glob + "' ON true",
	} {
		_, err := h.engine.ExportParquet(ctx, "mallory", attacker.SessionID, statement)
		var rejection *sqlguard.RejectionError
		if !errors.As(err, &rejection) {
			t.Fatalf("export %q: err = %v, want rejection", statement, err)
		}
		result, err := h.engine.RunSQL(ctx, "mallory", attacker.SessionID, statement)
		if !errors.As(err, &rejection) {
			t.Fatalf("run %q: err = %v, want rejection", statement, err)
		}
		assert.Empty(t, result.Results)
	}

	result, err := h.engine.RunSQL(ctx, "mallory", attacker.SessionID, "SELECT note FROM notes")
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowCount)
}

func TestPresetsForSession(t *testing.T) {
	h := newHarness(t, nil)
	info := h.upload(t, "alice", "chinook.db", ordersFixture...)

	suited, err := h.engine.Presets(context.Background(), "alice", info.SessionID)
	require.NoError(t, err)
	require.NotEmpty(t, suited)
	assert.Equal(t, "chinook", suited[0].Group)

	all, err := h.engine.Presets(context.Background(), "alice", "")
	require.NoError(t, err)
	assert.Greater(t, len(all), len(suited))
}

func TestOwnerHistory(t *testing.T) {
	h := newHarness(t, nil)
	info := h.upload(t, "alice", "shop.db", ordersFixture...)
	_, err := h.engine.Ask(context.Background(), "alice", AskRequest{SessionID: info.SessionID, Question: "How many orders are there?"})
	require.NoError(t, err)

	entries, err := h.engine.OwnerHistory(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	disabled := newHarness(t, func(deps *Dependencies) { deps.History = nil })
	_, err = disabled.engine.OwnerHistory(context.Background(), "alice", 10)
	require.ErrorIs(t, err, ErrHistoryDisabled)
	assert.Equal(t, "disabled", disabled.engine.Health(context.Background()).HistoryLog)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	h.upload(t, "alice", "shop.db", ordersFixture...)

	health := h.engine.Health(context.Background())
	assert.True(t, health.OK)
	assert.Equal(t, "rules", health.Backend)
	assert.True(t, health.StoreOperative)
	assert.Equal(t, 1, health.Sessions)
	assert.Equal(t, "ok", health.HistoryLog)

	h.engine.Config.BackendConfigured = false
	assert.False(t, h.engine.Health(context.Background()).OK)
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Config{}, Dependencies{})
	require.Error(t, err)
}

func TestRowJSONKeepsColumnOrder(t *testing.T) {
	rows := NewRows([]string{"zeta", "alpha", "mid"}, [][]any{{int64(1), "x", nil}})
	encoded, err := json.Marshal(rows)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"zeta":1,"alpha":"x","mid":null}]`, string(encoded))
	assert.Equal(t, `[{"zeta":1,"alpha":"x","mid":null}]`, string(encoded))

	var decoded []Row
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, decoded[0].Columns)
	value, ok := decoded[0].Get("zeta")
	require.True(t, ok)
	assert.Equal(t, json.Number("1"), value)
}

func TestRowJSONEncodesBinaryAsBase64(t *testing.T) {
	rows := NewRows([]string{"payload", "label"}, [][]any{query.NormalizeValues([]any{[]byte{0xff, 0x00, 0xfe}, []byte("ok")})})
	encoded, err := json.Marshal(rows)
	require.NoError(t, err)
	assert.Equal(t, `[{"payload":"/wD+","label":"ok"}]`, string(encoded))
}

func TestReasonClassification(t *testing.T) {
	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "session_busy", Reason(session.ErrSessionBusy))
	assert.Equal(t, "execution_timeout", Reason(query.ErrExecutionTimeout))
	assert.Equal(t, "execution_failed", Reason(&query.ExecutionError{Message: "no such column"}))
	assert.Equal(t, "unknown_table", Reason(&sqlguard.RejectionError{Reason: sqlguard.ReasonUnknownTable}))
	assert.Equal(t, "canceled", Reason(context.Canceled))
	assert.Equal(t, "internal", Reason(errors.New("boom")))
}
