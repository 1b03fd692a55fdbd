// Package store persists raw usage events, daily aggregates, price rules and
// tailer cursors in an embedded SQLite database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/tokmeter/pkg/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalid marks writes rejected for their content. Retrying cannot help.
	ErrInvalid = errors.New("invalid")
)

// tsLayout is fixed width so lexical order of stored timestamps is chronological.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// AppendResult is the outcome of appending a usage event.
type AppendResult int

const (
	Inserted AppendResult = iota
	DuplicateIgnored
)

func (r AppendResult) String() string {
	if r == Inserted {
		return "inserted"
	}
	return "duplicate"
}

// Batch is a unit of work applied atomically by ApplyBatch.
type Batch struct {
	Events  []models.UsageEvent
	Cursors []models.Cursor
}

// Store is the durable event store. Only the aggregator calls the write methods.
type Store interface {
	// AppendEvent inserts an event keyed by its source id. A repeated source id
	// is a no-op.
	AppendEvent(ctx context.Context, e models.UsageEvent) (AppendResult, error)
	// UpsertDaily atomically creates or increments a daily stat row.
	UpsertDaily(ctx context.Context, date, model string, d models.Delta) error
	// ApplyBatch appends events, increments daily stats for the inserted ones
	// and saves cursors in a single transaction. It returns the inserted events.
	ApplyBatch(ctx context.Context, b Batch) ([]models.UsageEvent, error)
	// ReplayDaily increments daily stats for already stored events.
	ReplayDaily(ctx context.Context, events []models.UsageEvent) error
	// TruncateDerived clears daily stats and rewinds cursors to offset zero.
	// Events, price rules and cursor identities survive.
	TruncateDerived(ctx context.Context) error
	// ForEachEvent visits stored events in timestamp order.
	ForEachEvent(ctx context.Context, fn func(models.UsageEvent) error) error

	QueryRange(ctx context.Context, start, end string) ([]models.PricedStat, error)
	RecentEvents(ctx context.Context, limit int) ([]models.PricedEvent, error)
	LoadCursor(ctx context.Context, identity string) (models.Cursor, error)
	SaveCursor(ctx context.Context, c models.Cursor) error
	ListCursors(ctx context.Context) ([]models.Cursor, error)

	// Close releases resources.
	Close() error
}

// SQLiteStore implements Store on SQLite in WAL mode.
type SQLiteStore struct {
	db          *sql.DB
	defaultRate *models.DefaultRate
	now         func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithDefaultRate sets the fallback price for models with no matching rule.
func WithDefaultRate(r *models.DefaultRate) Option {
	return func(s *SQLiteStore) { s.defaultRate = r }
}

// WithClock overrides the wall clock used for bookkeeping timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// New opens the database at dbPath and applies pending migrations.
func New(ctx context.Context, dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store db: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AppendEvent inserts a usage event unless its source id already exists.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e models.UsageEvent) (AppendResult, error) {
	return s.appendEvent(ctx, s.db, e)
}

func (s *SQLiteStore) appendEvent(ctx context.Context, x execer, e models.UsageEvent) (AppendResult, error) {
	if !e.Valid() {
		return 0, fmt.Errorf("append event %q: %w", e.SourceID, ErrInvalid)
	}
	var latency sql.NullInt64
	if e.LatencyMs != nil {
		latency = sql.NullInt64{Int64: *e.LatencyMs, Valid: true}
	}
	res, err := x.ExecContext(ctx,
		`INSERT INTO usage_events
		 (source_id, ts, date, model, prompt_tokens, cached_prompt_tokens, completion_tokens, latency_ms, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_id) DO NOTHING`,
		e.SourceID, formatTS(e.Timestamp), e.Date(), e.Model,
		e.PromptTokens, e.CachedPromptTokens, e.CompletionTokens, latency, formatTS(s.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("append event rows affected: %w", err)
	}
	if n == 0 {
		return DuplicateIgnored, nil
	}
	return Inserted, nil
}

// UpsertDaily creates the (date, model) row or increments it by d.
func (s *SQLiteStore) UpsertDaily(ctx context.Context, date, model string, d models.Delta) error {
	return upsertDaily(ctx, s.db, date, model, d)
}

func upsertDaily(ctx context.Context, x execer, date, model string, d models.Delta) error {
	_, err := x.ExecContext(ctx,
		`INSERT INTO daily_stats (date, model, prompt_tokens, cached_prompt_tokens, completion_tokens, request_count)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(date, model) DO UPDATE SET
		   prompt_tokens = prompt_tokens + excluded.prompt_tokens,
		   cached_prompt_tokens = cached_prompt_tokens + excluded.cached_prompt_tokens,
		   completion_tokens = completion_tokens + excluded.completion_tokens,
		   request_count = request_count + excluded.request_count`,
		date, model, d.PromptTokens, d.CachedPromptTokens, d.CompletionTokens, d.RequestCount,
	)
	if err != nil {
		return fmt.Errorf("upsert daily %s/%s: %w", date, model, err)
	}
	return nil
}

type dayModel struct{ date, model string }

// ApplyBatch appends every event, folds the inserted ones into daily stats and
// saves cursors, all or nothing.
func (s *SQLiteStore) ApplyBatch(ctx context.Context, b Batch) ([]models.UsageEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	var inserted []models.UsageEvent
	deltas := make(map[dayModel]models.Delta)
	var order []dayModel
	for _, e := range b.Events {
		res, err := s.appendEvent(ctx, tx, e)
		if err != nil {
			return nil, err
		}
		if res == DuplicateIgnored {
			continue
		}
		inserted = append(inserted, e)
		k := dayModel{e.Date(), e.Model}
		d, ok := deltas[k]
		if !ok {
			order = append(order, k)
		}
		d.Add(models.DeltaOf(e))
		deltas[k] = d
	}
	for _, k := range order {
		if err := upsertDaily(ctx, tx, k.date, k.model, deltas[k]); err != nil {
			return nil, err
		}
	}
	for _, c := range b.Cursors {
		if err := s.saveCursor(ctx, tx, c); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return inserted, nil
}

// ReplayDaily increments daily stats for events that are already stored. It
// never touches the events table.
func (s *SQLiteStore) ReplayDaily(ctx context.Context, events []models.UsageEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replay: %w", err)
	}
	defer tx.Rollback()

	for _, e := range events {
		if err := upsertDaily(ctx, tx, e.Date(), e.Model, models.DeltaOf(e)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replay: %w", err)
	}
	return nil
}

// TruncateDerived deletes all daily stats and rewinds every cursor to the
// start of its file. Rows keep their identity, epoch and active flag so a
// reread yields the source ids already stored.
func (s *SQLiteStore) TruncateDerived(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin truncate: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_stats`); err != nil {
		return fmt.Errorf("truncate daily stats: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE collector_cursors SET byte_offset = 0, last_event_source_id = '', state = '{}', updated_at = ?`,
		formatTS(s.now()),
	); err != nil {
		return fmt.Errorf("rewind cursors: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit truncate: %w", err)
	}
	return nil
}

// ForEachEvent calls fn for every stored event, oldest first. Iteration stops
// at the first error fn returns.
func (s *SQLiteStore) ForEachEvent(ctx context.Context, fn func(models.UsageEvent) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, ts, model, prompt_tokens, cached_prompt_tokens, completion_tokens, latency_ms
		 FROM usage_events ORDER BY ts ASC, source_id ASC`)
	if err != nil {
		return fmt.Errorf("iterate events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (models.UsageEvent, error) {
	var (
		e       models.UsageEvent
		ts      string
		latency sql.NullInt64
	)
	if err := sc.Scan(&e.SourceID, &ts, &e.Model, &e.PromptTokens, &e.CachedPromptTokens, &e.CompletionTokens, &latency); err != nil {
		return e, fmt.Errorf("scan event: %w", err)
	}
	t, err := parseTS(ts)
	if err != nil {
		return e, fmt.Errorf("scan event %s: %w", e.SourceID, err)
	}
	e.Timestamp = t
	if latency.Valid {
		v := latency.Int64
		e.LatencyMs = &v
	}
	return e, nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}
