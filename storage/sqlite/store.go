// Package sqlite provides a SQLite-backed state document with a linear edit
// history. It is the storage behind the reference server: every mutation
// writes a full snapshot, and undo/redo move a cursor along the snapshots.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/c0deZ3R0/go-statesync/docpath"
	"github.com/c0deZ3R0/go-statesync/document"
	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
	"github.com/c0deZ3R0/go-statesync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = "storage/sqlite"

// Operation constants for consistent error reporting
const (
	opState   = "sqlite.State"
	opMutate  = "sqlite.Mutate"
	opUndo    = "sqlite.Undo"
	opRedo    = "sqlite.Redo"
	opHistory = "sqlite.History"
	opCache   = "sqlite.Cache"
)

// Mutation kinds recorded in the history.
const (
	OpInit        = "init"
	OpReplace     = "replace"
	OpUpdate      = "update"
	OpDelete      = "delete"
	OpRemoveValue = "remove-value"
)

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
	ErrStoreClosed   = errors.New("store is closed")
)

// storageErr wraps a database failure raised during op. Nil stays nil.
func storageErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return syncErrors.WrapOpComponent(syncErrors.NewStorageError(syncErrors.OpStore, err), op, component)
}

// Config holds configuration options for the Store.
//
// DefaultConfig applies production defaults:
//   - WAL mode enabled for file databases
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
//   - 100 retained history entries
type Config struct {
	// DataSourceName is the connection string, e.g. "file:state.db" or ":memory:".
	DataSourceName string

	// EnableWAL appends _journal_mode=WAL to DataSourceName. Ignored for
	// in-memory databases.
	EnableWAL bool

	// HistoryLimit is the number of snapshots retained, the current one
	// included; at most HistoryLimit-1 undo steps are possible.
	HistoryLimit int

	// Logger defaults to the package logger.
	Logger *slog.Logger

	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory") || strings.HasPrefix(dsn, "file::memory:")
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(component).Logger
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if isMemory(c.DataSourceName) {
		// every connection to :memory: opens a separate database
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
		c.ConnMaxIdleTime = 0
		return
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL&_busy_timeout=5000"
	}
}

// DefaultConfig returns a Config with production defaults for dataSourceName.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// Entry describes one snapshot in the history.
type Entry struct {
	// ID is a ULID, sortable by creation time.
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Op        string    `json:"op"`
	Path      string    `json:"path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// Current marks the snapshot the cursor points at.
	Current bool `json:"current,omitempty"`
}

// Store is a SQLite-backed state document with undo/redo history and a
// table of named caches. It is safe for concurrent use; mutations are
// serialized.
type Store struct {
	db           *sql.DB
	logger       *slog.Logger
	historyLimit int

	mu      stdSync.RWMutex
	closed  bool
	writeMu stdSync.Mutex
}

// New creates a Store from a Config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := config.Logger
	logger.Info("opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL && !isMemory(config.DataSourceName)))

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	s := &Store{
		db:           db,
		logger:       logger,
		historyLimit: config.HistoryLimit,
	}
	if err := s.setupSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.Info("SQLite document store initialized", slog.Int("history_limit", config.HistoryLimit))
	return s, nil
}

// setupSchema creates the tables and the initial empty snapshot.
func (s *Store) setupSchema(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS history (
        seq         INTEGER PRIMARY KEY AUTOINCREMENT,
        id          TEXT NOT NULL UNIQUE,
        op          TEXT NOT NULL,
        path        TEXT,
        document    TEXT NOT NULL,
        created_at  TIMESTAMP NOT NULL
    );
    CREATE TABLE IF NOT EXISTS cursor (
        id          INTEGER PRIMARY KEY CHECK (id = 1),
        head        INTEGER NOT NULL
    );
    CREATE TABLE IF NOT EXISTS caches (
        name        TEXT PRIMARY KEY,
        data        TEXT NOT NULL,
        updated_at  TIMESTAMP NOT NULL
    );
    `
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cursor`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	seq, err := insertSnapshot(ctx, tx, OpInit, "", map[string]any{})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO cursor (id, head) VALUES (1, ?)`, seq); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, op, path string, doc any) (int64, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO history (id, op, path, document, created_at) VALUES (?, ?, ?, ?, ?)`,
		ulid.Make().String(), op, path, string(data), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func head(ctx context.Context, q queryer) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT head FROM cursor WHERE id = 1`).Scan(&seq)
	return seq, err
}

func loadSnapshot(ctx context.Context, q queryer, seq int64) (map[string]any, error) {
	var data string
	if err := q.QueryRowContext(ctx, `SELECT document FROM history WHERE seq = ?`, seq).Scan(&data); err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("corrupt snapshot %d: %w", seq, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// State returns the document at the history cursor.
func (s *Store) State(ctx context.Context) (document.Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	seq, err := head(ctx, s.db)
	if err != nil {
		return nil, storageErr(err, opState)
	}
	doc, err := loadSnapshot(ctx, s.db, seq)
	if err != nil {
		return nil, storageErr(err, opState)
	}
	return document.Document(doc), nil
}

// mutate applies fn to the current document and records the result as a new
// snapshot. Snapshots after the cursor, the redo branch, are discarded.
func (s *Store) mutate(ctx context.Context, op, path string, fn func(doc any) (any, error)) (Entry, error) {
	if err := s.checkOpen(); err != nil {
		return Entry{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, storageErr(err, opMutate)
	}
	defer tx.Rollback()

	cur, err := head(ctx, tx)
	if err != nil {
		return Entry{}, storageErr(err, opMutate)
	}
	doc, err := loadSnapshot(ctx, tx, cur)
	if err != nil {
		return Entry{}, storageErr(err, opMutate)
	}
	next, err := fn(doc)
	if err != nil {
		return Entry{}, syncErrors.WrapOpComponentKind(err, opMutate, component, syncErrors.KindInvalid)
	}
	if _, ok := next.(map[string]any); !ok {
		return Entry{}, syncErrors.E(syncErrors.Op(opMutate), syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("state document must be an object, got %T", next))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE seq > ?`, cur); err != nil {
		return Entry{}, storageErr(err, opMutate)
	}
	seq, err := insertSnapshot(ctx, tx, op, path, next)
	if err != nil {
		return Entry{}, storageErr(err, opMutate)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE cursor SET head = ? WHERE id = 1`, seq); err != nil {
		return Entry{}, storageErr(err, opMutate)
	}
	// keep the newest historyLimit snapshots
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM history WHERE seq < (SELECT seq FROM history ORDER BY seq DESC LIMIT 1 OFFSET ?)`,
		s.historyLimit-1); err != nil {
		return Entry{}, storageErr(err, opMutate)
	}

	entry, err := loadEntry(ctx, tx, seq)
	if err != nil {
		return Entry{}, storageErr(err, opMutate)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, storageErr(err, opMutate)
	}
	entry.Current = true
	s.logger.Debug("snapshot recorded",
		slog.String("op", op),
		slog.String("path", path),
		slog.Int64("seq", seq))
	return entry, nil
}

// Replace records doc as the whole new document.
func (s *Store) Replace(ctx context.Context, doc any) (Entry, error) {
	tree, err := document.Normalize(doc)
	if err != nil {
		return Entry{}, syncErrors.WrapOpComponentKind(err, opMutate, component, syncErrors.KindInvalid)
	}
	return s.mutate(ctx, OpReplace, "", func(any) (any, error) {
		return tree, nil
	})
}

// Update stores value at p, replacing whatever was there.
func (s *Store) Update(ctx context.Context, p docpath.Path, value any) (Entry, error) {
	tree, err := document.Normalize(value)
	if err != nil {
		return Entry{}, syncErrors.WrapOpComponentKind(err, opMutate, component, syncErrors.KindInvalid)
	}
	return s.mutate(ctx, OpUpdate, p.String(), func(doc any) (any, error) {
		return document.Set(doc, p, tree)
	})
}

// Delete removes everything rooted at p. Deleting a missing path still
// records a snapshot.
func (s *Store) Delete(ctx context.Context, p docpath.Path) (Entry, error) {
	return s.mutate(ctx, OpDelete, p.String(), func(doc any) (any, error) {
		next, _ := document.Delete(doc, p)
		return next, nil
	})
}

// RemoveValue deletes every scalar occurrence of value and reports how many
// were removed.
func (s *Store) RemoveValue(ctx context.Context, value string) (Entry, int, error) {
	removed := 0
	entry, err := s.mutate(ctx, OpRemoveValue, value, func(doc any) (any, error) {
		var next any
		next, removed = document.RemoveValue(doc, value)
		return next, nil
	})
	return entry, removed, err
}

// Undo moves the cursor to the previous snapshot.
func (s *Store) Undo(ctx context.Context) (Entry, error) {
	return s.move(ctx, opUndo,
		`SELECT seq FROM history WHERE seq < ? ORDER BY seq DESC LIMIT 1`, ErrNothingToUndo)
}

// Redo moves the cursor to the next snapshot.
func (s *Store) Redo(ctx context.Context) (Entry, error) {
	return s.move(ctx, opRedo,
		`SELECT seq FROM history WHERE seq > ? ORDER BY seq ASC LIMIT 1`, ErrNothingToRedo)
}

func (s *Store) move(ctx context.Context, op, query string, exhausted error) (Entry, error) {
	if err := s.checkOpen(); err != nil {
		return Entry{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, storageErr(err, op)
	}
	defer tx.Rollback()

	cur, err := head(ctx, tx)
	if err != nil {
		return Entry{}, storageErr(err, op)
	}
	var target int64
	err = tx.QueryRowContext(ctx, query, cur).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, syncErrors.WrapOpComponentKind(exhausted, op, component, syncErrors.KindInvalid)
	}
	if err != nil {
		return Entry{}, storageErr(err, op)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE cursor SET head = ? WHERE id = 1`, target); err != nil {
		return Entry{}, storageErr(err, op)
	}
	entry, err := loadEntry(ctx, tx, target)
	if err != nil {
		return Entry{}, storageErr(err, op)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, storageErr(err, op)
	}
	entry.Current = true
	s.logger.Debug("history cursor moved", slog.String("op", op), slog.Int64("seq", target))
	return entry, nil
}

func loadEntry(ctx context.Context, q queryer, seq int64) (Entry, error) {
	var e Entry
	var path sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT seq, id, op, path, created_at FROM history WHERE seq = ?`, seq).
		Scan(&e.Seq, &e.ID, &e.Op, &path, &e.CreatedAt)
	e.Path = path.String
	return e, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}
