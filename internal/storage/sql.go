package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentworkforce/relayindex/internal/indexer"
)

const (
	sqlCursorTableName     = "relayindex_cursors"
	sqlDeadLetterTableName = "relayindex_dead_letters"
	sqlOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver         string
	timestampType  string
	positionColumn string
	advisoryLocks  bool
	pragmas        []string
	singleConn     bool
}

var (
	postgresDialect = sqlDialect{
		driver:         "postgres",
		timestampType:  "TIMESTAMPTZ",
		positionColumn: "entry_seq BIGSERIAL",
		advisoryLocks:  true,
	}
	sqliteDialect = sqlDialect{
		driver:         "sqlite3",
		timestampType:  "TIMESTAMP",
		positionColumn: "entry_seq INTEGER PRIMARY KEY AUTOINCREMENT",
		pragmas: []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA foreign_keys = ON",
		},
		singleConn: true,
	}
)

// sqlCore owns the connection and schema shared by the SQL cursor store and
// dead-letter queue. Tables are created on first use.
type sqlCore struct {
	dialect         sqlDialect
	dsn             string
	cursorTable     string
	deadLetterTable string
	openDB          sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	closeOnce sync.Once
	closeErr  error
}

func newSQLCore(dialect sqlDialect, dsn string) (*sqlCore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &sqlCore{
		dialect:         dialect,
		dsn:             dsn,
		cursorTable:     sqlCursorTableName,
		deadLetterTable: sqlDeadLetterTableName,
		openDB:          sql.Open,
	}, nil
}

// OpenPostgres connects lazily; the first store call creates the tables.
func OpenPostgres(dsn string) (*Backend, error) {
	core, err := newSQLCore(postgresDialect, dsn)
	if err != nil {
		return nil, err
	}
	return core.backend("postgres"), nil
}

func OpenSQLite(path string) (*Backend, error) {
	core, err := newSQLCore(sqliteDialect, path)
	if err != nil {
		return nil, err
	}
	if err := core.ensureReady(); err != nil {
		return nil, err
	}
	return core.backend("sqlite"), nil
}

func (c *sqlCore) backend(scheme string) *Backend {
	return &Backend{
		Scheme:      scheme,
		Cursors:     &SQLCursorStore{core: c},
		DeadLetters: &SQLDeadLetterQueue{core: c},
		closers:     []func() error{c.close},
	}
}

func (c *sqlCore) ensureReady() error {
	c.initOnce.Do(func() {
		db, err := c.openDB(c.dialect.driver, c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		if c.dialect.singleConn {
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		statements := append([]string(nil), c.dialect.pragmas...)
		statements = append(statements,
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					consumer TEXT NOT NULL,
					relay TEXT NOT NULL,
					sequence BIGINT NOT NULL,
					updated_at %s NOT NULL,
					PRIMARY KEY (consumer, relay)
				)`, quoteIdentifier(c.cursorTable), c.dialect.timestampType),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					%s,
					id TEXT NOT NULL UNIQUE,
					class TEXT NOT NULL,
					attempts INTEGER NOT NULL,
					last_failed_at %s NOT NULL,
					payload TEXT NOT NULL
				)`, quoteIdentifier(c.deadLetterTable), c.dialect.positionColumn, c.dialect.timestampType),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (entry_seq)",
				quoteIdentifier(c.deadLetterTable+"_entry_seq_idx"),
				quoteIdentifier(c.deadLetterTable)),
		)
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				c.initErr = fmt.Errorf("prepare %s schema: %w", c.dialect.driver, err)
				return
			}
		}
		c.db = db
	})
	return c.initErr
}

func (c *sqlCore) close() error {
	c.closeOnce.Do(func() {
		if c.db != nil {
			c.closeErr = c.db.Close()
		}
	})
	return c.closeErr
}

// rebind rewrites ? placeholders into the driver's form.
func (c *sqlCore) rebind(query string) string {
	if c.dialect.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *sqlCore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, sqlOperationTimeout)
}

type SQLCursorStore struct {
	core *sqlCore
}

func (s *SQLCursorStore) Load(ctx context.Context, consumer, relay string) (indexer.Cursor, bool, error) {
	if err := s.core.ensureReady(); err != nil {
		return indexer.Cursor{}, false, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := s.core.rebind(fmt.Sprintf(
		"SELECT sequence, updated_at FROM %s WHERE consumer = ? AND relay = ?",
		quoteIdentifier(s.core.cursorTable)))
	cursor := indexer.Cursor{Consumer: consumer, Relay: relay}
	err := s.core.db.QueryRowContext(ctx, query, consumer, relay).Scan(&cursor.Sequence, &cursor.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return indexer.Cursor{}, false, nil
	}
	if err != nil {
		return indexer.Cursor{}, false, err
	}
	return cursor, true, nil
}

// Save upserts every cursor in one transaction.
func (s *SQLCursorStore) Save(ctx context.Context, cursors []indexer.Cursor) error {
	if len(cursors) == 0 {
		return nil
	}
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	tx, err := s.core.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if s.core.dialect.advisoryLocks {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey(s.core.cursorTable)); err != nil {
			return err
		}
	}
	query := s.core.rebind(fmt.Sprintf(`
		INSERT INTO %s (consumer, relay, sequence, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (consumer, relay)
		DO UPDATE SET sequence = excluded.sequence, updated_at = excluded.updated_at`,
		quoteIdentifier(s.core.cursorTable)))
	for _, cursor := range cursors {
		updatedAt := cursor.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, query, cursor.Consumer, cursor.Relay, cursor.Sequence, updatedAt.UTC()); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLCursorStore) List(ctx context.Context, consumer string) ([]indexer.Cursor, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT consumer, relay, sequence, updated_at FROM %s", quoteIdentifier(s.core.cursorTable))
	var args []any
	if consumer != "" {
		query += " WHERE consumer = ?"
		args = append(args, consumer)
	}
	query += " ORDER BY consumer, relay"

	rows, err := s.core.db.QueryContext(ctx, s.core.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []indexer.Cursor
	for rows.Next() {
		var cursor indexer.Cursor
		if err := rows.Scan(&cursor.Consumer, &cursor.Relay, &cursor.Sequence, &cursor.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, cursor)
	}
	return out, rows.Err()
}

// Close is a no-op; Backend.Close releases the shared connection.
func (s *SQLCursorStore) Close() error { return nil }

type SQLDeadLetterQueue struct {
	core *sqlCore
}

func (q *SQLDeadLetterQueue) Add(ctx context.Context, entry indexer.DeadLetterEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		return ErrInvalidInput
	}
	if err := q.core.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ctx, cancel := q.core.opContext(ctx)
	defer cancel()

	query := q.core.rebind(fmt.Sprintf(
		"INSERT INTO %s (id, class, attempts, last_failed_at, payload) VALUES (?, ?, ?, ?, ?)",
		quoteIdentifier(q.core.deadLetterTable)))
	_, err = q.core.db.ExecContext(ctx, query, entry.ID, string(entry.Class), entry.Attempts, entry.LastFailedAt.UTC(), string(payload))
	return err
}

func (q *SQLDeadLetterQueue) List(ctx context.Context, limit int) ([]indexer.DeadLetterEntry, error) {
	if err := q.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := q.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s ORDER BY entry_seq DESC", quoteIdentifier(q.core.deadLetterTable))
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.core.db.QueryContext(ctx, q.core.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []indexer.DeadLetterEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry indexer.DeadLetterEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (q *SQLDeadLetterQueue) Count(ctx context.Context) (int, error) {
	if err := q.core.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := q.core.opContext(ctx)
	defer cancel()

	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdentifier(q.core.deadLetterTable))
	if err := q.core.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (q *SQLDeadLetterQueue) Purge(ctx context.Context, id string) error {
	if err := q.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := q.core.opContext(ctx)
	defer cancel()

	query := q.core.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", quoteIdentifier(q.core.deadLetterTable)))
	result, err := q.core.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return indexer.ErrNotFound
	}
	return nil
}

func (q *SQLDeadLetterQueue) Close() error { return nil }

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func advisoryLockKey(tableName string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	return int64(hasher.Sum64())
}
