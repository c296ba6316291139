package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentworkforce/relayindex/internal/indexer"
)

const defaultRecordTable = "records"

type PostgresConfig struct {
	DSN      string
	Table    string
	MaxConns int32
	MinConns int32
}

// pgExecer is the subset of *pgxpool.Pool the sink needs.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink keeps the latest version of every record in one table, keyed
// by at-uri. Writes are compare-and-set on cid and never move backwards in
// commit rev, so replays from any relay are harmless. Relay sequence numbers
// are stored for reference only; they are not comparable across relays.
type PostgresSink struct {
	db    pgExecer
	pool  *pgxpool.Pool
	table string
}

func NewPostgresSink(ctx context.Context, cfg PostgresConfig) (*PostgresSink, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres sink: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	} else {
		poolCfg.MinConns = 2
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := newPostgresSink(pool, cfg.Table)
	s.pool = pool
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresSink(db pgExecer, table string) *PostgresSink {
	if strings.TrimSpace(table) == "" {
		table = defaultRecordTable
	}
	return &PostgresSink{db: db, table: table}
}

func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	table := quoteIdentifier(s.table)
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				uri TEXT PRIMARY KEY,
				did TEXT NOT NULL,
				collection TEXT NOT NULL,
				rkey TEXT NOT NULL,
				cid TEXT NOT NULL,
				record JSONB NOT NULL,
				rev TEXT NOT NULL DEFAULT '',
				seq BIGINT NOT NULL,
				relay TEXT NOT NULL,
				indexed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS rev TEXT NOT NULL DEFAULT ''", table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (did, collection)",
			quoteIdentifier(s.table+"_did_collection_idx"), table),
	}
	for _, statement := range statements {
		if _, err := s.db.Exec(ctx, statement); err != nil {
			return fmt.Errorf("prepare %s schema: %w", s.table, err)
		}
	}
	return nil
}

func (s *PostgresSink) Process(ctx context.Context, op indexer.Operation) error {
	var err error
	switch op.Action {
	case indexer.ActionCreate, indexer.ActionUpdate:
		err = s.upsert(ctx, op)
	case indexer.ActionDelete:
		err = s.delete(ctx, op)
	default:
		return indexer.Permanent(fmt.Errorf("postgres sink: unsupported action %q", op.Action))
	}
	return classifyPgError(err)
}

// Revs are TIDs, which sort lexically in time order. A row or an operation
// without a rev is never ordered and always applies.
const revGuard = "(%[1]s.rev = '' OR %[2]s = '' OR %[1]s.rev <= %[2]s)"

func (s *PostgresSink) upsert(ctx context.Context, op indexer.Operation) error {
	table := quoteIdentifier(s.table)
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (uri, did, collection, rkey, cid, record, rev, seq, relay, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (uri) DO UPDATE SET
			cid = EXCLUDED.cid,
			record = EXCLUDED.record,
			rev = EXCLUDED.rev,
			seq = EXCLUDED.seq,
			relay = EXCLUDED.relay,
			indexed_at = NOW()
		WHERE %[1]s.cid IS DISTINCT FROM EXCLUDED.cid AND %[2]s`,
		table, fmt.Sprintf(revGuard, table, "EXCLUDED.rev"))
	_, err := s.db.Exec(ctx, query,
		op.URI(), op.RepoDID, op.Collection, op.RecordKey, op.CID, string(op.Value), op.Rev, op.Sequence, op.OriginRelay)
	return err
}

func (s *PostgresSink) delete(ctx context.Context, op indexer.Operation) error {
	table := quoteIdentifier(s.table)
	query := fmt.Sprintf("DELETE FROM %s WHERE uri = $1 AND %s", table, fmt.Sprintf(revGuard, table, "$2::text"))
	_, err := s.db.Exec(ctx, query, op.URI(), op.Rev)
	return err
}

func (s *PostgresSink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// classifyPgError marks data and constraint failures permanent. Everything
// else is left to the default classification.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return indexer.Permanent(err)
		}
	}
	return err
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
