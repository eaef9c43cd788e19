// Package store implements the embedded analytics database: the usage
// event log, the daily rollup, the time-varying price table, and the
// priced views that join the two sides at read time.
//
// Raw counters and prices are kept in separate tables on purpose. Cost is
// never persisted per event; the event_costs and daily_stats_costs views
// recompute it on every read against the best-matching price row, so a
// price correction retroactively fixes history.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// maxConns bounds the shared connection pool. SQLite serializes writers
// anyway; a small pool keeps the dashboard readers from starving them.
const maxConns = 5

// Store is the shared, thread-safe handle to the analytics database.
// Event and daily-stat writes are expected to flow through the
// aggregator so ingestion has a single logical writer per process.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if missing) the SQLite file at path, switches it
// to WAL journaling, and bounds the pool.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(maxConns)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS event_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	model TEXT NOT NULL,
	title TEXT,
	summary TEXT,
	conversation_id TEXT,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	cached_prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	reasoning_tokens INTEGER NOT NULL DEFAULT 0,
	usage_included INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_event_log_timestamp ON event_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_event_log_conversation ON event_log(conversation_id);

CREATE TABLE IF NOT EXISTS daily_stats (
	date TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	cached_prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	reasoning_tokens INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, model)
);

CREATE TABLE IF NOT EXISTS prices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model TEXT NOT NULL,
	effective_from TEXT NOT NULL,
	currency TEXT NOT NULL DEFAULT 'USD',
	prompt_per_1m REAL NOT NULL,
	cached_prompt_per_1m REAL,
	completion_per_1m REAL NOT NULL,
	UNIQUE (model, effective_from)
);
`

// bestPriceSubquery selects the id of the winning price row for a given
// model and date: longest model prefix first, then latest effective date.
// substr comparison instead of LIKE keeps '%' and '_' in model names from
// acting as wildcards.
const bestPriceSubquery = `(
	SELECT p2.id FROM prices p2
	WHERE substr(%[1]s, 1, length(p2.model)) = p2.model
	  AND p2.effective_from <= %[2]s
	ORDER BY length(p2.model) DESC, p2.effective_from DESC
	LIMIT 1
)`

const costExpr = `
	CASE WHEN p.id IS NULL THEN NULL ELSE
		((%[1]s.prompt_tokens - min(%[1]s.cached_prompt_tokens, %[1]s.prompt_tokens)) * p.prompt_per_1m
		+ min(%[1]s.cached_prompt_tokens, %[1]s.prompt_tokens) * coalesce(p.cached_prompt_per_1m, p.prompt_per_1m)
		+ %[1]s.completion_tokens * p.completion_per_1m) / 1000000.0
	END AS cost_usd,
	CASE WHEN p.id IS NULL AND (%[1]s.prompt_tokens > 0 OR %[1]s.completion_tokens > 0)
		THEN 1 ELSE 0
	END AS missing_price`

// EnsureSchema idempotently creates the tables, indices, and priced
// views, after migrating any legacy layout out of the way. Migration
// failures are fatal to the caller: continuing against a half-migrated
// schema would corrupt the totals.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	if err := s.migrateLegacy(ctx); err != nil {
		return fmt.Errorf("migrating legacy schema: %w", err)
	}

	// Rebuilds and drops above take their indexes (and the prices table)
	// with them; a second idempotent pass restores whatever is missing.
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("restoring schema after migration: %w", err)
	}

	eventCosts := fmt.Sprintf(`
		CREATE VIEW event_costs AS
		SELECT e.*, p.currency, %s
		FROM event_log e
		LEFT JOIN prices p ON p.id = %s`,
		fmt.Sprintf(costExpr, "e"),
		fmt.Sprintf(bestPriceSubquery, "e.model", "date(e.timestamp)"),
	)

	dailyCosts := fmt.Sprintf(`
		CREATE VIEW daily_stats_costs AS
		SELECT d.*, p.currency, %s
		FROM daily_stats d
		LEFT JOIN prices p ON p.id = %s`,
		fmt.Sprintf(costExpr, "d"),
		fmt.Sprintf(bestPriceSubquery, "d.model", "d.date"),
	)

	// Views are cheap to rebuild, and rebuilding picks up definition
	// changes across versions.
	for _, stmt := range []string{
		"DROP VIEW IF EXISTS event_costs",
		"DROP VIEW IF EXISTS daily_stats_costs",
		eventCosts,
		dailyCosts,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating views: %w", err)
		}
	}

	return nil
}

// migrateLegacy removes artifacts of earlier schema generations: a
// persisted cost_usd column on event_log/daily_stats (cost is now
// view-derived), and per-1k price columns (rates are per 1M tokens now;
// old price rows are dropped, which is acceptable for this tool).
func (s *Store) migrateLegacy(ctx context.Context) error {
	for _, table := range []string{"event_log", "daily_stats"} {
		legacy, err := s.hasColumn(ctx, table, "cost_usd")
		if err != nil {
			return err
		}
		if !legacy {
			continue
		}
		s.logger.Info("migrating legacy table", zap.String("table", table))
		if err := s.dropColumnByRebuild(ctx, table); err != nil {
			return fmt.Errorf("rebuilding %s: %w", table, err)
		}
	}

	legacyPrices, err := s.hasColumn(ctx, "prices", "prompt_per_1k")
	if err != nil {
		return err
	}
	if legacyPrices {
		s.logger.Warn("dropping legacy per-1k price table")
		if _, err := s.db.ExecContext(ctx, "DROP TABLE prices"); err != nil {
			return fmt.Errorf("dropping legacy prices: %w", err)
		}
	}

	return nil
}

// dropColumnByRebuild recreates a table without its legacy cost_usd
// column via rename, fresh create, column-intersection copy, drop.
func (s *Store) dropColumnByRebuild(ctx context.Context, table string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	old := table + "_legacy"
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", table, old)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return err
	}

	cols, err := s.tableColumns(ctx, tx, old)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(cols))
	for _, col := range cols {
		if col != "cost_usd" {
			kept = append(kept, col)
		}
	}
	colList := strings.Join(kept, ", ")
	copyStmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", table, colList, colList, old)
	if _, err := tx.ExecContext(ctx, copyStmt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE "+old); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("inspecting %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *Store) tableColumns(ctx context.Context, tx *sql.Tx, table string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}
