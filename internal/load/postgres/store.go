// Package postgres implements the bulk-load store for PostgreSQL.
//
// Tables are created by embedded goose migrations. Each batch is copied into
// a transaction-scoped stage table and merged into its target with
// INSERT ... ON CONFLICT, so reloading a batch updates rows in place.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/JonMunkholm/cnpjsync/internal/config"
	"github.com/JonMunkholm/cnpjsync/internal/core"
	"github.com/JonMunkholm/cnpjsync/internal/load"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// ordinalColumn carries a row's position in its batch through the stage table.
const ordinalColumn = "_ord"

// Store writes batches to PostgreSQL.
type Store struct {
	pool    *pgxpool.Pool
	connStr string
	log     *slog.Logger
}

var _ load.Store = (*Store)(nil)

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log = log.With("store", "postgres")
	log.Info("connected to postgres",
		"host", poolConfig.ConnConfig.Host, "database", poolConfig.ConnConfig.Database)

	return &Store{pool: pool, connStr: cfg.URL, log: log}, nil
}

// Pool exposes the connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// slogGooseLogger adapts slog.Logger to goose.Logger interface
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Prepare runs pending migrations and checks every table of defs exists.
func (s *Store) Prepare(ctx context.Context, defs []core.EntityDefinition) error {
	if err := s.migrate(ctx); err != nil {
		return err
	}

	for _, def := range defs {
		var exists bool
		err := s.pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", def.Table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check table %s: %w", def.Table, err)
		}
		if !exists {
			return fmt.Errorf("table %s does not exist after migrations", def.Table)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	s.log.Info("running postgres migrations")

	db, err := sql.Open("pgx", s.connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: s.log})
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.log.Info("postgres migrations completed")
	return nil
}

// WriteBatch merges one batch into its table in a single transaction.
// Within the batch the last row for a key wins.
func (s *Store) WriteBatch(ctx context.Context, def core.EntityDefinition, b load.Batch) error {
	if len(b.Rows) == 0 {
		return nil
	}

	cols := storeColumns(def)
	stage := "stage_" + def.Table

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, createStageSQL(def.Table, stage)); err != nil {
		return fmt.Errorf("create stage table: %w", err)
	}

	copyCols := append(append([]string{}, cols...), ordinalColumn)
	n, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, copyCols,
		pgx.CopyFromSlice(len(b.Rows), func(i int) ([]any, error) {
			return stageRow(def, b.Rows[i], i)
		}))
	if err != nil {
		return fmt.Errorf("copy into stage: %w", err)
	}
	if n != int64(len(b.Rows)) {
		return fmt.Errorf("copy into stage: copied %d of %d rows", n, len(b.Rows))
	}

	if _, err := tx.Exec(ctx, upsertSQL(def, stage)); err != nil {
		return fmt.Errorf("merge into %s: %w", def.Table, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// EnsureIndexes creates the secondary indexes of defs and refreshes
// planner statistics. Existing indexes are left alone.
func (s *Store) EnsureIndexes(ctx context.Context, defs []core.EntityDefinition) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS pg_trgm"); err != nil {
		return fmt.Errorf("enable pg_trgm: %w", err)
	}

	for _, def := range defs {
		for _, idx := range def.Indexes {
			if _, err := s.pool.Exec(ctx, indexSQL(def.Table, idx)); err != nil {
				return fmt.Errorf("create index %s: %w", idx.Name, err)
			}
			s.log.Debug("index ensured", "index", idx.Name)
		}
		if _, err := s.pool.Exec(ctx, "ANALYZE "+quote(def.Table)); err != nil {
			return fmt.Errorf("analyze %s: %w", def.Table, err)
		}
	}
	return nil
}

// RecordRun stores a run report in the sync_runs history table.
func (s *Store) RecordRun(ctx context.Context, rep core.RunReport) error {
	id, err := uuid.Parse(rep.RunID)
	if err != nil {
		id = uuid.New()
	}
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	status := "ok"
	if rep.Failed() {
		status = "failed"
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, partition, status, started_at, finished_at, rows_loaded, defects, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			rows_loaded = EXCLUDED.rows_loaded,
			defects = EXCLUDED.defects,
			report = EXCLUDED.report`,
		id, rep.Partition, status, rep.StartedAt, rep.FinishedAt,
		rep.Load.RowsLoaded, len(rep.Defects)+int(rep.DefectsDropped), body)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecentRuns returns the newest run reports, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]core.RunReport, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT report FROM sync_runs ORDER BY started_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var reps []core.RunReport
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var rep core.RunReport
		if err := json.Unmarshal(body, &rep); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		reps = append(reps, rep)
	}
	return reps, rows.Err()
}

// storeColumns lists the table columns written for def, including the
// synthetic row key of entities without a natural key.
func storeColumns(def core.EntityDefinition) []string {
	cols := def.Columns()
	if !def.HasNaturalKey() {
		cols = append([]string{core.RowKeyColumn}, cols...)
	}
	return cols
}

// stageRow lays out rec the way storeColumns names them, plus its ordinal.
func stageRow(def core.EntityDefinition, rec core.Record, ord int) ([]any, error) {
	if len(rec) != len(def.Fields) {
		return nil, fmt.Errorf("row %d has %d values, %s declares %d", ord, len(rec), def.Table, len(def.Fields))
	}
	row := make([]any, 0, len(rec)+2)
	if !def.HasNaturalKey() {
		row = append(row, core.RowKey(rec))
	}
	row = append(row, rec...)
	return append(row, int64(ord)), nil
}

func createStageSQL(table, stage string) string {
	return fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS, %s BIGINT) ON COMMIT DROP",
		quote(stage), quote(table), quote(ordinalColumn))
}

// upsertSQL merges the stage table into def's table. DISTINCT ON keeps the
// highest ordinal per key so a batch never conflicts with itself.
func upsertSQL(def core.EntityDefinition, stage string) string {
	cols := storeColumns(def)
	keys := def.KeyColumns()

	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}

	var sets []string
	for _, c := range cols {
		if !isKey[c] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quote(c), quote(c)))
		}
	}

	quotedCols := quoteAll(cols)
	quotedKeys := quoteAll(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) ", quote(def.Table), quotedCols)
	fmt.Fprintf(&b, "SELECT DISTINCT ON (%s) %s FROM %s ", quotedKeys, quotedCols, quote(stage))
	fmt.Fprintf(&b, "ORDER BY %s, %s DESC ", quotedKeys, quote(ordinalColumn))
	fmt.Fprintf(&b, "ON CONFLICT (%s) ", quotedKeys)
	if len(sets) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET " + strings.Join(sets, ", "))
	}
	return b.String()
}

func indexSQL(table string, idx core.IndexSpec) string {
	if idx.Kind == core.IndexText {
		ops := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			ops[i] = quote(c) + " gin_trgm_ops"
		}
		return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING gin (%s)",
			quote(idx.Name), quote(table), strings.Join(ops, ", "))
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quote(idx.Name), quote(table), quoteAll(idx.Columns))
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteAll(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = quote(n)
	}
	return strings.Join(q, ", ")
}
