// Package clickhouse implements the bulk-load store for ClickHouse.
//
// Tables use ReplacingMergeTree ordered by the entity key, with a version
// column set at write time. Reloading rows inserts newer versions; merges
// keep the latest one, so readers that need exact counts query with FINAL.
package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jonboulle/clockwork"

	"github.com/JonMunkholm/cnpjsync/internal/config"
	"github.com/JonMunkholm/cnpjsync/internal/core"
	"github.com/JonMunkholm/cnpjsync/internal/load"
)

// versionColumn orders row versions for ReplacingMergeTree.
const versionColumn = "_version"

// Store writes batches to ClickHouse.
type Store struct {
	conn  driver.Conn
	clock clockwork.Clock
	log   *slog.Logger
}

var _ load.Store = (*Store)(nil)

// ContextWithSyncInsert returns a context configured for synchronous inserts,
// so a batch is durable when Send returns.
func ContextWithSyncInsert(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"async_insert":          0,
		"wait_for_async_insert": 1,
		"insert_deduplicate":    0,
	}))
}

// Open connects to ClickHouse and verifies the connection.
func Open(ctx context.Context, cfg config.ClickHouseConfig, clock clockwork.Clock, log *slog.Logger) (*Store, error) {
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 600,
		},
		DialTimeout: 5 * time.Second,
	}
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log = log.With("store", "clickhouse")
	log.Info("connected to ClickHouse", "addr", cfg.Addr, "database", cfg.Database, "secure", cfg.Secure)

	return &Store{conn: conn, clock: clock, log: log}, nil
}

// Close closes the connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Prepare creates the tables of defs when missing.
func (s *Store) Prepare(ctx context.Context, defs []core.EntityDefinition) error {
	for _, def := range defs {
		if err := s.conn.Exec(ctx, createTableSQL(def)); err != nil {
			return fmt.Errorf("create table %s: %w", def.Table, err)
		}
		s.log.Debug("table ensured", "table", def.Table)
	}
	return nil
}

// WriteBatch inserts one batch as a single block. Later rows of the batch
// get higher versions, so the last row for a key wins after merges.
func (s *Store) WriteBatch(ctx context.Context, def core.EntityDefinition, b load.Batch) error {
	if len(b.Rows) == 0 {
		return nil
	}

	ctx = ContextWithSyncInsert(ctx)
	batch, err := s.conn.PrepareBatch(ctx, insertSQL(def))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer batch.Close()

	base := uint64(s.clock.Now().UnixNano())
	for i, rec := range b.Rows {
		row, err := insertRow(def, rec, base+uint64(i))
		if err != nil {
			return err
		}
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("append row %d: %w", b.FirstRow+int64(i), err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// EnsureIndexes adds data-skipping indexes and materializes them for
// existing parts.
func (s *Store) EnsureIndexes(ctx context.Context, defs []core.EntityDefinition) error {
	for _, def := range defs {
		for _, idx := range def.Indexes {
			if err := s.conn.Exec(ctx, addIndexSQL(def.Table, idx)); err != nil {
				return fmt.Errorf("add index %s: %w", idx.Name, err)
			}
			if err := s.conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s MATERIALIZE INDEX %s",
				quote(def.Table), quote(idx.Name))); err != nil {
				return fmt.Errorf("materialize index %s: %w", idx.Name, err)
			}
		}
	}
	return nil
}

// storeColumns lists the table columns written for def, without the version.
func storeColumns(def core.EntityDefinition) []string {
	cols := def.Columns()
	if !def.HasNaturalKey() {
		cols = append([]string{core.RowKeyColumn}, cols...)
	}
	return cols
}

func isKey(def core.EntityDefinition, col string) bool {
	for _, k := range def.KeyColumns() {
		if k == col {
			return true
		}
	}
	return false
}

// columnType maps a declared type to ClickHouse. Key columns cannot be
// Nullable because they form the sorting key.
func columnType(ft core.FieldType, key bool) string {
	var t string
	switch ft {
	case core.FieldInteger:
		t = "Int64"
	case core.FieldFloat:
		t = "Float64"
	case core.FieldDate:
		t = "Date32"
	default:
		t = "String"
	}
	if key {
		return t
	}
	return "Nullable(" + t + ")"
}

func createTableSQL(def core.EntityDefinition) string {
	var cols []string
	if !def.HasNaturalKey() {
		cols = append(cols, quote(core.RowKeyColumn)+" String")
	}
	for _, f := range def.Fields {
		cols = append(cols, quote(f.Name)+" "+columnType(f.Type, isKey(def, f.Name)))
	}
	cols = append(cols, quote(versionColumn)+" UInt64")

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) ENGINE = ReplacingMergeTree(%s) ORDER BY (%s)",
		quote(def.Table), strings.Join(cols, ", "), quote(versionColumn), quoteAll(def.KeyColumns()))
}

func insertSQL(def core.EntityDefinition) string {
	cols := append(storeColumns(def), versionColumn)
	return fmt.Sprintf("INSERT INTO %s (%s)", quote(def.Table), quoteAll(cols))
}

// insertRow lays out rec for insertSQL. Null key values become the zero
// value of their type.
func insertRow(def core.EntityDefinition, rec core.Record, version uint64) ([]any, error) {
	if len(rec) != len(def.Fields) {
		return nil, fmt.Errorf("row has %d values, %s declares %d", len(rec), def.Table, len(def.Fields))
	}
	row := make([]any, 0, len(rec)+2)
	if !def.HasNaturalKey() {
		row = append(row, core.RowKey(rec))
	}
	for i, f := range def.Fields {
		v := rec[i]
		if v == nil && isKey(def, f.Name) {
			v = zeroValue(f.Type)
		}
		row = append(row, v)
	}
	return append(row, version), nil
}

func zeroValue(ft core.FieldType) any {
	switch ft {
	case core.FieldInteger:
		return int64(0)
	case core.FieldFloat:
		return float64(0)
	case core.FieldDate:
		return time.Unix(0, 0).UTC()
	default:
		return ""
	}
}

// addIndexSQL declares a skip index. Text indexes use n-gram bloom filters
// for substring search; the rest use minmax.
func addIndexSQL(table string, idx core.IndexSpec) string {
	expr := quoteAll(idx.Columns)
	if len(idx.Columns) > 1 {
		expr = "(" + expr + ")"
	}
	kind := "minmax"
	if idx.Kind == core.IndexText {
		kind = "ngrambf_v1(3, 256, 2, 0)"
	}
	return fmt.Sprintf("ALTER TABLE %s ADD INDEX IF NOT EXISTS %s %s TYPE %s GRANULARITY 4",
		quote(table), quote(idx.Name), expr, kind)
}

func quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

func quoteAll(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = quote(n)
	}
	return strings.Join(q, ", ")
}
