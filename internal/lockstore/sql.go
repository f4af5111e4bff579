package lockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/drachma/drachma-bridge/internal/bridge"
	"github.com/drachma/drachma-bridge/internal/lockstore/migrations"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore keeps locks in a bridge_locks table. The row carries the encoded
// record plus the columns needed for lookups; seq preserves insertion order.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	upsert  string
	get     string
	scan    string
}

// OpenPostgres connects through the pgx stdlib driver and applies migrations.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newSQLStore(ctx, db, DialectPostgres)
}

// OpenSQLite opens (or creates) a SQLite database file and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between our own connections.
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, DialectSQLite)
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	if err := Migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, dialect: dialect}
	s.upsert = s.rebind(`INSERT INTO bridge_locks (id, chain, destination, direction, state, timeout_height, record)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    state = excluded.state,
    record = excluded.record,
    updated_at = CURRENT_TIMESTAMP`)
	s.get = s.rebind(`SELECT record FROM bridge_locks WHERE id = ?`)
	s.scan = s.rebind(`SELECT record FROM bridge_locks WHERE destination = ? ORDER BY seq ASC`)
	return s, nil
}

// Migrate applies the embedded schema migrations for dialect.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	provider, err := NewMigrationProvider(db, dialect)
	if err != nil {
		return err
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate %s: %w", dialect, err)
	}
	return nil
}

// NewMigrationProvider returns a goose provider over the embedded migrations.
func NewMigrationProvider(db *sql.DB, dialect Dialect) (*goose.Provider, error) {
	fsys, err := migrations.FS(string(dialect))
	if err != nil {
		return nil, err
	}
	var gooseDialect goose.Dialect
	switch dialect {
	case DialectPostgres:
		gooseDialect = goose.DialectPostgres
	case DialectSQLite:
		gooseDialect = goose.DialectSQLite3
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	provider, err := goose.NewProvider(gooseDialect, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	return provider, nil
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
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

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Put(ctx context.Context, lock bridge.BridgeLock) error {
	if lock.ID == "" {
		return fmt.Errorf("lock id is required")
	}
	data, err := bridge.EncodeRecord(lock, 0)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.upsert,
		lock.ID,
		lock.Chain,
		lock.Destination,
		int64(lock.Direction),
		int64(lock.State),
		columnHeight(lock.TimeoutHeight),
		data,
	)
	if err != nil {
		return fmt.Errorf("upsert lock %s: %w", lock.ID, err)
	}
	return nil
}

// columnHeight saturates h to fit a signed BIGINT column. The record blob
// keeps the exact value.
func columnHeight(h uint64) int64 {
	if h > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(h)
}

func (s *SQLStore) Get(ctx context.Context, id string) (bridge.BridgeLock, error) {
	var data []byte
	if err := s.db.QueryRowContext(ctx, s.get, id).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bridge.BridgeLock{}, bridge.ErrLockNotFound
		}
		return bridge.BridgeLock{}, fmt.Errorf("select lock %s: %w", id, err)
	}
	lock, _, err := bridge.DecodeRecord(data)
	return lock, err
}

func (s *SQLStore) ScanByDestination(ctx context.Context, destination string) ([]bridge.BridgeLock, error) {
	rows, err := s.db.QueryContext(ctx, s.scan, destination)
	if err != nil {
		return nil, fmt.Errorf("scan destination %s: %w", destination, err)
	}
	defer rows.Close()

	locks := make([]bridge.BridgeLock, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		lock, _, err := bridge.DecodeRecord(data)
		if err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return locks, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
