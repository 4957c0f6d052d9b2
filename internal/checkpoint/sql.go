package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type dialect struct {
	driver   string
	blobType string
	bind     func(n int) string
}

var (
	sqliteDialect = dialect{
		driver:   "sqlite",
		blobType: "BLOB",
		bind:     func(int) string { return "?" },
	}
	postgresDialect = dialect{
		driver:   "pgx",
		blobType: "BYTEA",
		bind:     func(n int) string { return "$" + strconv.Itoa(n) },
	}
)

// SQLStorage stores checkpoints in a single table keyed by (run_id, phase).
type SQLStorage struct {
	db *sql.DB
	d  dialect
}

// OpenSQLite opens or creates a SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStorage, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	db, err := sql.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; phases are sequential anyway.
	db.SetMaxOpenConns(1)
	return newSQLStorage(ctx, db, sqliteDialect)
}

// OpenPostgres connects to PostgreSQL through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string, maxOpenConns int) (*SQLStorage, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newSQLStorage(ctx, db, postgresDialect)
}

func newSQLStorage(ctx context.Context, db *sql.DB, d dialect) (*SQLStorage, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.driver, err)
	}
	s := &SQLStorage{db: db, d: d}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStorage) migrate(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT NOT NULL,
	phase      TEXT NOT NULL,
	data       %s NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (run_id, phase)
)`, s.d.blobType)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create checkpoints table: %w", err)
	}
	return nil
}

func (s *SQLStorage) Put(ctx context.Context, runID, key string, data []byte) error {
	q := fmt.Sprintf(`INSERT INTO checkpoints (run_id, phase, data, updated_at) VALUES (%s, %s, %s, %s)
ON CONFLICT (run_id, phase) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		s.d.bind(1), s.d.bind(2), s.d.bind(3), s.d.bind(4))
	_, err := s.db.ExecContext(ctx, q, runID, key, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert checkpoint %s/%s: %w", runID, key, err)
	}
	return nil
}

func (s *SQLStorage) Get(ctx context.Context, runID, key string) ([]byte, error) {
	q := fmt.Sprintf(`SELECT data FROM checkpoints WHERE run_id = %s AND phase = %s`, s.d.bind(1), s.d.bind(2))
	var data []byte
	err := s.db.QueryRowContext(ctx, q, runID, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select checkpoint %s/%s: %w", runID, key, err)
	}
	return data, nil
}

func (s *SQLStorage) Delete(ctx context.Context, runID string) error {
	q := fmt.Sprintf(`DELETE FROM checkpoints WHERE run_id = %s`, s.d.bind(1))
	if _, err := s.db.ExecContext(ctx, q, runID); err != nil {
		return fmt.Errorf("delete checkpoints for %s: %w", runID, err)
	}
	return nil
}

func (s *SQLStorage) List(ctx context.Context, runID string) ([]string, error) {
	q := fmt.Sprintf(`SELECT phase FROM checkpoints WHERE run_id = %s ORDER BY phase`, s.d.bind(1))
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", runID, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}
