package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

const (
	createSQLite   = `CREATE TABLE IF NOT EXISTS quire_kv (key TEXT PRIMARY KEY, value BLOB NOT NULL)`
	createPostgres = `CREATE TABLE IF NOT EXISTS quire_kv (key TEXT PRIMARY KEY, value BYTEA NOT NULL)`
	getQuery       = `SELECT value FROM quire_kv WHERE key = ?`
	setQuery       = `INSERT INTO quire_kv (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	deleteQuery    = `DELETE FROM quire_kv WHERE key = ?`
	scanQuery      = `SELECT key, value FROM quire_kv WHERE substr(key, 1, ?) = ? ORDER BY key`
)

// SQLKV keeps keys in a single two-column table. The schema is created on
// first use.
type SQLKV struct {
	db      *sql.DB
	dialect Dialect

	initOnce sync.Once
	initErr  error
}

func NewSQLKV(db *sql.DB, dialect Dialect) *SQLKV {
	return &SQLKV{db: db, dialect: dialect}
}

// OpenSQLite opens a database file through the pure Go sqlite driver.
func OpenSQLite(path string) (*SQLKV, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	// sqlite allows a single writer; serializing avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return NewSQLKV(db, DialectSQLite), nil
}

func OpenPostgres(dsn string) (*SQLKV, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return NewSQLKV(db, DialectPostgres), nil
}

func (s *SQLKV) Close() error {
	return s.db.Close()
}

// bind rewrites ? placeholders into $n for postgres.
func (s *SQLKV) bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLKV) init(ctx context.Context) error {
	s.initOnce.Do(func() {
		ddl := createSQLite
		if s.dialect == DialectPostgres {
			ddl = createPostgres
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			s.initErr = fmt.Errorf("creating %s schema: %w", s.dialect, err)
		}
	})
	return s.initErr
}

func (s *SQLKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, s.bind(getQuery), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLKV) Set(ctx context.Context, key string, value []byte) error {
	if err := s.init(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.bind(setQuery), key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SQLKV) Delete(ctx context.Context, key string) error {
	if err := s.init(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.bind(deleteQuery), key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLKV) Batch(ctx context.Context, ops []Op) error {
	if err := s.init(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, op := range ops {
		if op.Delete {
			_, err = tx.ExecContext(ctx, s.bind(deleteQuery), op.Key)
		} else {
			_, err = tx.ExecContext(ctx, s.bind(setQuery), op.Key, op.Value)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("batch %s: %w", op.Key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLKV) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	if err := s.init(ctx); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, s.bind(scanQuery), utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}
