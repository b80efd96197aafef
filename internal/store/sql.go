package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const sqlOperationTimeout = 5 * time.Second

var defaultSQLViews = map[string]string{
	ViewDropSubmissions: `
		SELECT s.id, s.drop_id, s.actor_id, s.file_name, s.created_at, d.name AS drop_name
		FROM submissions s
		JOIN drops d ON d.id = s.drop_id
		WHERE d.profile_id = $1 AND d.deleted_at IS NULL
		ORDER BY s.created_at DESC, s.id DESC`,
	ViewDropDownloads: `
		SELECT dl.id, dl.submission_id, dl.actor_id, dl.created_at, s.drop_id, d.name AS drop_name
		FROM downloads dl
		JOIN submissions s ON s.id = dl.submission_id
		JOIN drops d ON d.id = s.drop_id
		WHERE d.profile_id = $1 AND d.deleted_at IS NULL
		ORDER BY dl.created_at DESC, dl.id DESC`,
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS drops (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL,
		name TEXT NOT NULL,
		deleted_at TEXT,
		created_at TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		drop_id TEXT NOT NULL,
		actor_id TEXT,
		file_name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		submission_id TEXT NOT NULL,
		actor_id TEXT,
		created_at TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS drops_profile_id_idx ON drops (profile_id)`,
	`CREATE INDEX IF NOT EXISTS submissions_drop_id_idx ON submissions (drop_id)`,
	`CREATE INDEX IF NOT EXISTS downloads_submission_id_idx ON downloads (submission_id)`,
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type SQLOptions struct {
	Dialect Dialect
	// Views maps view names to a query taking the scope key as $1. Entries
	// override the built-in views of the same name.
	Views            map[string]string
	Bootstrap        bool
	OperationTimeout time.Duration
}

type SQLStore struct {
	dsn     string
	dialect Dialect
	views   map[string]string
	boot    bool
	timeout time.Duration
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLStore(dsn string, opts SQLOptions) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	switch opts.Dialect {
	case DialectPostgres, DialectSQLite:
	case "":
		opts.Dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("%w: sql dialect %s", ErrNotImplemented, opts.Dialect)
	}
	views := make(map[string]string, len(defaultSQLViews)+len(opts.Views))
	for name, query := range defaultSQLViews {
		views[name] = query
	}
	for name, query := range opts.Views {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(query) == "" {
			continue
		}
		views[name] = query
	}
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = sqlOperationTimeout
	}
	return &SQLStore{
		dsn:     dsn,
		dialect: opts.Dialect,
		views:   views,
		boot:    opts.Bootstrap,
		timeout: timeout,
		openDB:  sql.Open,
	}, nil
}

// NewSQLStoreFromDB wraps an already opened handle. Close does not close db.
func NewSQLStoreFromDB(db *sql.DB, opts SQLOptions) (*SQLStore, error) {
	if db == nil {
		return nil, ErrInvalidInput
	}
	s, err := NewSQLStore("preopened", opts)
	if err != nil {
		return nil, err
	}
	s.openDB = func(string, string) (*sql.DB, error) { return db, nil }
	s.dsn = ""
	return s, nil
}

func (s *SQLStore) GetByID(ctx context.Context, table, id string) (Row, error) {
	return s.GetByForeignKey(ctx, table, "id", id)
}

func (s *SQLStore) GetByForeignKey(ctx context.Context, table, key, value string) (Row, error) {
	if err := checkLookup(table, key, value); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = %s LIMIT 1",
		quoteIdentifier(table), quoteIdentifier(key), s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, value)
	if err != nil {
		return nil, err
	}
	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

func (s *SQLStore) ListForScope(ctx context.Context, view, scopeKey string) ([]Row, error) {
	query, ok := s.views[view]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, view)
	}
	if strings.TrimSpace(scopeKey) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.bind(query), scopeKey)
	if err != nil {
		return nil, err
	}
	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Row{}
	}
	return out, nil
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// DB exposes the underlying handle, opening it if needed.
func (s *SQLStore) DB() (*sql.DB, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s.db, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil || s.dsn == "" {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		driver := "postgres"
		if s.dialect == DialectSQLite {
			driver = "sqlite"
		}
		db, err := s.openDB(driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.boot {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if err := Bootstrap(ctx, db); err != nil {
				if s.dsn != "" {
					_ = db.Close()
				}
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == DialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// bind rewrites the single $1 scope parameter for drivers that only accept "?".
func (s *SQLStore) bind(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	return strings.ReplaceAll(query, "$1", "?")
}

// Bootstrap creates the profiles/drops/submissions/downloads schema.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return ErrInvalidInput
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
