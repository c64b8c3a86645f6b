package internal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// SQLDocumentStore keeps JSON documents keyed by (collection, id) in a single
// table. Writes replace the whole document; the last writer wins.
type SQLDocumentStore struct {
	db     *sql.DB
	driver string
	logger *Logger
}

// NewDocumentStore returns nil, nil when the database is disabled.
func NewDocumentStore(cfg *Config, logger *Logger) (*SQLDocumentStore, error) {
	if !cfg.DatabaseEnabled {
		logger.Info("database_disabled").
			Component("store").
			Operation("connect").
			Log()
		return nil, nil
	}

	var dsn string
	switch cfg.StoreDriver {
	case DriverPostgres:
		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			cfg.PostgresHost,
			cfg.PostgresPort,
			cfg.PostgresUser,
			cfg.PostgresPassword,
			cfg.PostgresDb,
			cfg.PostgresSSLMode,
		)
	case DriverSQLite:
		dsn = cfg.SQLitePath
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}

	db, err := sql.Open(cfg.StoreDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.StoreDriver, err)
	}

	if cfg.StoreDriver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s database: %w", cfg.StoreDriver, err)
	}

	store := &SQLDocumentStore{db: db, driver: cfg.StoreDriver, logger: logger}
	if cfg.StoreDriver == DriverSQLite {
		if err := store.optimizeSQLite(); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := store.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("database_connected").
		Component("store").
		Operation("connect").
		Meta("driver", cfg.StoreDriver).
		Log()
	return store, nil
}

func (s *SQLDocumentStore) runMigrations() error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(s.driver); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	return nil
}

func (s *SQLDocumentStore) optimizeSQLite() error {
	pragmas := []struct {
		name  string
		value string
	}{
		{"journal_mode", "WAL"},
		{"synchronous", "NORMAL"},
		{"busy_timeout", "5000"},
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA %s = %s", pragma.name, pragma.value)); err != nil {
			return fmt.Errorf("failed to set PRAGMA %s: %w", pragma.name, err)
		}
	}
	return nil
}

// rebind turns $N placeholders into ?N for sqlite.
func (s *SQLDocumentStore) rebind(query string) string {
	if s.driver == DriverSQLite {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

func (s *SQLDocumentStore) SetDocument(ctx context.Context, collection, id string, doc interface{}) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", collection, id, err)
	}

	query := s.rebind(`
		INSERT INTO documents (collection, id, body, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at
	`)
	if _, err := s.db.ExecContext(ctx, query, collection, id, string(body), time.Now().UTC()); err != nil {
		return fmt.Errorf("writing %s/%s: %w", collection, id, err)
	}
	return nil
}

// GetDocument decodes the stored document into out. It returns
// ErrDocumentNotFound when nothing is stored under the key.
func (s *SQLDocumentStore) GetDocument(ctx context.Context, collection, id string, out interface{}) error {
	var body string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT body FROM documents WHERE collection = $1 AND id = $2`),
		collection, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return fmt.Errorf("reading %s/%s: %w", collection, id, err)
	}
	return json.Unmarshal([]byte(body), out)
}

func (s *SQLDocumentStore) ListDocuments(ctx context.Context, collection string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, body FROM documents WHERE collection = $1 ORDER BY id`),
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", collection, err)
	}
	defer rows.Close()

	docs := make(map[string][]byte)
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("listing %s: %w", collection, err)
		}
		docs[id] = []byte(body)
	}
	return docs, rows.Err()
}

// Stats reports document counts per collection for the health endpoint.
func (s *SQLDocumentStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT collection, COUNT(*) FROM documents GROUP BY collection`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var collection string
		var count int
		if err := rows.Scan(&collection, &count); err != nil {
			return nil, err
		}
		counts[collection] = count
	}
	return map[string]interface{}{
		"enabled":     true,
		"driver":      s.driver,
		"collections": counts,
	}, rows.Err()
}

func (s *SQLDocumentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
