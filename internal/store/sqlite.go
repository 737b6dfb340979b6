package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/policy-assistant/internal/domain"
	"github.com/ashureev/policy-assistant/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	runID   string
	writeMu sync.Mutex // Serializes writers to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository. Each call starts a new run.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, runID: uuid.NewString()}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS api_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		called_at INTEGER NOT NULL,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		request_json TEXT NOT NULL,
		response_json TEXT,
		status_code INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_api_calls_called_at ON api_calls(called_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_api_calls_run_seq ON api_calls(run_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// RunID returns the identifier stored with this process's records.
func (s *SQLiteStore) RunID() string {
	return s.runID
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WriteCall appends rec, retrying with exponential backoff while the database is busy.
func (s *SQLiteStore) WriteCall(ctx context.Context, rec domain.APICallRecord) error {
	err := shared.RetryOnConflict(ctx, "write_call", 3, 50*time.Millisecond, func() error {
		return s.writeCallOnce(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("write call %d: %w", rec.Seq, err)
	}
	return nil
}

func (s *SQLiteStore) writeCallOnce(ctx context.Context, rec domain.APICallRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
		INSERT INTO api_calls (
			run_id, seq, called_at, endpoint, method,
			request_json, response_json, status_code, error, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, seq) DO NOTHING`

	request := "{}"
	if len(rec.Request) > 0 {
		request = string(rec.Request)
	}
	var response interface{}
	if len(rec.Response) > 0 {
		response = string(rec.Response)
	}
	var errText interface{}
	if rec.Error != "" {
		errText = rec.Error
	}

	_, err := s.db.ExecContext(ctx, query,
		s.runID, int64(rec.Seq), rec.Timestamp.UnixMilli(), rec.Endpoint, rec.Method,
		request, response, rec.StatusCode, errText, rec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert api call: %w", err)
	}
	return nil
}

// ListCalls returns up to limit of the most recent records, oldest first.
func (s *SQLiteStore) ListCalls(ctx context.Context, limit int) ([]domain.APICallRecord, error) {
	query := `
		SELECT seq, called_at, endpoint, method, request_json,
		       response_json, status_code, error, duration_ms
		FROM (
			SELECT * FROM api_calls ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query api calls: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close api call rows", "error", closeErr)
		}
	}()

	var records []domain.APICallRecord
	for rows.Next() {
		var rec domain.APICallRecord
		var seq, calledAt int64
		var request string
		var response, errText sql.NullString

		if err := rows.Scan(
			&seq, &calledAt, &rec.Endpoint, &rec.Method, &request,
			&response, &rec.StatusCode, &errText, &rec.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("scan api call row: %w", err)
		}

		rec.Seq = uint64(seq)
		rec.Timestamp = time.UnixMilli(calledAt).UTC()
		rec.Request = []byte(request)
		if response.Valid {
			rec.Response = []byte(response.String)
		}
		rec.Error = errText.String
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api calls: %w", err)
	}

	return records, nil
}

// PruneCalls removes records older than retention.
func (s *SQLiteStore) PruneCalls(ctx context.Context, retention time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	threshold := time.Now().Add(-retention).UnixMilli()
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_calls WHERE called_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune api calls: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
