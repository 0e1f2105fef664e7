package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/jobtalk/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements SessionStore using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writes to avoid SQLITE_BUSY
	now     func() time.Time
}

// NewSQLite creates a new SQLite-backed session store.
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

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		ui_state TEXT,
		job_search TEXT,
		pending_json TEXT,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get retrieves an unexpired session record.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.SessionRecord, error) {
	query := `
		SELECT session_id, ui_state, job_search, pending_json, created_at, last_activity
		FROM sessions WHERE session_id = ? AND expires_at > ?`

	row := s.db.QueryRowContext(ctx, query, id, s.now().UnixMilli())

	var rec domain.SessionRecord
	var uiState, jobSearch, pending sql.NullString
	var createdAt, lastActivity int64

	err := row.Scan(&rec.SessionID, &uiState, &jobSearch, &pending, &createdAt, &lastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.LastActivity = time.UnixMilli(lastActivity)
	if uiState.Valid && uiState.String != "" {
		rec.UIState = json.RawMessage(uiState.String)
	}
	if jobSearch.Valid && jobSearch.String != "" {
		rec.JobSearch = json.RawMessage(jobSearch.String)
	}
	if pending.Valid && pending.String != "" {
		if err := json.Unmarshal([]byte(pending.String), &rec.PendingCallIDs); err != nil {
			slog.Warn("Discarding malformed pending call ids", "session_id", id, "error", err)
			rec.PendingCallIDs = nil
		}
	}

	return &rec, nil
}

// Set creates or updates a session record.
func (s *SQLiteStore) Set(ctx context.Context, rec *domain.SessionRecord, ttl time.Duration) error {
	query := `
	INSERT INTO sessions (session_id, ui_state, job_search, pending_json, created_at, last_activity, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		ui_state = excluded.ui_state,
		job_search = excluded.job_search,
		pending_json = excluded.pending_json,
		last_activity = excluded.last_activity,
		expires_at = excluded.expires_at`

	var pending interface{}
	if len(rec.PendingCallIDs) > 0 {
		data, err := json.Marshal(rec.PendingCallIDs)
		if err != nil {
			return fmt.Errorf("marshal pending call ids: %w", err)
		}
		pending = string(data)
	}

	now := s.now()
	lastActivity := rec.LastActivity
	if lastActivity.IsZero() {
		lastActivity = now
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	return withRetry(ctx, "set session", rec.SessionID, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		_, err := s.db.ExecContext(ctx, query,
			rec.SessionID, nullableJSON(rec.UIState), nullableJSON(rec.JobSearch), pending,
			createdAt.UnixMilli(), lastActivity.UnixMilli(), now.Add(ttl).UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

// Delete removes a session record.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return withRetry(ctx, "delete session", id, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// ListActiveIDs returns ids of unexpired sessions.
func (s *SQLiteStore) ListActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions WHERE expires_at > ?`, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close active sessions rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan active session row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active sessions: %w", err)
	}
	return ids, nil
}

// CleanupExpired deletes lapsed rows.
func (s *SQLiteStore) CleanupExpired(ctx context.Context) (int64, error) {
	var deleted int64
	err := withRetry(ctx, "cleanup expired sessions", "", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("cleanup expired sessions: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
