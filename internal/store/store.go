// Package store keeps a ledger of finished turn cycles. It records timing and
// outcome only; message content never reaches the database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TurnRecord is one finished turn cycle
type TurnRecord struct {
	SessionID     string
	Backend       string
	Model         string
	Outcome       string
	Fragments     int
	Chars         int
	FirstFragment time.Duration
	Duration      time.Duration
	ErrorCode     string
	CreatedAt     time.Time
}

// ModelSummary aggregates the ledger for one model
type ModelSummary struct {
	Model             string  `json:"model"`
	Turns             int     `json:"turns"`
	Succeeded         int     `json:"succeeded"`
	Failed            int     `json:"failed"`
	AvgFirstFragment  float64 `json:"avg_first_fragment_ms"`
	AvgDuration       float64 `json:"avg_duration_ms"`
	TotalFragments    int     `json:"total_fragments"`
	LastTurnTimestamp string  `json:"last_turn_at,omitempty"`
}

// SQLiteStore implements the turn ledger on SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn and creates the ledger schema
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// :memory: databases are per connection
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS turn_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			backend TEXT NOT NULL,
			model TEXT NOT NULL,
			outcome TEXT NOT NULL,
			fragments INTEGER NOT NULL DEFAULT 0,
			chars INTEGER NOT NULL DEFAULT 0,
			first_fragment_ms INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error_code TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turn_log_model ON turn_log(model, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_turn_log_session ON turn_log(session_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordTurn appends one record to the ledger
func (s *SQLiteStore) RecordTurn(ctx context.Context, rec TurnRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	var errorCode sql.NullString
	if rec.ErrorCode != "" {
		errorCode = sql.NullString{String: rec.ErrorCode, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_log (session_id, backend, model, outcome, fragments, chars, first_fragment_ms, duration_ms, error_code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Backend, rec.Model, rec.Outcome,
		rec.Fragments, rec.Chars,
		rec.FirstFragment.Milliseconds(), rec.Duration.Milliseconds(),
		errorCode, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return nil
}

// SessionTurns returns the number of cycles recorded for a session
func (s *SQLiteStore) SessionTurns(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turn_log WHERE session_id = ?`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count turns: %w", err)
	}
	return n, nil
}

// Summary aggregates the ledger per model, most used model first
func (s *SQLiteStore) Summary(ctx context.Context) ([]ModelSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model,
			COUNT(*),
			SUM(CASE WHEN outcome = 'ok' THEN 1 ELSE 0 END),
			COALESCE(AVG(CASE WHEN fragments > 0 THEN first_fragment_ms END), 0),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(SUM(fragments), 0),
			MAX(created_at)
		FROM turn_log
		GROUP BY model
		ORDER BY COUNT(*) DESC, model`)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	defer rows.Close()

	var summaries []ModelSummary
	for rows.Next() {
		var (
			sum  ModelSummary
			last sql.NullString
		)
		if err := rows.Scan(&sum.Model, &sum.Turns, &sum.Succeeded,
			&sum.AvgFirstFragment, &sum.AvgDuration, &sum.TotalFragments, &last); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		sum.Failed = sum.Turns - sum.Succeeded
		sum.LastTurnTimestamp = last.String
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}
	return summaries, nil
}
