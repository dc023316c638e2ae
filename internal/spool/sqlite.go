package spool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	perrors "github.com/p-blackswan/codetime-agent/internal/errors"
)

// SQLiteStore keeps spooled payloads in a SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger

	mu      sync.Mutex
	drainMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database and runs migrations.
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping spool database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "spool").Str("backend", "sqlite").Logger(),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("spool database initialized")
	return s, nil
}

// Append inserts payload as a new record.
func (s *SQLiteStore) Append(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty spool record: %w", perrors.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spooled_payloads (record_id, payload, created_at) VALUES (?, ?, ?)`,
		uuid.New().String(), string(payload), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to spool payload: %w", err)
	}
	return nil
}

// Drain sends all records as one batch and deletes the rows it read.
func (s *SQLiteStore) Drain(ctx context.Context, send SendFunc) (int, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	s.mu.Lock()
	records, maxID, err := s.readAll(ctx)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, perrors.ErrSpoolEmpty
	}

	batch, valid := buildBatch(records, s.logger)
	if valid > 0 {
		if err := send(ctx, batch); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spooled_payloads WHERE id <= ?`, maxID); err != nil {
		return 0, fmt.Errorf("failed to clear spool: %w", err)
	}
	if valid == 0 {
		return 0, perrors.ErrSpoolEmpty
	}
	s.logger.Debug().Int("records", valid).Msg("spool drained")
	return valid, nil
}

func (s *SQLiteStore) readAll(ctx context.Context) ([][]byte, int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM spooled_payloads ORDER BY id ASC`)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read spool: %w", err)
	}
	defer rows.Close()

	var (
		records [][]byte
		maxID   int64
	)
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, 0, fmt.Errorf("failed to scan spool row: %w", err)
		}
		records = append(records, []byte(payload))
		maxID = id
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate spool: %w", err)
	}
	return records, maxID, nil
}

// Len returns the number of queued rows.
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spooled_payloads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count spool: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
