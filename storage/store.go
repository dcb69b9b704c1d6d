// Package storage archives experiment export documents in SQLite so a
// dataset survives resets and restarts.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Seednode/ultimatum/storage/migrations"
	"github.com/Seednode/ultimatum/ultimatum"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("snapshot not found")

// Snapshot describes one archived export.
type Snapshot struct {
	ID        int64
	Reason    string
	Status    ultimatum.Status
	Players   int
	Games     int
	CreatedAt time.Time
}

// Store provides SQLite-backed snapshot persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the archive at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Save archives doc under reason and returns the new snapshot id.
func (s *Store) Save(ctx context.Context, reason string, doc ultimatum.Export) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return 0, fmt.Errorf("snapshot reason is required")
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encode export: %w", err)
	}

	createdAt := doc.ExportedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO snapshots (
	reason,
	status,
	players,
	games,
	document,
	created_at
) VALUES (?, ?, ?, ?, ?, ?)
`,
		reason,
		string(doc.State.Status),
		len(doc.Players),
		len(doc.Games),
		string(body),
		createdAt.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	return id, nil
}

// List returns up to limit snapshots, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	id,
	reason,
	status,
	players,
	games,
	created_at
FROM snapshots
ORDER BY created_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make([]Snapshot, 0, limit)
	for rows.Next() {
		var snap Snapshot
		var status string
		var createdAt int64
		if err := rows.Scan(
			&snap.ID,
			&snap.Reason,
			&status,
			&snap.Players,
			&snap.Games,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Status = ultimatum.Status(status)
		snap.CreatedAt = time.UnixMilli(createdAt).UTC()
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}

	return snapshots, nil
}

// Load returns the export document archived as id.
func (s *Store) Load(ctx context.Context, id int64) (ultimatum.Export, error) {
	return s.loadWhere(ctx, "WHERE id = ?", id)
}

// Latest returns the most recently archived export document.
func (s *Store) Latest(ctx context.Context) (ultimatum.Export, error) {
	return s.loadWhere(ctx, "ORDER BY created_at DESC, id DESC LIMIT 1")
}

func (s *Store) loadWhere(ctx context.Context, clause string, args ...any) (ultimatum.Export, error) {
	if err := ctx.Err(); err != nil {
		return ultimatum.Export{}, err
	}
	if s == nil || s.sqlDB == nil {
		return ultimatum.Export{}, fmt.Errorf("storage is not configured")
	}

	var body string
	err := s.sqlDB.QueryRowContext(ctx, "SELECT document FROM snapshots "+clause, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ultimatum.Export{}, ErrNotFound
	}
	if err != nil {
		return ultimatum.Export{}, fmt.Errorf("load snapshot: %w", err)
	}

	var doc ultimatum.Export
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return ultimatum.Export{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return doc, nil
}
