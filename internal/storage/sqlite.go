package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kensaku/internal/models"
)

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLiteCatalog opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteCatalog(dbPath string) (*SQLiteCatalog, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteCatalog{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		folder TEXT NOT NULL,
		source TEXT NOT NULL,
		kind TEXT NOT NULL,
		chunks INTEGER NOT NULL,
		dimensions INTEGER NOT NULL,
		model TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_collections_created_at ON collections(created_at);
	CREATE INDEX IF NOT EXISTS idx_collections_source ON collections(source);
	`
	_, err := db.Exec(schema)
	return err
}

// RecordCollection inserts info, replacing any row with the same name.
// An empty ID is filled with a new UUID and CreatedAt is set to now.
func (s *SQLiteCatalog) RecordCollection(ctx context.Context, info *models.CollectionInfo) error {
	if info.Name == "" {
		return fmt.Errorf("collection name is required")
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	info.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (id, name, folder, source, kind, chunks, dimensions, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   id = excluded.id, folder = excluded.folder, source = excluded.source,
		   kind = excluded.kind, chunks = excluded.chunks, dimensions = excluded.dimensions,
		   model = excluded.model, created_at = excluded.created_at`,
		info.ID, info.Name, info.Folder, info.Source, info.Kind,
		info.Chunks, info.Dimensions, info.Model, info.CreatedAt,
	)
	return err
}

// GetCollection returns the catalog row for name.
func (s *SQLiteCatalog) GetCollection(ctx context.Context, name string) (*models.CollectionInfo, error) {
	var info models.CollectionInfo
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, folder, source, kind, chunks, dimensions, model, created_at
		 FROM collections WHERE name = ?`, name,
	).Scan(&info.ID, &info.Name, &info.Folder, &info.Source, &info.Kind,
		&info.Chunks, &info.Dimensions, &info.Model, &info.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ListCollections returns rows newest first with offset and limit.
func (s *SQLiteCatalog) ListCollections(ctx context.Context, offset, limit int) ([]*models.CollectionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, folder, source, kind, chunks, dimensions, model, created_at
		 FROM collections ORDER BY created_at DESC, name LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	infos := []*models.CollectionInfo{}
	for rows.Next() {
		var info models.CollectionInfo
		if err := rows.Scan(&info.ID, &info.Name, &info.Folder, &info.Source, &info.Kind,
			&info.Chunks, &info.Dimensions, &info.Model, &info.CreatedAt); err != nil {
			return nil, err
		}
		infos = append(infos, &info)
	}
	return infos, rows.Err()
}

// DeleteCollection removes the row for name. Missing rows are not an error.
func (s *SQLiteCatalog) DeleteCollection(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name)
	return err
}

// CountCollections returns the number of catalog rows.
func (s *SQLiteCatalog) CountCollections(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections`).Scan(&count)
	return count, err
}

// CountChunks returns the sum of chunks over all catalog rows.
func (s *SQLiteCatalog) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(chunks), 0) FROM collections`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteCatalog) Close() error {
	return s.db.Close()
}
