// Package storage defines the collection catalog and its SQLite implementation.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/kensaku/internal/models"
)

// ErrNotFound is returned when a catalog lookup matches no row.
var ErrNotFound = errors.New("collection not found in catalog")

// Catalog records ingested collections. It is advisory: the folder on disk
// stays the source of truth for a collection's content.
type Catalog interface {
	RecordCollection(ctx context.Context, info *models.CollectionInfo) error
	GetCollection(ctx context.Context, name string) (*models.CollectionInfo, error)
	ListCollections(ctx context.Context, offset, limit int) ([]*models.CollectionInfo, error)
	DeleteCollection(ctx context.Context, name string) error

	// Stats
	CountCollections(ctx context.Context) (int64, error)
	CountChunks(ctx context.Context) (int64, error)

	Close() error
}
