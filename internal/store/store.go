// Package store persists researched properties and backs the research
// cache and per-subject locks with SQLite or PostgreSQL.
package store

import (
	"context"
	"time"

	"github.com/parcelscope/property-research/internal/model"
)

// PropertyFilter specifies criteria for searching persisted properties.
type PropertyFilter struct {
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Address string `json:"address,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// Store defines the persistence interface for the research service.
type Store interface {
	// Properties
	SaveProperty(ctx context.Context, prop *model.Property) (*model.Property, error)
	GetProperty(ctx context.Context, subject model.Subject) (*model.Property, error)
	SearchProperties(ctx context.Context, filter PropertyFilter) ([]model.Property, error)
	Stats(ctx context.Context) (*model.PropertyStats, error)

	// Research cache
	CacheGet(ctx context.Context, key string) ([]byte, error)
	CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error
	CacheDelete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context) (int, error)

	// Per-subject research locks
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
