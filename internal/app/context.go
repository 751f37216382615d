package app

import (
	"context"
	"io"

	"github.com/playdeck/fetchd/internal/domain"
	"github.com/playdeck/fetchd/internal/infra/config"
	"github.com/playdeck/fetchd/internal/infra/logger"
)

// Store is the durable ledger of jobs. A state transition is committed only
// once the corresponding store write succeeds.
type Store interface {
	SaveJob(job *domain.Job) error
	UpdateJobProgress(id string, downloaded int64, prefixCRC uint32) error
	GetJob(id string) (*domain.Job, error) // (nil, nil) when the id is unknown
	GetJobs() ([]*domain.Job, error)
	GetActiveJobs() ([]*domain.Job, error)
	Close() error
}

// Source is one resolved downloadable content item.
type Source interface {
	// Open returns a reader positioned at offset into the content.
	Open(ctx context.Context, offset int64) (io.ReadCloser, error)
	// Size is the total byte count, or 0 if the source doesn't declare one.
	Size() int64
	// Checksum is the declared whole-file SHA-256 in hex, or "" if absent.
	Checksum() string
}

// Resolver turns opaque catalog source references into readable sources.
// The catalog/entitlement service owns the refs; the engine only validates
// shape and moves bytes.
type Resolver interface {
	Validate(ref string) error
	Title(ref string) string
	Resolve(ctx context.Context, ref string) (Source, error)
}

// Context holds the core environment and shared resources for fetchd.
// It acts as the "Single Source of Truth" for the application state.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	Store    Store
	Resolver Resolver
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger, store Store, resolver Resolver) *Context {
	return &Context{
		Config:   cfg,
		Logger:   log,
		Store:    store,
		Resolver: resolver,
	}
}
