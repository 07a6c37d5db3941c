// Package store is the local cache of Markdown files, repository sync
// metadata and editor settings. It is the single source of truth for what
// the sync engine operates on and what clients render.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shaun/inkwell/internal/domain"
)

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Change kinds published to subscribers.
const (
	ChangeUpsert     = "upsert"
	ChangeUpdate     = "update"
	ChangeDelete     = "delete"
	ChangeRepository = "repository"
)

// Change describes one committed write.
type Change struct {
	Kind         string    `json:"kind"`
	RepositoryID string    `json:"repositoryId"`
	FileID       string    `json:"fileId,omitempty"`
	Path         string    `json:"path,omitempty"`
	At           time.Time `json:"at"`
}

// Store is implemented by SQLiteStore and MemoryStore.
type Store interface {
	ListFiles(ctx context.Context, repositoryID string) ([]*domain.CachedFile, error)
	ListDirtyFiles(ctx context.Context, repositoryID string) ([]*domain.CachedFile, error)
	GetFile(ctx context.Context, id string) (*domain.CachedFile, error)
	UpsertFile(ctx context.Context, f *domain.CachedFile) error
	UpdateFile(ctx context.Context, id string, u domain.FileUpdate) error
	ReplaceFile(ctx context.Context, oldID string, f *domain.CachedFile) error
	DeleteFile(ctx context.Context, id string) error

	SaveRepository(ctx context.Context, r *domain.Repository) error
	GetRepository(ctx context.Context, id string) (*domain.Repository, error)
	ListRepositories(ctx context.Context) ([]*domain.Repository, error)

	GetSettings(ctx context.Context) (*domain.Settings, error)
	SaveSettings(ctx context.Context, s *domain.Settings) error

	Subscribe(repositoryID string) (<-chan Change, func())
	Close() error
}

type Config struct {
	Backend string
	Path    string
}

// Open opens the store selected by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendSQLite, "":
		return OpenSQLite(ctx, cfg.Path)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// checkFile fills in f.ID and rejects records whose ID does not match their
// repository and path.
func checkFile(f *domain.CachedFile) error {
	if f.RepositoryID == "" || f.Path == "" {
		return fmt.Errorf("file %q needs a repository and a path", f.ID)
	}
	want := domain.FileID(f.RepositoryID, f.Path)
	if f.ID == "" {
		f.ID = want
	}
	if f.ID != want {
		return fmt.Errorf("file id %q does not match %q", f.ID, want)
	}
	return nil
}

func cloneRepository(r *domain.Repository) *domain.Repository {
	c := *r
	if r.LastSync != nil {
		t := *r.LastSync
		c.LastSync = &t
	}
	return &c
}
