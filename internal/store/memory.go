package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaun/inkwell/internal/domain"
)

// MemoryStore keeps everything in maps. Records are copied on the way in and
// out, so callers never share memory with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	files    map[string]*domain.CachedFile
	repos    map[string]*domain.Repository
	settings domain.Settings
	events   *broadcaster
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:  make(map[string]*domain.CachedFile),
		repos:  make(map[string]*domain.Repository),
		events: newBroadcaster(),
	}
}

func (s *MemoryStore) ListFiles(_ context.Context, repositoryID string) ([]*domain.CachedFile, error) {
	return s.list(repositoryID, false), nil
}

func (s *MemoryStore) ListDirtyFiles(_ context.Context, repositoryID string) ([]*domain.CachedFile, error) {
	return s.list(repositoryID, true), nil
}

func (s *MemoryStore) list(repositoryID string, dirtyOnly bool) []*domain.CachedFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var files []*domain.CachedFile
	for _, f := range s.files {
		if f.RepositoryID != repositoryID || (dirtyOnly && !f.IsDirty) {
			continue
		}
		files = append(files, f.Clone())
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

func (s *MemoryStore) GetFile(_ context.Context, id string) (*domain.CachedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("file %q: %w", id, domain.ErrNotFound)
	}
	return f.Clone(), nil
}

func (s *MemoryStore) UpsertFile(_ context.Context, f *domain.CachedFile) error {
	if err := checkFile(f); err != nil {
		return err
	}
	s.mu.Lock()
	s.files[f.ID] = f.Clone()
	s.mu.Unlock()
	s.events.publish(Change{Kind: ChangeUpsert, RepositoryID: f.RepositoryID, FileID: f.ID, Path: f.Path})
	return nil
}

func (s *MemoryStore) UpdateFile(_ context.Context, id string, u domain.FileUpdate) error {
	s.mu.Lock()
	f, ok := s.files[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("file %q: %w", id, domain.ErrNotFound)
	}
	if u.UnlessDirty && f.IsDirty {
		s.mu.Unlock()
		return fmt.Errorf("file %q: %w", id, domain.ErrDirty)
	}
	if u.Empty() {
		s.mu.Unlock()
		return nil
	}
	next := f.Clone()
	u.Apply(next)
	s.files[id] = next
	s.mu.Unlock()
	s.events.publish(Change{Kind: ChangeUpdate, RepositoryID: next.RepositoryID, FileID: id, Path: next.Path})
	return nil
}

func (s *MemoryStore) ReplaceFile(_ context.Context, oldID string, f *domain.CachedFile) error {
	if err := checkFile(f); err != nil {
		return err
	}
	s.mu.Lock()
	old, ok := s.files[oldID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("file %q: %w", oldID, domain.ErrNotFound)
	}
	delete(s.files, oldID)
	s.files[f.ID] = f.Clone()
	s.mu.Unlock()
	s.events.publish(
		Change{Kind: ChangeDelete, RepositoryID: old.RepositoryID, FileID: oldID, Path: old.Path},
		Change{Kind: ChangeUpsert, RepositoryID: f.RepositoryID, FileID: f.ID, Path: f.Path},
	)
	return nil
}

func (s *MemoryStore) DeleteFile(_ context.Context, id string) error {
	s.mu.Lock()
	f, ok := s.files[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("file %q: %w", id, domain.ErrNotFound)
	}
	delete(s.files, id)
	s.mu.Unlock()
	s.events.publish(Change{Kind: ChangeDelete, RepositoryID: f.RepositoryID, FileID: id, Path: f.Path})
	return nil
}

func (s *MemoryStore) SaveRepository(_ context.Context, r *domain.Repository) error {
	if r.ID == "" {
		return fmt.Errorf("repository %q has no id", r.FullName)
	}
	s.mu.Lock()
	s.repos[r.ID] = cloneRepository(r)
	s.mu.Unlock()
	s.events.publish(Change{Kind: ChangeRepository, RepositoryID: r.ID})
	return nil
}

func (s *MemoryStore) GetRepository(_ context.Context, id string) (*domain.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[id]
	if !ok {
		return nil, fmt.Errorf("repository %q: %w", id, domain.ErrNotFound)
	}
	return cloneRepository(r), nil
}

func (s *MemoryStore) ListRepositories(_ context.Context) ([]*domain.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	repos := make([]*domain.Repository, 0, len(s.repos))
	for _, r := range s.repos {
		repos = append(repos, cloneRepository(r))
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].FullName < repos[j].FullName })
	return repos, nil
}

func (s *MemoryStore) GetSettings(_ context.Context) (*domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings := s.settings
	return &settings, nil
}

func (s *MemoryStore) SaveSettings(_ context.Context, settings *domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = *settings
	return nil
}

func (s *MemoryStore) Subscribe(repositoryID string) (<-chan Change, func()) {
	return s.events.subscribe(repositoryID)
}

func (s *MemoryStore) Close() error {
	s.events.close()
	return nil
}

var _ Store = (*MemoryStore)(nil)
