package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaun/inkwell/internal/domain"
	"go.uber.org/zap"
)

// CreateLocalFile adds a new, never pushed file to the cache. The path gets
// a ".md" suffix when it has no Markdown one. The next push creates it
// remotely.
func (e *Engine) CreateLocalFile(ctx context.Context, repositoryID, path, content string) (*domain.CachedFile, error) {
	path, err := domain.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if err := e.ensureAbsent(ctx, repositoryID, path); err != nil {
		return nil, err
	}
	f := &domain.CachedFile{
		ID:           domain.FileID(repositoryID, path),
		RepositoryID: repositoryID,
		Path:         path,
		Content:      content,
		IsDirty:      true,
		LastModified: e.opts.Now(),
		Size:         int64(len(content)),
	}
	if err := e.store.UpsertFile(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, nil
}

// SaveLocalFile stores editor content for a cached file. The file is dirty
// unless its content hashes to the remote version it was synced with, so
// undoing an edit makes it clean again.
func (e *Engine) SaveLocalFile(ctx context.Context, id, content string) (*domain.CachedFile, error) {
	f, err := e.store.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	f.Content = content
	f.IsDirty = f.RemoteSHA == "" || domain.BlobSHA(content) != f.RemoteSHA
	f.LastModified = e.opts.Now()
	f.Size = int64(len(content))
	err = e.store.UpdateFile(ctx, id, domain.FileUpdate{
		Content:      &f.Content,
		IsDirty:      &f.IsDirty,
		LastModified: &f.LastModified,
		Size:         &f.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", f.Path, err)
	}
	return f, nil
}

// DiscardLocalChanges resolves a conflict in favor of the remote: the file
// is replaced by its current remote content and marked clean. A file that
// was never pushed has no remote version and is removed. The returned file
// is nil in that case.
func (e *Engine) DiscardLocalChanges(ctx context.Context, token string, repo *domain.Repository, path string) (*domain.CachedFile, error) {
	t, err := e.resolve(token, repo)
	if err != nil {
		return nil, err
	}
	f, err := e.store.GetFile(ctx, domain.FileID(repo.ID, path))
	if err != nil {
		return nil, err
	}
	if f.RemoteSHA == "" {
		if err := e.store.DeleteFile(ctx, f.ID); err != nil {
			return nil, fmt.Errorf("failed to discard %s: %w", path, err)
		}
		return nil, nil
	}

	fc, err := e.remote.GetFileContent(ctx, t.token, t.owner, t.name, t.branch, path)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	f.Content = fc.Content
	f.RemoteSHA = fc.SHA
	f.IsDirty = false
	f.LastModified = e.opts.Now()
	f.Size = fc.Size
	err = e.store.UpdateFile(ctx, f.ID, domain.FileUpdate{
		Content:      &f.Content,
		RemoteSHA:    &f.RemoteSHA,
		IsDirty:      &f.IsDirty,
		LastModified: &f.LastModified,
		Size:         &f.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discard %s: %w", path, err)
	}
	return f, nil
}

// RenameFile moves oldPath to newPath. A never pushed file is renamed in the
// cache only. Otherwise the local content is created at newPath remotely
// first, the cache entry is replaced, and only then is oldPath deleted
// remotely. If that delete fails the rename has happened locally and the
// old remote file is left in place, and the error says so.
func (e *Engine) RenameFile(ctx context.Context, token string, repo *domain.Repository, oldPath, newPath, message string) (*domain.CachedFile, error) {
	t, err := e.resolve(token, repo)
	if err != nil {
		return nil, err
	}
	newPath, err = domain.NormalizePath(newPath)
	if err != nil {
		return nil, err
	}
	old, err := e.store.GetFile(ctx, domain.FileID(repo.ID, oldPath))
	if err != nil {
		return nil, err
	}
	if newPath == old.Path {
		return old, nil
	}
	if err := e.ensureAbsent(ctx, repo.ID, newPath); err != nil {
		return nil, err
	}
	if message == "" {
		message = fmt.Sprintf("Rename %s to %s", old.Path, newPath)
	}

	renamed := old.Clone()
	renamed.ID = domain.FileID(repo.ID, newPath)
	renamed.Path = newPath
	renamed.LastModified = e.opts.Now()

	if old.RemoteSHA == "" {
		if err := e.store.ReplaceFile(ctx, old.ID, renamed); err != nil {
			return nil, fmt.Errorf("failed to rename %s: %w", old.Path, err)
		}
		return renamed, nil
	}

	sha, err := e.remote.CreateFile(ctx, t.token, t.owner, t.name, t.branch, newPath, old.Content, message)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", newPath, err)
	}
	renamed.RemoteSHA = sha
	renamed.IsDirty = false
	if err := e.store.ReplaceFile(ctx, old.ID, renamed); err != nil {
		return nil, fmt.Errorf("failed to rename %s locally: %w", old.Path, err)
	}

	if err := e.remote.DeleteFile(ctx, t.token, t.owner, t.name, t.branch, old.Path, old.RemoteSHA, message); err != nil {
		e.log.Warn("renamed file left at old remote path",
			zap.String("repository", repo.FullName), zap.String("path", old.Path), zap.Error(err))
		return renamed, fmt.Errorf("renamed to %s but failed to delete %s: %w", newPath, old.Path, err)
	}
	return renamed, nil
}

// DeleteFile removes path remotely (when it was ever pushed) and then from
// the cache. A file already gone remotely is only removed locally.
func (e *Engine) DeleteFile(ctx context.Context, token string, repo *domain.Repository, path, message string) error {
	t, err := e.resolve(token, repo)
	if err != nil {
		return err
	}
	f, err := e.store.GetFile(ctx, domain.FileID(repo.ID, path))
	if err != nil {
		return err
	}
	if f.RemoteSHA != "" {
		if message == "" {
			message = "Delete " + path
		}
		err := e.remote.DeleteFile(ctx, t.token, t.owner, t.name, t.branch, path, f.RemoteSHA, message)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
	}
	if err := e.store.DeleteFile(ctx, f.ID); err != nil {
		return fmt.Errorf("failed to delete %s locally: %w", path, err)
	}
	return nil
}

func (e *Engine) ensureAbsent(ctx context.Context, repositoryID, path string) error {
	_, err := e.store.GetFile(ctx, domain.FileID(repositoryID, path))
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, path)
	case errors.Is(err, domain.ErrNotFound):
		return nil
	default:
		return err
	}
}
