package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaun/inkwell/internal/domain"
	"github.com/shaun/inkwell/internal/metrics"
	"go.uber.org/zap"
)

// Push uploads every dirty file in path order, one at a time. Files never
// pushed are created; the rest are updated against their last known remote
// SHA, so a remote that moved on is reported as domain.ErrConflict rather
// than overwritten. Each file is marked clean as soon as it is pushed. The
// first failure stops the push: the partial result is returned with the
// error, files before it stay pushed and files from it on stay dirty.
//
// Push returns domain.ErrNoChanges when nothing is dirty.
func (e *Engine) Push(ctx context.Context, token string, repo *domain.Repository, message string, progress Progress) (*Result, error) {
	t, err := e.resolve(token, repo)
	if err != nil {
		return nil, err
	}
	dirty, err := e.store.ListDirtyFiles(ctx, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dirty files: %w", err)
	}
	res := &Result{Total: len(dirty)}
	if len(dirty) == 0 {
		return res, domain.ErrNoChanges
	}
	if message == "" {
		message = DefaultCommitMessage
	}

	log := e.log.With(zap.String("repository", repo.FullName), zap.String("branch", t.branch), zap.String("operation", "push"))
	log.Info("push started", zap.Int("files", len(dirty)))

	for _, f := range dirty {
		sha, err := e.pushFile(ctx, t, f, message)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				res.Conflicts = append(res.Conflicts, f)
				metrics.RecordFile("push", metrics.FileConflict)
			} else {
				metrics.RecordFile("push", metrics.FileFailed)
			}
			log.Warn("push aborted", zap.String("path", f.Path), zap.Int("pushed", res.Updated), zap.Error(err))
			return res, fmt.Errorf("failed to push %s: %w", f.Path, err)
		}
		if err := e.markPushed(ctx, f, sha); err != nil {
			return res, err
		}
		res.Updated++
		metrics.RecordFile("push", metrics.FilePushed)
		progress.report(res.Updated, res.Total)
	}

	log.Info("push finished", zap.Int("pushed", res.Updated))
	return res, nil
}

func (e *Engine) pushFile(ctx context.Context, t *target, f *domain.CachedFile, message string) (string, error) {
	if f.RemoteSHA == "" {
		return e.remote.CreateFile(ctx, t.token, t.owner, t.name, t.branch, f.Path, f.Content, message)
	}
	return e.remote.UpdateFileContent(ctx, t.token, t.owner, t.name, t.branch, f.Path, f.Content, f.RemoteSHA, message)
}

// markPushed records the new remote SHA of pushed. The file is only marked
// clean if its content is still what was pushed; an edit made during the
// push keeps it dirty against the new SHA.
func (e *Engine) markPushed(ctx context.Context, pushed *domain.CachedFile, sha string) error {
	current, err := e.store.GetFile(ctx, pushed.ID)
	if errors.Is(err, domain.ErrNotFound) {
		e.log.Warn("pushed file was removed locally", zap.String("path", pushed.Path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to reload %s: %w", pushed.Path, err)
	}

	update := domain.FileUpdate{RemoteSHA: &sha}
	if current.Content == pushed.Content {
		update.IsDirty = domain.Ptr(false)
		update.LastModified = domain.Ptr(e.opts.Now())
	}
	if err := e.store.UpdateFile(ctx, pushed.ID, update); err != nil {
		return fmt.Errorf("failed to mark %s pushed: %w", pushed.Path, err)
	}
	return nil
}
