package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"

	"github.com/shaun/inkwell/internal/domain"
	"github.com/shaun/inkwell/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FullPull downloads every Markdown file of the repository and stores it
// clean, then records LastSync and the number of files saved. A file whose
// content cannot be fetched is logged and skipped. A failure to list the
// tree aborts before anything is written.
func (e *Engine) FullPull(ctx context.Context, token string, repo *domain.Repository, progress Progress) (*Result, error) {
	t, err := e.resolve(token, repo)
	if err != nil {
		return nil, err
	}
	entries, err := e.fetchTree(ctx, t)
	if err != nil {
		return nil, err
	}
	blobs := markdownBlobs(entries)
	log := e.log.With(zap.String("repository", repo.FullName), zap.String("branch", t.branch), zap.String("operation", "full_pull"))
	log.Info("pull started", zap.Int("files", len(blobs)))

	res := &Result{Total: len(blobs)}
	var mu gosync.Mutex
	done := 0
	err = e.each(ctx, blobs, func(ctx context.Context, entry domain.TreeEntry) error {
		fetchErr := e.download(ctx, t, entry)

		mu.Lock()
		defer mu.Unlock()
		done++
		switch {
		case fetchErr == nil:
			res.Updated++
			metrics.RecordFile("full_pull", metrics.FilePulled)
		case fatal(ctx, fetchErr):
			return fetchErr
		default:
			log.Warn("skipping file", zap.String("path", entry.Path), zap.Error(fetchErr))
			res.Skipped = append(res.Skipped, entry.Path)
			metrics.RecordFile("full_pull", metrics.FileSkipped)
		}
		progress.report(done, res.Total)
		return nil
	})
	if err != nil {
		return res, err
	}
	sort.Strings(res.Skipped)

	if err := e.saveRepository(ctx, repo, t.branch, res.Updated); err != nil {
		return res, err
	}
	log.Info("pull finished", zap.Int("saved", res.Updated), zap.Int("skipped", len(res.Skipped)))
	return res, nil
}

// Pull brings clean local files up to date with the remote and downloads
// files that only exist remotely. A dirty local file whose remote version
// moved is a conflict: it is reported and left untouched. Local files
// without a remote counterpart are kept.
func (e *Engine) Pull(ctx context.Context, token string, repo *domain.Repository, progress Progress) (*Result, error) {
	t, err := e.resolve(token, repo)
	if err != nil {
		return nil, err
	}
	entries, err := e.fetchTree(ctx, t)
	if err != nil {
		return nil, err
	}
	locals, err := e.store.ListFiles(ctx, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list local files: %w", err)
	}
	byPath := make(map[string]*domain.CachedFile, len(locals))
	for _, f := range locals {
		byPath[f.Path] = f
	}

	blobs := markdownBlobs(entries)
	log := e.log.With(zap.String("repository", repo.FullName), zap.String("branch", t.branch), zap.String("operation", "pull"))
	log.Info("pull started", zap.Int("files", len(blobs)), zap.Int("local", len(locals)))

	res := &Result{Total: len(blobs)}
	var mu gosync.Mutex
	done := 0
	err = e.each(ctx, blobs, func(ctx context.Context, entry domain.TreeEntry) error {
		local := byPath[entry.Path]
		var (
			conflict *domain.CachedFile
			updated  bool
			stepErr  error
		)
		switch {
		case local != nil && local.RemoteSHA == entry.SHA:
		case local != nil && local.IsDirty:
			conflict = local
		default:
			conflict, stepErr = e.refresh(ctx, t, entry)
			updated = stepErr == nil && conflict == nil
		}

		mu.Lock()
		defer mu.Unlock()
		done++
		switch {
		case stepErr != nil && fatal(ctx, stepErr):
			return stepErr
		case stepErr != nil:
			log.Warn("skipping file", zap.String("path", entry.Path), zap.Error(stepErr))
			res.Skipped = append(res.Skipped, entry.Path)
			metrics.RecordFile("pull", metrics.FileSkipped)
		case conflict != nil:
			log.Info("conflict", zap.String("path", entry.Path),
				zap.String("local_sha", conflict.RemoteSHA), zap.String("remote_sha", entry.SHA))
			res.Conflicts = append(res.Conflicts, conflict)
			metrics.RecordFile("pull", metrics.FileConflict)
		case updated:
			res.Updated++
			metrics.RecordFile("pull", metrics.FilePulled)
		}
		progress.report(done, res.Total)
		return nil
	})
	if err != nil {
		return res, err
	}
	sort.Slice(res.Conflicts, func(i, j int) bool { return res.Conflicts[i].Path < res.Conflicts[j].Path })
	sort.Strings(res.Skipped)

	tracked, err := e.store.ListFiles(ctx, repo.ID)
	if err != nil {
		return res, fmt.Errorf("failed to count local files: %w", err)
	}
	if err := e.saveRepository(ctx, repo, t.branch, len(tracked)); err != nil {
		return res, err
	}
	log.Info("pull finished", zap.Int("updated", res.Updated),
		zap.Int("conflicts", len(res.Conflicts)), zap.Int("skipped", len(res.Skipped)))
	return res, nil
}

// each runs fn for every entry with at most Options.Concurrency in flight.
// The first error cancels the remaining entries.
func (e *Engine) each(ctx context.Context, entries []domain.TreeEntry, fn func(context.Context, domain.TreeEntry) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error { return fn(ctx, entry) })
	}
	return g.Wait()
}

// download fetches entry and stores it as a clean file.
func (e *Engine) download(ctx context.Context, t *target, entry domain.TreeEntry) error {
	fc, err := e.remote.GetFileContent(ctx, t.token, t.owner, t.name, t.branch, entry.Path)
	if err != nil {
		return err
	}
	return storeErr(e.store.UpsertFile(ctx, &domain.CachedFile{
		ID:           domain.FileID(t.repositoryID, entry.Path),
		RepositoryID: t.repositoryID,
		Path:         entry.Path,
		Content:      fc.Content,
		RemoteSHA:    fc.SHA,
		IsDirty:      false,
		LastModified: e.opts.Now(),
		Size:         fc.Size,
	}))
}

// refresh fetches entry and overwrites the clean or missing local copy. A
// local copy that is dirty by the time the content arrives is left alone
// and returned as a conflict; the dirty check and the write happen in one
// store update.
func (e *Engine) refresh(ctx context.Context, t *target, entry domain.TreeEntry) (*domain.CachedFile, error) {
	fc, err := e.remote.GetFileContent(ctx, t.token, t.owner, t.name, t.branch, entry.Path)
	if err != nil {
		return nil, err
	}

	id := domain.FileID(t.repositoryID, entry.Path)
	err = e.store.UpdateFile(ctx, id, domain.FileUpdate{
		Content:      &fc.Content,
		RemoteSHA:    &fc.SHA,
		IsDirty:      domain.Ptr(false),
		LastModified: domain.Ptr(e.opts.Now()),
		Size:         &fc.Size,
		UnlessDirty:  true,
	})
	switch {
	case errors.Is(err, domain.ErrDirty):
		current, err := e.store.GetFile(ctx, id)
		if err != nil {
			return nil, storeErr(err)
		}
		return current, nil
	case errors.Is(err, domain.ErrNotFound):
		return nil, storeErr(e.store.UpsertFile(ctx, &domain.CachedFile{
			ID:           id,
			RepositoryID: t.repositoryID,
			Path:         entry.Path,
			Content:      fc.Content,
			RemoteSHA:    fc.SHA,
			LastModified: e.opts.Now(),
			Size:         fc.Size,
		}))
	}
	return nil, storeErr(err)
}

// storeError marks a local store failure, which aborts a pull; remote
// failures only skip the file.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return &storeError{err: err}
}
