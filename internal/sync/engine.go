// Package sync reconciles the local file store with a GitHub repository:
// full and incremental pull, push, and the local file operations that feed
// them.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shaun/inkwell/internal/domain"
	"github.com/shaun/inkwell/internal/logging"
	"go.uber.org/zap"
)

const (
	DefaultBranch         = "main"
	DefaultFallbackBranch = "master"
	DefaultCommitMessage  = "Update via Inkwell"
)

// Remote is the subset of the GitHub client the engine drives. Every call
// names the branch it reads or writes.
type Remote interface {
	GetTree(ctx context.Context, token, owner, repo, branch string) ([]domain.TreeEntry, error)
	GetFileContent(ctx context.Context, token, owner, repo, branch, path string) (*domain.FileContent, error)
	CreateFile(ctx context.Context, token, owner, repo, branch, path, content, message string) (string, error)
	UpdateFileContent(ctx context.Context, token, owner, repo, branch, path, content, expectedSHA, message string) (string, error)
	DeleteFile(ctx context.Context, token, owner, repo, branch, path, expectedSHA, message string) error
}

// Store is the subset of the local store the engine reads and writes.
type Store interface {
	ListFiles(ctx context.Context, repositoryID string) ([]*domain.CachedFile, error)
	ListDirtyFiles(ctx context.Context, repositoryID string) ([]*domain.CachedFile, error)
	GetFile(ctx context.Context, id string) (*domain.CachedFile, error)
	UpsertFile(ctx context.Context, f *domain.CachedFile) error
	UpdateFile(ctx context.Context, id string, u domain.FileUpdate) error
	ReplaceFile(ctx context.Context, oldID string, f *domain.CachedFile) error
	DeleteFile(ctx context.Context, id string) error
	SaveRepository(ctx context.Context, r *domain.Repository) error
}

type Options struct {
	// Branch is synced; FallbackBranch is tried once when Branch does not exist.
	Branch         string
	FallbackBranch string
	// Concurrency bounds parallel content fetches during pull. Push is
	// always sequential.
	Concurrency int
	Logger      *zap.Logger
	Now         func() time.Time
}

// Progress is called after every processed entry with the number done so
// far and the total.
type Progress func(done, total int)

func (p Progress) report(done, total int) {
	if p != nil {
		p(done, total)
	}
}

// Result summarizes one pull or push.
type Result struct {
	Total     int                  `json:"total"`
	Updated   int                  `json:"updated"`
	Conflicts []*domain.CachedFile `json:"conflicts"`
	Skipped   []string             `json:"skipped"`
}

// ConflictPaths returns the paths of r.Conflicts.
func (r *Result) ConflictPaths() []string {
	paths := make([]string, 0, len(r.Conflicts))
	for _, f := range r.Conflicts {
		paths = append(paths, f.Path)
	}
	return paths
}

type Engine struct {
	remote Remote
	store  Store
	opts   Options
	log    *zap.Logger
}

func NewEngine(remote Remote, store Store, opts Options) *Engine {
	if opts.Branch == "" {
		opts.Branch = DefaultBranch
	}
	if opts.FallbackBranch == "" {
		opts.FallbackBranch = DefaultFallbackBranch
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		remote: remote,
		store:  store,
		opts:   opts,
		log:    logging.OrNop(opts.Logger).Named("sync"),
	}
}

// target is the repository branch one operation reads and writes.
type target struct {
	token        string
	owner, name  string
	branch       string
	repositoryID string
}

// resolve builds the target of an operation on repo: the branch its last
// pull synced, or the configured branch if it was never pulled.
func (e *Engine) resolve(token string, repo *domain.Repository) (*target, error) {
	owner, name, err := repo.OwnerAndName()
	if err != nil {
		return nil, err
	}
	branch := repo.Branch
	if branch == "" {
		branch = e.opts.Branch
	}
	return &target{token: token, owner: owner, name: name, branch: branch, repositoryID: repo.ID}, nil
}

// fetchTree lists the configured branch, retrying once on the fallback
// branch when it does not exist, and points t at the branch it listed.
func (e *Engine) fetchTree(ctx context.Context, t *target) ([]domain.TreeEntry, error) {
	t.branch = e.opts.Branch
	entries, err := e.remote.GetTree(ctx, t.token, t.owner, t.name, t.branch)
	if errors.Is(err, domain.ErrNotFound) && e.opts.FallbackBranch != e.opts.Branch {
		e.log.Info("branch not found, trying fallback",
			zap.String("repository", t.owner+"/"+t.name),
			zap.String("branch", e.opts.Branch),
			zap.String("fallback", e.opts.FallbackBranch))
		t.branch = e.opts.FallbackBranch
		entries, err = e.remote.GetTree(ctx, t.token, t.owner, t.name, t.branch)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tree of %s/%s: %w", t.owner, t.name, err)
	}
	return entries, nil
}

// markdownBlobs keeps the Markdown files of a tree listing, sorted by path.
func markdownBlobs(entries []domain.TreeEntry) []domain.TreeEntry {
	var out []domain.TreeEntry
	for _, e := range entries {
		if e.Type == domain.EntryBlob && domain.IsMarkdown(e.Path) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// fatal reports whether a per-file error must abort a pull instead of
// skipping the file.
func fatal(ctx context.Context, err error) bool {
	var se *storeError
	return errors.As(err, &se) || errors.Is(err, domain.ErrAuth) || ctx.Err() != nil
}

func (e *Engine) saveRepository(ctx context.Context, repo *domain.Repository, branch string, fileCount int) error {
	now := e.opts.Now()
	repo.LastSync = &now
	repo.Branch = branch
	repo.FileCount = fileCount
	if err := e.store.SaveRepository(ctx, repo); err != nil {
		return fmt.Errorf("failed to save repository %s: %w", repo.FullName, err)
	}
	return nil
}
