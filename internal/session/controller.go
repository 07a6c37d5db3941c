// Package session runs sync operations as observable tasks: at most one per
// repository at a time, with progress and a terminal outcome that clients
// poll.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaun/inkwell/internal/domain"
	"github.com/shaun/inkwell/internal/logging"
	"github.com/shaun/inkwell/internal/metrics"
	inksync "github.com/shaun/inkwell/internal/sync"
	"go.uber.org/zap"
)

const (
	KindFullPull = "full_pull"
	KindPull     = "pull"
	KindPush     = "push"
	KindRename   = "rename"
	KindDiscard  = "discard"
	KindDelete   = "delete"
)

const (
	StateIdle      = "idle"
	StateRunning   = "running"
	StateSuccess   = "success"
	StateConflict  = "conflict"
	StateNoChanges = "no_changes"
	StateError     = "error"
)

// Engine is the sync engine as the controller drives it.
type Engine interface {
	FullPull(ctx context.Context, token string, repo *domain.Repository, progress inksync.Progress) (*inksync.Result, error)
	Pull(ctx context.Context, token string, repo *domain.Repository, progress inksync.Progress) (*inksync.Result, error)
	Push(ctx context.Context, token string, repo *domain.Repository, message string, progress inksync.Progress) (*inksync.Result, error)
	RenameFile(ctx context.Context, token string, repo *domain.Repository, oldPath, newPath, message string) (*domain.CachedFile, error)
	DiscardLocalChanges(ctx context.Context, token string, repo *domain.Repository, path string) (*domain.CachedFile, error)
	DeleteFile(ctx context.Context, token string, repo *domain.Repository, path, message string) error
}

// Request is one sync operation to run.
type Request struct {
	Kind       string
	Token      string
	Repository *domain.Repository
	// Message is the commit message of a push.
	Message string
}

// Snapshot is the observable state of a repository's latest task.
type Snapshot struct {
	TaskID       string     `json:"taskId,omitempty"`
	RepositoryID string     `json:"repositoryId"`
	Kind         string     `json:"kind,omitempty"`
	State        string     `json:"state"`
	Progress     int        `json:"progress"`
	Total        int        `json:"total"`
	Updated      int        `json:"updated"`
	Conflicts    []string   `json:"conflicts"`
	Error        string     `json:"error,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

func (s *Snapshot) clone() Snapshot {
	c := *s
	c.Conflicts = append([]string{}, s.Conflicts...)
	return c
}

type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
}

type Controller struct {
	engine Engine
	log    *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*Snapshot
	wg     sync.WaitGroup
}

func NewController(engine Engine, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		engine: engine,
		log:    logging.OrNop(opts.Logger).Named("session"),
		now:    opts.Now,
		states: make(map[string]*Snapshot),
	}
}

// acquire marks the repository busy and starts a new task snapshot.
func (c *Controller) acquire(repositoryID, kind string) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[repositoryID]; ok && s.State == StateRunning {
		return nil, fmt.Errorf("%w: %s running on repository %s", domain.ErrBusy, s.Kind, repositoryID)
	}
	started := c.now()
	s := &Snapshot{
		TaskID:       uuid.NewString(),
		RepositoryID: repositoryID,
		Kind:         kind,
		State:        StateRunning,
		Conflicts:    []string{},
		StartedAt:    &started,
	}
	c.states[repositoryID] = s
	return s, nil
}

func (c *Controller) progress(s *Snapshot) inksync.Progress {
	return func(done, total int) {
		c.mu.Lock()
		defer c.mu.Unlock()
		s.Progress = done
		s.Total = total
	}
}

// finish records the outcome of s and releases the repository.
func (c *Controller) finish(s *Snapshot, res *inksync.Result, err error) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	finished := c.now()
	s.FinishedAt = &finished
	if res != nil {
		s.Total = res.Total
		s.Updated = res.Updated
		s.Conflicts = res.ConflictPaths()
	}
	switch {
	case err == nil && len(s.Conflicts) > 0:
		s.State = StateConflict
	case err == nil:
		s.State = StateSuccess
	case errors.Is(err, domain.ErrNoChanges):
		s.State = StateNoChanges
	case errors.Is(err, domain.ErrConflict):
		s.State = StateConflict
		s.Error = err.Error()
	default:
		s.State = StateError
		s.Error = err.Error()
	}

	metrics.RecordSyncOperation(s.Kind, s.State, finished.Sub(*s.StartedAt))
	log := c.log.With(zap.String("task", s.TaskID), zap.String("repository", s.RepositoryID), zap.String("kind", s.Kind))
	if s.State == StateError {
		log.Error("task failed", zap.Error(err))
	} else {
		log.Info("task finished", zap.String("state", s.State),
			zap.Int("updated", s.Updated), zap.Int("conflicts", len(s.Conflicts)))
	}
	return s.clone()
}

func (c *Controller) run(ctx context.Context, s *Snapshot, req Request) (*inksync.Result, error) {
	repo := *req.Repository
	switch req.Kind {
	case KindFullPull:
		return c.engine.FullPull(ctx, req.Token, &repo, c.progress(s))
	case KindPull:
		return c.engine.Pull(ctx, req.Token, &repo, c.progress(s))
	case KindPush:
		return c.engine.Push(ctx, req.Token, &repo, req.Message, c.progress(s))
	default:
		return nil, fmt.Errorf("unknown sync kind %q", req.Kind)
	}
}

func validate(req Request) error {
	if req.Repository == nil || req.Repository.ID == "" {
		return errors.New("sync request needs a repository")
	}
	switch req.Kind {
	case KindFullPull, KindPull, KindPush:
		return nil
	default:
		return fmt.Errorf("unknown sync kind %q", req.Kind)
	}
}

// Start launches req in the background and returns its initial snapshot,
// or domain.ErrBusy if the repository already has a task running. The task
// runs to completion even if ctx is canceled.
func (c *Controller) Start(ctx context.Context, req Request) (Snapshot, error) {
	if err := validate(req); err != nil {
		return Snapshot{}, err
	}
	s, err := c.acquire(req.Repository.ID, req.Kind)
	if err != nil {
		return Snapshot{}, err
	}
	c.mu.Lock()
	initial := s.clone()
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res, err := c.run(ctx, s, req)
		c.finish(s, res, err)
	}()
	return initial, nil
}

// Run executes req and waits for it.
func (c *Controller) Run(ctx context.Context, req Request) (Snapshot, *inksync.Result, error) {
	if err := validate(req); err != nil {
		return Snapshot{}, nil, err
	}
	s, err := c.acquire(req.Repository.ID, req.Kind)
	if err != nil {
		return Snapshot{}, nil, err
	}
	res, err := c.run(ctx, s, req)
	return c.finish(s, res, err), res, err
}

// Rename renames a file while holding the repository. Like the file
// operations below it runs to completion even if ctx is canceled, so the
// remote and local steps are never split.
func (c *Controller) Rename(ctx context.Context, token string, repo *domain.Repository, from, to, message string) (*domain.CachedFile, error) {
	s, err := c.acquire(repo.ID, KindRename)
	if err != nil {
		return nil, err
	}
	f, err := c.engine.RenameFile(context.WithoutCancel(ctx), token, repo, from, to, message)
	c.finish(s, nil, err)
	return f, err
}

// Discard replaces a file with its remote version while holding the
// repository.
func (c *Controller) Discard(ctx context.Context, token string, repo *domain.Repository, path string) (*domain.CachedFile, error) {
	s, err := c.acquire(repo.ID, KindDiscard)
	if err != nil {
		return nil, err
	}
	f, err := c.engine.DiscardLocalChanges(context.WithoutCancel(ctx), token, repo, path)
	c.finish(s, nil, err)
	return f, err
}

// Delete removes a file remotely and locally while holding the repository.
func (c *Controller) Delete(ctx context.Context, token string, repo *domain.Repository, path, message string) error {
	s, err := c.acquire(repo.ID, KindDelete)
	if err != nil {
		return err
	}
	err = c.engine.DeleteFile(context.WithoutCancel(ctx), token, repo, path, message)
	c.finish(s, nil, err)
	return err
}

// Status returns the snapshot of the repository's latest task.
func (c *Controller) Status(repositoryID string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[repositoryID]; ok {
		return s.clone()
	}
	return Snapshot{RepositoryID: repositoryID, State: StateIdle, Conflicts: []string{}}
}

// Busy reports whether the repository has a task running.
func (c *Controller) Busy(repositoryID string) bool {
	return c.Status(repositoryID).State == StateRunning
}

// ClearError acknowledges a finished task, returning the repository to
// idle. A running task is left alone.
func (c *Controller) ClearError(repositoryID string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[repositoryID]; ok && s.State != StateRunning {
		delete(c.states, repositoryID)
	}
	if s, ok := c.states[repositoryID]; ok {
		return s.clone()
	}
	return Snapshot{RepositoryID: repositoryID, State: StateIdle, Conflicts: []string{}}
}

// Wait blocks until every task started with Start has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}
