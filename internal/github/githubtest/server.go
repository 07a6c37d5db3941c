// Package githubtest provides an in-memory GitHub with the method set of
// github.Client, for tests of code that syncs against it.
package githubtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shaun/inkwell/internal/domain"
)

const (
	OpGetUser          = "get_user"
	OpListRepositories = "list_repositories"
	OpGetTree          = "get_tree"
	OpGetContent       = "get_content"
	OpCreate           = "create_file"
	OpUpdate           = "update_file"
	OpDelete           = "delete_file"
)

// Call is one recorded API call. Path is the file path or, for tree
// listings, the branch.
type Call struct {
	Op      string
	Repo    string
	Branch  string
	Path    string
	Message string
}

type repository struct {
	meta   domain.Repository
	branch string
	files  map[string]string
}

// Server is safe for concurrent use.
type Server struct {
	mu       sync.Mutex
	token    string
	user     domain.User
	repos    map[string]*repository
	order    []string
	failures map[string]error
	calls    []Call
	gate     chan struct{}
	hook     func(Call)
}

// NewServer returns an empty server accepting token. An empty token accepts
// any credential.
func NewServer(token string) *Server {
	return &Server{
		token:    token,
		user:     domain.User{ID: 1, Login: "octocat", Name: "The Octocat"},
		repos:    make(map[string]*repository),
		failures: make(map[string]error),
	}
}

// AddRepository registers r (by FullName) with a single branch. Calls naming
// any other branch, or none, fail with domain.ErrNotFound.
func (s *Server) AddRepository(r domain.Repository, branch string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[r.FullName]; !ok {
		s.order = append(s.order, r.FullName)
	}
	s.repos[r.FullName] = &repository{meta: r, branch: branch, files: make(map[string]string)}
}

// SetFile writes path directly, as another client would, and returns its blob SHA.
func (s *Server) SetFile(fullName, path, content string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustRepo(fullName).files[path] = content
	return domain.BlobSHA(content)
}

// RemoveFile deletes path directly.
func (s *Server) RemoveFile(fullName, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mustRepo(fullName).files, path)
}

// File returns the current content of path.
func (s *Server) File(fullName, path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.mustRepo(fullName).files[path]
	return c, ok
}

// Paths returns every file path in the repository, sorted.
func (s *Server) Paths(fullName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for p := range s.mustRepo(fullName).files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Fail makes every later call of op on path return err. An empty path
// matches calls that take no path.
func (s *Server) Fail(op, path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op+" "+path] = err
}

// ClearFailures removes all injected failures.
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]error)
}

// Calls returns the calls made so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the recorded calls of op.
func (s *Server) CallsTo(op string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// OnCall installs fn to run after each call is recorded and before it is
// served. fn runs without the server lock held.
func (s *Server) OnCall(fn func(Call)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// Block holds every later call until release is called or the call's
// context ends.
func (s *Server) Block() (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

func (s *Server) mustRepo(fullName string) *repository {
	r, ok := s.repos[fullName]
	if !ok {
		panic(fmt.Sprintf("githubtest: unknown repository %q", fullName))
	}
	return r
}

// enter records the call, waits on the gate and runs the hook. The call then
// fails if its context has ended, the token is wrong or a failure was
// injected.
func (s *Server) enter(ctx context.Context, token string, c Call) error {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	gate, hook := s.gate, s.hook
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", domain.ErrNetwork, ctx.Err())
		}
	}
	if hook != nil {
		hook(c)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && token != s.token {
		return fmt.Errorf("%w: bad credentials", domain.ErrAuth)
	}
	if err := s.failures[c.Op+" "+c.Path]; err != nil {
		return err
	}
	return nil
}

func (s *Server) lookup(owner, repo, branch string) (*repository, error) {
	r, ok := s.repos[owner+"/"+repo]
	if !ok {
		return nil, fmt.Errorf("%w: repository %s/%s", domain.ErrNotFound, owner, repo)
	}
	if r.branch != branch {
		return nil, fmt.Errorf("%w: branch %q", domain.ErrNotFound, branch)
	}
	return r, nil
}

func (s *Server) GetAuthenticatedUser(ctx context.Context, token string) (*domain.User, error) {
	if err := s.enter(ctx, token, Call{Op: OpGetUser}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user
	return &u, nil
}

func (s *Server) ListRepositories(ctx context.Context, token string) ([]*domain.Repository, error) {
	if err := s.enter(ctx, token, Call{Op: OpListRepositories}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Repository, 0, len(s.order))
	// Most recently added first, like sort=updated.
	for i := len(s.order) - 1; i >= 0; i-- {
		meta := s.repos[s.order[i]].meta
		out = append(out, &meta)
	}
	return out, nil
}

func (s *Server) GetTree(ctx context.Context, token, owner, repo, branch string) ([]domain.TreeEntry, error) {
	if err := s.enter(ctx, token, Call{Op: OpGetTree, Repo: owner + "/" + repo, Branch: branch, Path: branch}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookup(owner, repo, branch)
	if err != nil {
		return nil, err
	}

	dirs := make(map[string]bool)
	var entries []domain.TreeEntry
	for p, c := range r.files {
		entries = append(entries, domain.TreeEntry{Path: p, Type: domain.EntryBlob, SHA: domain.BlobSHA(c), Size: int64(len(c))})
		for i := strings.Index(p, "/"); i >= 0; i = nextSlash(p, i) {
			dirs[p[:i]] = true
		}
	}
	for d := range dirs {
		entries = append(entries, domain.TreeEntry{Path: d, Type: domain.EntryTree, SHA: domain.BlobSHA("tree " + d)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func nextSlash(p string, i int) int {
	j := strings.Index(p[i+1:], "/")
	if j < 0 {
		return -1
	}
	return i + 1 + j
}

func (s *Server) GetFileContent(ctx context.Context, token, owner, repo, branch, path string) (*domain.FileContent, error) {
	if err := s.enter(ctx, token, Call{Op: OpGetContent, Repo: owner + "/" + repo, Branch: branch, Path: path}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookup(owner, repo, branch)
	if err != nil {
		return nil, err
	}
	c, ok := r.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, path)
	}
	return &domain.FileContent{Content: c, SHA: domain.BlobSHA(c), Size: int64(len(c))}, nil
}

func (s *Server) CreateFile(ctx context.Context, token, owner, repo, branch, path, content, message string) (string, error) {
	if err := s.enter(ctx, token, Call{Op: OpCreate, Repo: owner + "/" + repo, Branch: branch, Path: path, Message: message}); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookup(owner, repo, branch)
	if err != nil {
		return "", err
	}
	if _, exists := r.files[path]; exists {
		return "", fmt.Errorf("%w: %s already exists", domain.ErrConflict, path)
	}
	r.files[path] = content
	return domain.BlobSHA(content), nil
}

func (s *Server) UpdateFileContent(ctx context.Context, token, owner, repo, branch, path, content, expectedSHA, message string) (string, error) {
	if err := s.enter(ctx, token, Call{Op: OpUpdate, Repo: owner + "/" + repo, Branch: branch, Path: path, Message: message}); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookup(owner, repo, branch)
	if err != nil {
		return "", err
	}
	cur, exists := r.files[path]
	if !exists || domain.BlobSHA(cur) != expectedSHA {
		return "", fmt.Errorf("%w: %s does not match %s", domain.ErrConflict, path, expectedSHA)
	}
	r.files[path] = content
	return domain.BlobSHA(content), nil
}

func (s *Server) DeleteFile(ctx context.Context, token, owner, repo, branch, path, expectedSHA, message string) error {
	if err := s.enter(ctx, token, Call{Op: OpDelete, Repo: owner + "/" + repo, Branch: branch, Path: path, Message: message}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookup(owner, repo, branch)
	if err != nil {
		return err
	}
	cur, exists := r.files[path]
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, path)
	}
	if domain.BlobSHA(cur) != expectedSHA {
		return fmt.Errorf("%w: %s does not match %s", domain.ErrConflict, path, expectedSHA)
	}
	delete(r.files, path)
	return nil
}
