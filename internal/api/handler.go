package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/shaun/inkwell/internal/auth"
	"github.com/shaun/inkwell/internal/domain"
	"github.com/shaun/inkwell/internal/logging"
	"github.com/shaun/inkwell/internal/session"
	"github.com/shaun/inkwell/internal/store"
	"go.uber.org/zap"
)

// Remote is the part of the GitHub client the handlers call directly.
// Implemented by *github.Client; inject a fake in tests.
type Remote interface {
	GetAuthenticatedUser(ctx context.Context, token string) (*domain.User, error)
	ListRepositories(ctx context.Context, token string) ([]*domain.Repository, error)
}

// Files edits cached files. Implemented by *sync.Engine.
type Files interface {
	CreateLocalFile(ctx context.Context, repositoryID, path, content string) (*domain.CachedFile, error)
	SaveLocalFile(ctx context.Context, id, content string) (*domain.CachedFile, error)
}

// Sessions runs sync operations. Implemented by *session.Controller.
type Sessions interface {
	Start(ctx context.Context, req session.Request) (session.Snapshot, error)
	Status(repositoryID string) session.Snapshot
	ClearError(repositoryID string) session.Snapshot
	Rename(ctx context.Context, token string, repo *domain.Repository, from, to, message string) (*domain.CachedFile, error)
	Discard(ctx context.Context, token string, repo *domain.Repository, path string) (*domain.CachedFile, error)
	Delete(ctx context.Context, token string, repo *domain.Repository, path, message string) error
}

type Handler struct {
	remote   Remote
	store    store.Store
	files    Files
	sessions Sessions
	log      *zap.Logger
}

func NewHandler(remote Remote, st store.Store, files Files, sessions Sessions, logger *zap.Logger) *Handler {
	return &Handler{
		remote:   remote,
		store:    st,
		files:    files,
		sessions: sessions,
		log:      logging.OrNop(logger).Named("api"),
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps the domain error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrBusy),
		errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidPath), errors.Is(err, domain.ErrInvalidRepository):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoChanges), errors.Is(err, domain.ErrDecode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return false
	}
	return true
}

// filePath is the file path captured by a files/* route.
func filePath(r *http.Request) string {
	p := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(p); err == nil {
		return unescaped
	}
	return p
}

// repository resolves repoID from the cache first and then from the remote
// listing, since a repository is only cached after its first sync.
func (h *Handler) repository(r *http.Request) (*domain.Repository, error) {
	id := chi.URLParam(r, "repoID")
	repo, err := h.store.GetRepository(r.Context(), id)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return repo, err
	}
	repos, err := h.remote.ListRepositories(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		return nil, err
	}
	for _, repo := range repos {
		if repo.ID == id {
			return repo, nil
		}
	}
	return nil, fmt.Errorf("%w: repository %s", domain.ErrNotFound, id)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) User(w http.ResponseWriter, r *http.Request) {
	user, err := h.remote.GetAuthenticatedUser(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// ListRepositories returns the remote repositories with the sync metadata
// of those already cached.
func (h *Handler) ListRepositories(w http.ResponseWriter, r *http.Request) {
	remote, err := h.remote.ListRepositories(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	cached, err := h.store.ListRepositories(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	byID := make(map[string]*domain.Repository, len(cached))
	for _, c := range cached {
		byID[c.ID] = c
	}
	for _, repo := range remote {
		if c, ok := byID[repo.ID]; ok {
			repo.Branch = c.Branch
			repo.LastSync = c.LastSync
			repo.FileCount = c.FileCount
		}
	}
	respondJSON(w, http.StatusOK, remote)
}

func (h *Handler) GetRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := h.store.GetRepository(r.Context(), chi.URLParam(r, "repoID"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, repo)
}

func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.store.ListFiles(r.Context(), chi.URLParam(r, "repoID"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res := make([]FileInfo, len(files))
	for i, f := range files {
		res[i] = newFileInfo(f)
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	f, err := h.store.GetFile(r.Context(), domain.FileID(chi.URLParam(r, "repoID"), filePath(r)))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, f)
}

func (h *Handler) CreateFile(w http.ResponseWriter, r *http.Request) {
	var req CreateFileRequest
	if !decode(w, r, &req) {
		return
	}
	f, err := h.files.CreateLocalFile(r.Context(), chi.URLParam(r, "repoID"), req.Path, req.Content)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, f)
}

func (h *Handler) SaveFile(w http.ResponseWriter, r *http.Request) {
	var req SaveFileRequest
	if !decode(w, r, &req) {
		return
	}
	f, err := h.files.SaveLocalFile(r.Context(), domain.FileID(chi.URLParam(r, "repoID"), filePath(r)), req.Content)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, f)
}

func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	repo, err := h.repository(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	err = h.sessions.Delete(r.Context(), auth.TokenFromRequest(r), repo, filePath(r), r.URL.Query().Get("message"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// start returns a handler that launches a sync task of kind.
func (h *Handler) start(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PushRequest
		if kind == session.KindPush {
			// the body is optional
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
				return
			}
		}
		repo, err := h.repository(r)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		snap, err := h.sessions.Start(r.Context(), session.Request{
			Kind:       kind,
			Token:      auth.TokenFromRequest(r),
			Repository: repo,
			Message:    req.Message,
		})
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusAccepted, snap)
	}
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.sessions.Status(chi.URLParam(r, "repoID")))
}

func (h *Handler) ClearStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.sessions.ClearError(chi.URLParam(r, "repoID")))
}

func (h *Handler) Rename(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if !decode(w, r, &req) {
		return
	}
	if req.From == "" || req.To == "" {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "from and to required"})
		return
	}
	repo, err := h.repository(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	f, err := h.sessions.Rename(r.Context(), auth.TokenFromRequest(r), repo, req.From, req.To, req.Message)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, f)
}

func (h *Handler) Discard(w http.ResponseWriter, r *http.Request) {
	var req DiscardRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "path required"})
		return
	}
	repo, err := h.repository(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	f, err := h.sessions.Discard(r.Context(), auth.TokenFromRequest(r), repo, req.Path)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if f == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, f)
}

// Events streams the repository's store changes as server-sent events
// until the client goes away or the store closes.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming not supported"})
		return
	}

	// subscribed before the headers go out, so a client that saw them sees
	// every later change
	ch, unsubscribe := h.store.Subscribe(chi.URLParam(r, "repoID"))
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(change)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", change.Kind, data)
			flusher.Flush()
		}
	}
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.GetSettings(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

func (h *Handler) SaveSettings(w http.ResponseWriter, r *http.Request) {
	var s domain.Settings
	if !decode(w, r, &s) {
		return
	}
	if err := h.store.SaveSettings(r.Context(), &s); err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, &s)
}
