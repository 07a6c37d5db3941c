package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shaun/inkwell/internal/auth"
	"github.com/shaun/inkwell/internal/domain"
	"github.com/shaun/inkwell/internal/github/githubtest"
	"github.com/shaun/inkwell/internal/session"
	"github.com/shaun/inkwell/internal/store"
	inksync "github.com/shaun/inkwell/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "tk"

var notes = domain.Repository{ID: "1", Name: "notes", FullName: "alice/notes", Description: "my notes"}

type fixture struct {
	gh       *githubtest.Server
	store    *store.MemoryStore
	sessions *session.Controller
	router   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gh := githubtest.NewServer(token)
	gh.AddRepository(notes, "main")
	gh.AddRepository(domain.Repository{ID: "2", Name: "blog", FullName: "alice/blog"}, "main")

	st := store.NewMemoryStore()
	engine := inksync.NewEngine(gh, st, inksync.Options{})
	sessions := session.NewController(engine, session.Options{})
	t.Cleanup(func() {
		sessions.Wait()
		_ = st.Close()
	})

	h := NewHandler(gh, st, engine, sessions, nil)
	return &fixture{gh: gh, store: st, sessions: sessions, router: NewRouter(h, auth.Bearer(""))}
}

// do sends a request with the test credential and returns the recorder.
func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// syncNotes runs a full pull of the notes repository to completion.
func (f *fixture) syncNotes(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/repos/1/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	f.sessions.Wait()
}

func TestHandler_Health(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHandler_User(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/user", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "octocat", decodeBody[domain.User](t, rec).Login)

	req := httptest.NewRequest(http.MethodGet, "/user", nil)
	req.Header.Set("Authorization", "Bearer revoked")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Error, "credential rejected")
}

func TestHandler_SyncFlow(t *testing.T) {
	f := newFixture(t)
	f.gh.SetFile(notes.FullName, "README.md", "# Notes")
	f.gh.SetFile(notes.FullName, "notes/b.md", "b")
	f.gh.SetFile(notes.FullName, "logo.png", "png")

	rec := f.do(t, http.MethodGet, "/repos/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "not cached before the first sync")

	rec = f.do(t, http.MethodPost, "/repos/1/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decodeBody[session.Snapshot](t, rec)
	assert.Equal(t, session.KindFullPull, started.Kind)
	assert.NotEmpty(t, started.TaskID)
	f.sessions.Wait()

	rec = f.do(t, http.MethodGet, "/repos/1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[session.Snapshot](t, rec)
	assert.Equal(t, session.StateSuccess, status.State)
	assert.Equal(t, started.TaskID, status.TaskID)
	assert.Equal(t, 2, status.Updated)

	rec = f.do(t, http.MethodGet, "/repos/1/files", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	files := decodeBody[[]FileInfo](t, rec)
	require.Len(t, files, 2)
	assert.Equal(t, "README.md", files[0].Path)
	assert.Equal(t, "notes/b.md", files[1].Path)
	assert.False(t, files[0].IsDirty)
	assert.NotContains(t, rec.Body.String(), "# Notes", "listing omits content")

	rec = f.do(t, http.MethodGet, "/repos/1/files/notes/b.md", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "b", decodeBody[domain.CachedFile](t, rec).Content)

	rec = f.do(t, http.MethodGet, "/repos/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	repo := decodeBody[domain.Repository](t, rec)
	assert.Equal(t, 2, repo.FileCount)
	assert.NotNil(t, repo.LastSync)

	f.gh.SetFile(notes.FullName, "notes/b.md", "b2")
	rec = f.do(t, http.MethodPost, "/repos/1/pull", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.sessions.Wait()
	rec = f.do(t, http.MethodGet, "/repos/1/files/notes/b.md", nil)
	assert.Equal(t, "b2", decodeBody[domain.CachedFile](t, rec).Content)
}

func TestHandler_SyncUnknownRepository(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/repos/404/sync", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_ListRepositoriesMergesSyncMetadata(t *testing.T) {
	f := newFixture(t)
	f.gh.SetFile(notes.FullName, "a.md", "a")
	f.syncNotes(t)

	rec := f.do(t, http.MethodGet, "/repos", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	repos := decodeBody[[]domain.Repository](t, rec)
	require.Len(t, repos, 2)
	byID := map[string]domain.Repository{}
	for _, r := range repos {
		byID[r.ID] = r
	}
	assert.Equal(t, 1, byID["1"].FileCount)
	assert.NotNil(t, byID["1"].LastSync)
	assert.Equal(t, "main", byID["1"].Branch)
	assert.Equal(t, "my notes", byID["1"].Description)
	assert.Nil(t, byID["2"].LastSync)
}

func TestHandler_BusyRepository(t *testing.T) {
	f := newFixture(t)
	f.gh.SetFile(notes.FullName, "a.md", "a")
	// cached, so resolving it does not reach the blocked remote
	repo := notes
	require.NoError(t, f.store.SaveRepository(context.Background(), &repo))
	release := f.gh.Block()
	defer release()

	rec := f.do(t, http.MethodPost, "/repos/1/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/repos/1/push", PushRequest{Message: "m"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Error, "in progress")

	rec = f.do(t, http.MethodGet, "/repos/1/status", nil)
	assert.Equal(t, session.StateRunning, decodeBody[session.Snapshot](t, rec).State)

	release()
	f.sessions.Wait()
	rec = f.do(t, http.MethodGet, "/repos/1/status", nil)
	assert.Equal(t, session.StateSuccess, decodeBody[session.Snapshot](t, rec).State)
}

func TestHandler_CreateSaveAndPush(t *testing.T) {
	f := newFixture(t)
	f.syncNotes(t)

	rec := f.do(t, http.MethodPost, "/repos/1/files", CreateFileRequest{Path: "journal/today", Content: "# Today"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[domain.CachedFile](t, rec)
	assert.Equal(t, "journal/today.md", created.Path)
	assert.True(t, created.IsDirty)

	rec = f.do(t, http.MethodPost, "/repos/1/files", CreateFileRequest{Path: "journal/today.md"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, "/repos/1/files", CreateFileRequest{Path: "../escape"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/repos/1/files", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/repos/1/files/journal/today.md", SaveFileRequest{Content: "# Today\n\nwrote tests"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(20), decodeBody[domain.CachedFile](t, rec).Size)

	rec = f.do(t, http.MethodPut, "/repos/1/files/missing.md", SaveFileRequest{Content: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/repos/1/push", PushRequest{Message: "journal"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.sessions.Wait()

	rec = f.do(t, http.MethodGet, "/repos/1/status", nil)
	status := decodeBody[session.Snapshot](t, rec)
	assert.Equal(t, session.KindPush, status.Kind)
	assert.Equal(t, session.StateSuccess, status.State)
	remote, ok := f.gh.File(notes.FullName, "journal/today.md")
	require.True(t, ok)
	assert.Equal(t, "# Today\n\nwrote tests", remote)
	assert.Equal(t, "journal", f.gh.CallsTo(githubtest.OpCreate)[0].Message)

	// nothing left to push; an empty body is fine
	rec = f.do(t, http.MethodPost, "/repos/1/push", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.sessions.Wait()
	rec = f.do(t, http.MethodGet, "/repos/1/status", nil)
	assert.Equal(t, session.StateNoChanges, decodeBody[session.Snapshot](t, rec).State)
}

func TestHandler_WritesGoToTheSyncedBranch(t *testing.T) {
	f := newFixture(t)
	f.gh.AddRepository(notes, "master")
	f.gh.SetFile(notes.FullName, "a.md", "a")
	f.syncNotes(t)

	rec := f.do(t, http.MethodGet, "/repos/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "master", decodeBody[domain.Repository](t, rec).Branch)

	rec = f.do(t, http.MethodPut, "/repos/1/files/a.md", SaveFileRequest{Content: "a, revised"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/repos/1/push", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.sessions.Wait()
	rec = f.do(t, http.MethodPost, "/repos/1/rename", RenameRequest{From: "a.md", To: "b.md"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	remote, _ := f.gh.File(notes.FullName, "b.md")
	assert.Equal(t, "a, revised", remote)
	for _, op := range []string{githubtest.OpGetContent, githubtest.OpUpdate, githubtest.OpCreate, githubtest.OpDelete} {
		calls := f.gh.CallsTo(op)
		require.NotEmpty(t, calls, op)
		for _, c := range calls {
			assert.Equal(t, "master", c.Branch, op)
		}
	}
}

func TestHandler_RenameDiscardDelete(t *testing.T) {
	f := newFixture(t)
	f.gh.SetFile(notes.FullName, "draft.md", "v1")
	f.gh.SetFile(notes.FullName, "keep.md", "k")
	f.syncNotes(t)

	rec := f.do(t, http.MethodPost, "/repos/1/rename", RenameRequest{From: "draft.md", To: "posts/final"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "posts/final.md", decodeBody[domain.CachedFile](t, rec).Path)
	assert.Equal(t, []string{"keep.md", "posts/final.md"}, f.gh.Paths(notes.FullName))

	rec = f.do(t, http.MethodPost, "/repos/1/rename", RenameRequest{From: "keep.md"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/repos/1/files/keep.md", SaveFileRequest{Content: "mine"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/repos/1/discard", DiscardRequest{Path: "keep.md"})
	require.Equal(t, http.StatusOK, rec.Code)
	kept := decodeBody[domain.CachedFile](t, rec)
	assert.Equal(t, "k", kept.Content)
	assert.False(t, kept.IsDirty)

	rec = f.do(t, http.MethodPost, "/repos/1/files", CreateFileRequest{Path: "scratch"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/repos/1/discard", DiscardRequest{Path: "scratch.md"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/repos/1/files/keep.md?message=cleanup", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"posts/final.md"}, f.gh.Paths(notes.FullName))
	assert.Equal(t, "cleanup", f.gh.CallsTo(githubtest.OpDelete)[1].Message)

	rec = f.do(t, http.MethodDelete, "/repos/1/files/keep.md", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_ClearStatus(t *testing.T) {
	f := newFixture(t)
	f.gh.Fail(githubtest.OpGetTree, "main", domain.ErrNetwork)
	f.gh.Fail(githubtest.OpGetTree, "master", domain.ErrNetwork)

	f.syncNotes(t)
	rec := f.do(t, http.MethodGet, "/repos/1/status", nil)
	status := decodeBody[session.Snapshot](t, rec)
	assert.Equal(t, session.StateError, status.State)
	assert.Contains(t, status.Error, "network error")

	rec = f.do(t, http.MethodDelete, "/repos/1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.StateIdle, decodeBody[session.Snapshot](t, rec).State)
}

func TestHandler_Settings(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.Settings{}, decodeBody[domain.Settings](t, rec))

	want := domain.Settings{CurrentRepositoryID: "1", CurrentFilePath: "a.md"}
	rec = f.do(t, http.MethodPut, "/settings", want)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/settings", nil)
	assert.Equal(t, want, decodeBody[domain.Settings](t, rec))

	rec = f.do(t, http.MethodPut, "/settings", "nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Events(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/repos/1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// a change in another repository is not delivered
	rec := f.do(t, http.MethodPost, "/repos/2/files", CreateFileRequest{Path: "other"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/repos/1/files", CreateFileRequest{Path: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)

	reader := bufio.NewReader(resp.Body)
	event, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: upsert\n", event)
	data, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(data, "data: "), data)

	var change store.Change
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &change))
	assert.Equal(t, "1", change.RepositoryID)
	assert.Equal(t, "hello.md", change.Path)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrAuth, http.StatusUnauthorized},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrBusy, http.StatusConflict},
		{domain.ErrAlreadyExists, http.StatusConflict},
		{domain.ErrInvalidPath, http.StatusBadRequest},
		{domain.ErrInvalidRepository, http.StatusBadRequest},
		{domain.ErrNoChanges, http.StatusUnprocessableEntity},
		{domain.ErrDecode, http.StatusUnprocessableEntity},
		{domain.ErrNetwork, http.StatusBadGateway},
		{fmt.Errorf("failed to push a.md: %w", domain.ErrConflict), http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
