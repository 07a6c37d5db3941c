package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaun/inkwell/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.UnixMilli(1_700_000_000_000).UTC()

// backends runs fn against a fresh store of every kind.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func file(repo, path, content string) *domain.CachedFile {
	return &domain.CachedFile{
		ID:           domain.FileID(repo, path),
		RepositoryID: repo,
		Path:         path,
		Content:      content,
		RemoteSHA:    domain.BlobSHA(content),
		LastModified: testTime,
		Size:         int64(len(content)),
	}
}

func TestStore_UpsertGetList(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.UpsertFile(ctx, file("1", "b.md", "content b")))
		require.NoError(t, s.UpsertFile(ctx, file("1", "a.md", "content a")))
		require.NoError(t, s.UpsertFile(ctx, file("2", "a.md", "other repo")))

		files, err := s.ListFiles(ctx, "1")
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, "a.md", files[0].Path)
		assert.Equal(t, file("1", "b.md", "content b"), files[1])

		got, err := s.GetFile(ctx, "2-a.md")
		require.NoError(t, err)
		assert.Equal(t, "other repo", got.Content)

		// upsert replaces by id
		replaced := file("1", "a.md", "new a")
		replaced.IsDirty = true
		require.NoError(t, s.UpsertFile(ctx, replaced))
		got, err = s.GetFile(ctx, "1-a.md")
		require.NoError(t, err)
		assert.Equal(t, replaced, got)

		files, err = s.ListFiles(ctx, "1")
		require.NoError(t, err)
		assert.Len(t, files, 2)
	})
}

func TestStore_UpsertFillsID(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		f := file("1", "a.md", "x")
		f.ID = ""
		require.NoError(t, s.UpsertFile(ctx, f))
		assert.Equal(t, "1-a.md", f.ID)

		bad := file("1", "a.md", "x")
		bad.ID = "1-b.md"
		require.Error(t, s.UpsertFile(ctx, bad))
	})
}

func TestStore_GetMissing(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetFile(ctx, "1-missing.md")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, s.UpdateFile(ctx, "1-missing.md", domain.FileUpdate{IsDirty: domain.Ptr(true)}), domain.ErrNotFound)
		assert.ErrorIs(t, s.DeleteFile(ctx, "1-missing.md"), domain.ErrNotFound)
		_, err = s.GetRepository(ctx, "1")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		files, err := s.ListFiles(ctx, "1")
		require.NoError(t, err)
		assert.Empty(t, files)
	})
}

func TestStore_UpdateFilePreservesUnsetFields(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		orig := file("1", "a.md", "content")
		require.NoError(t, s.UpsertFile(ctx, orig))

		require.NoError(t, s.UpdateFile(ctx, orig.ID, domain.FileUpdate{
			Content: domain.Ptr("edited"),
			IsDirty: domain.Ptr(true),
		}))
		got, err := s.GetFile(ctx, orig.ID)
		require.NoError(t, err)
		assert.Equal(t, "edited", got.Content)
		assert.True(t, got.IsDirty)
		assert.Equal(t, orig.RemoteSHA, got.RemoteSHA)
		assert.Equal(t, orig.LastModified, got.LastModified)
		assert.Equal(t, orig.Size, got.Size)
	})
}

func TestStore_UpdateFileEmptyIsNoop(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		orig := file("1", "a.md", "content")
		require.NoError(t, s.UpsertFile(ctx, orig))
		changes, cancel := s.Subscribe("1")
		defer cancel()

		require.NoError(t, s.UpdateFile(ctx, orig.ID, domain.FileUpdate{}))
		assert.Empty(t, changes, "nothing written, nothing published")
		got, err := s.GetFile(ctx, orig.ID)
		require.NoError(t, err)
		assert.Equal(t, orig, got)

		err = s.UpdateFile(ctx, domain.FileID("1", "missing.md"), domain.FileUpdate{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestStore_UpdateFileUnlessDirty(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clean := file("1", "clean.md", "v1")
		dirty := file("1", "dirty.md", "mine")
		dirty.IsDirty = true
		require.NoError(t, s.UpsertFile(ctx, clean))
		require.NoError(t, s.UpsertFile(ctx, dirty))
		changes, cancel := s.Subscribe("1")
		defer cancel()

		refresh := domain.FileUpdate{Content: domain.Ptr("v2"), IsDirty: domain.Ptr(false), UnlessDirty: true}
		require.NoError(t, s.UpdateFile(ctx, clean.ID, refresh))
		err := s.UpdateFile(ctx, dirty.ID, refresh)
		require.ErrorIs(t, err, domain.ErrDirty)

		got, err := s.GetFile(ctx, clean.ID)
		require.NoError(t, err)
		assert.Equal(t, "v2", got.Content)
		got, err = s.GetFile(ctx, dirty.ID)
		require.NoError(t, err)
		assert.Equal(t, dirty, got, "a dirty file is left untouched")
		assert.Len(t, changes, 1)
	})
}

func TestStore_ListDirtyFiles(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, p := range []string{"c.md", "a.md", "b.md"} {
			f := file("1", p, p)
			f.IsDirty = p != "b.md"
			require.NoError(t, s.UpsertFile(ctx, f))
		}
		dirty := file("2", "a.md", "x")
		dirty.IsDirty = true
		require.NoError(t, s.UpsertFile(ctx, dirty))

		files, err := s.ListDirtyFiles(ctx, "1")
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, "a.md", files[0].Path)
		assert.Equal(t, "c.md", files[1].Path)
	})
}

func TestStore_ReplaceFile(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old := file("1", "old.md", "body")
		require.NoError(t, s.UpsertFile(ctx, old))

		renamed := file("1", "new.md", "body")
		renamed.ID = ""
		require.NoError(t, s.ReplaceFile(ctx, old.ID, renamed))

		_, err := s.GetFile(ctx, old.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		got, err := s.GetFile(ctx, "1-new.md")
		require.NoError(t, err)
		assert.Equal(t, "body", got.Content)

		assert.ErrorIs(t, s.ReplaceFile(ctx, old.ID, file("1", "other.md", "x")), domain.ErrNotFound)
		_, err = s.GetFile(ctx, "1-other.md")
		assert.ErrorIs(t, err, domain.ErrNotFound, "failed replace must not write the new record")
	})
}

func TestStore_DeleteFile(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.UpsertFile(ctx, file("1", "a.md", "a")))
		require.NoError(t, s.UpsertFile(ctx, file("1", "b.md", "b")))
		require.NoError(t, s.DeleteFile(ctx, "1-a.md"))

		files, err := s.ListFiles(ctx, "1")
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, "b.md", files[0].Path)
	})
}

func TestStore_Repositories(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		repo := &domain.Repository{ID: "42", Name: "novel", FullName: "alice/novel", Description: "draft", Private: true, Branch: "drafts"}
		require.NoError(t, s.SaveRepository(ctx, repo))

		got, err := s.GetRepository(ctx, "42")
		require.NoError(t, err)
		assert.Nil(t, got.LastSync)
		assert.Equal(t, repo, got)

		synced := testTime
		repo.LastSync = &synced
		repo.FileCount = 3
		require.NoError(t, s.SaveRepository(ctx, repo))
		require.NoError(t, s.SaveRepository(ctx, &domain.Repository{ID: "7", Name: "blog", FullName: "alice/blog"}))

		got, err = s.GetRepository(ctx, "42")
		require.NoError(t, err)
		require.NotNil(t, got.LastSync)
		assert.True(t, synced.Equal(*got.LastSync))
		assert.Equal(t, 3, got.FileCount)

		// the stored copy is not shared with the caller
		got.FileCount = 99
		again, err := s.GetRepository(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, 3, again.FileCount)

		repos, err := s.ListRepositories(ctx)
		require.NoError(t, err)
		require.Len(t, repos, 2)
		assert.Equal(t, "alice/blog", repos[0].FullName)

		require.Error(t, s.SaveRepository(ctx, &domain.Repository{FullName: "no/id"}))
	})
}

func TestStore_Settings(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		got, err := s.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, &domain.Settings{}, got)

		want := &domain.Settings{CurrentRepositoryID: "42", CurrentFilePath: "notes/a.md"}
		require.NoError(t, s.SaveSettings(ctx, want))
		require.NoError(t, s.SaveSettings(ctx, want))
		got, err = s.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestStore_ReturnsCopies(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		f := file("1", "a.md", "a")
		require.NoError(t, s.UpsertFile(ctx, f))
		f.Content = "mutated after write"

		got, err := s.GetFile(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, "a", got.Content)
		got.Content = "mutated after read"

		again, err := s.GetFile(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, "a", again.Content)
	})
}

func TestStore_Subscribe(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		repo1, cancel1 := s.Subscribe("1")
		all, cancelAll := s.Subscribe("")
		defer cancelAll()

		require.NoError(t, s.UpsertFile(ctx, file("2", "x.md", "x")))
		require.NoError(t, s.UpsertFile(ctx, file("1", "a.md", "a")))
		require.NoError(t, s.UpdateFile(ctx, "1-a.md", domain.FileUpdate{IsDirty: domain.Ptr(true)}))
		require.NoError(t, s.DeleteFile(ctx, "1-a.md"))

		var kinds []string
		for range 3 {
			c := <-repo1
			assert.Equal(t, "1", c.RepositoryID)
			assert.Equal(t, "a.md", c.Path)
			assert.False(t, c.At.IsZero())
			kinds = append(kinds, c.Kind)
		}
		assert.Equal(t, []string{ChangeUpsert, ChangeUpdate, ChangeDelete}, kinds)
		assert.Len(t, all, 4)

		cancel1()
		cancel1()
		_, open := <-repo1
		assert.False(t, open)

		// writes after unsubscribe do not block
		require.NoError(t, s.UpsertFile(ctx, file("1", "b.md", "b")))
	})
}

func TestStore_SlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ch, cancel := s.Subscribe("1")
	defer cancel()

	ctx := context.Background()
	for i := range subscriberBuffer + 10 {
		require.NoError(t, s.SaveSettings(ctx, &domain.Settings{}))
		require.NoError(t, s.UpsertFile(ctx, file("1", "a.md", string(rune('a'+i%26)))))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestStore_CloseEndsSubscriptions(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ch, cancel := s.Subscribe("1")
		require.NoError(t, s.Close())
		_, open := <-ch
		assert.False(t, open)
		cancel()

		late, _ := s.Subscribe("1")
		_, open = <-late
		assert.False(t, open)
	})
}

func TestSQLiteStore_Durable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "inkwell.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	f := file("1", "notes/a.md", "draft")
	f.IsDirty = true
	f.RemoteSHA = ""
	require.NoError(t, s.UpsertFile(ctx, f))
	require.NoError(t, s.SaveRepository(ctx, &domain.Repository{ID: "1", Name: "r", FullName: "o/r", FileCount: 1}))
	require.NoError(t, s.Close())

	// reopening runs the migrations again without error
	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f, got)
	dirty, err := s.ListDirtyFiles(ctx, "1")
	require.NoError(t, err)
	assert.Len(t, dirty, 1)
	repo, err := s.GetRepository(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.FileCount)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Backend: BackendSQLite, Path: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Backend: BackendSQLite})
	require.Error(t, err)

	_, err = Open(ctx, Config{Backend: "postgres"})
	require.Error(t, err)
}
