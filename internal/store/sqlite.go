package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/shaun/inkwell/internal/domain"
	"github.com/shaun/inkwell/internal/store/migrations"
	_ "modernc.org/sqlite"
)

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore persists the cache in a SQLite database. It uses a single
// connection, so writes are serialized and every read sees prior commits.
type SQLiteStore struct {
	db     *sql.DB
	events *broadcaster
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations. ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store needs a database path")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, events: newBroadcaster()}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, committing on success and rolling back
// on error or panic.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx dbtx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

const fileColumns = `id, repository_id, path, content, remote_sha, is_dirty, last_modified, size`

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*domain.CachedFile, error) {
	f := &domain.CachedFile{}
	var modified int64
	if err := row.Scan(&f.ID, &f.RepositoryID, &f.Path, &f.Content, &f.RemoteSHA, &f.IsDirty, &modified, &f.Size); err != nil {
		return nil, err
	}
	f.LastModified = fromMillis(modified)
	return f, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (s *SQLiteStore) ListFiles(ctx context.Context, repositoryID string) ([]*domain.CachedFile, error) {
	return s.queryFiles(ctx, `SELECT `+fileColumns+` FROM files WHERE repository_id = ? ORDER BY path`, repositoryID)
}

func (s *SQLiteStore) ListDirtyFiles(ctx context.Context, repositoryID string) ([]*domain.CachedFile, error) {
	return s.queryFiles(ctx, `SELECT `+fileColumns+` FROM files WHERE repository_id = ? AND is_dirty = 1 ORDER BY path`, repositoryID)
}

func (s *SQLiteStore) queryFiles(ctx context.Context, query string, args ...any) ([]*domain.CachedFile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select files: %w", err)
	}
	defer rows.Close()

	var files []*domain.CachedFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate files: %w", err)
	}
	return files, nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, id string) (*domain.CachedFile, error) {
	return getFile(ctx, s.db, id)
}

func getFile(ctx context.Context, q dbtx, id string) (*domain.CachedFile, error) {
	f, err := scanFile(q.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file %q: %w", id, err)
	}
	return f, nil
}

func upsertFile(ctx context.Context, q dbtx, f *domain.CachedFile) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO files (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			content = excluded.content,
			remote_sha = excluded.remote_sha,
			is_dirty = excluded.is_dirty,
			last_modified = excluded.last_modified,
			size = excluded.size`,
		f.ID, f.RepositoryID, f.Path, f.Content, f.RemoteSHA, f.IsDirty, toMillis(f.LastModified), f.Size)
	if err != nil {
		return fmt.Errorf("failed to upsert file %q: %w", f.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpsertFile(ctx context.Context, f *domain.CachedFile) error {
	if err := checkFile(f); err != nil {
		return err
	}
	if err := upsertFile(ctx, s.db, f); err != nil {
		return err
	}
	s.events.publish(Change{Kind: ChangeUpsert, RepositoryID: f.RepositoryID, FileID: f.ID, Path: f.Path})
	return nil
}

func (s *SQLiteStore) UpdateFile(ctx context.Context, id string, u domain.FileUpdate) error {
	var updated *domain.CachedFile
	err := s.withTx(ctx, func(tx dbtx) error {
		f, err := getFile(ctx, tx, id)
		if err != nil {
			return err
		}
		if u.UnlessDirty && f.IsDirty {
			return fmt.Errorf("file %q: %w", id, domain.ErrDirty)
		}
		if u.Empty() {
			return nil
		}
		u.Apply(f)
		updated = f
		return upsertFile(ctx, tx, f)
	})
	if err != nil || updated == nil {
		return err
	}
	s.events.publish(Change{Kind: ChangeUpdate, RepositoryID: updated.RepositoryID, FileID: id, Path: updated.Path})
	return nil
}

func (s *SQLiteStore) ReplaceFile(ctx context.Context, oldID string, f *domain.CachedFile) error {
	if err := checkFile(f); err != nil {
		return err
	}
	var old *domain.CachedFile
	err := s.withTx(ctx, func(tx dbtx) error {
		var err error
		if old, err = getFile(ctx, tx, oldID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, oldID); err != nil {
			return fmt.Errorf("failed to delete file %q: %w", oldID, err)
		}
		return upsertFile(ctx, tx, f)
	})
	if err != nil {
		return err
	}
	s.events.publish(
		Change{Kind: ChangeDelete, RepositoryID: old.RepositoryID, FileID: oldID, Path: old.Path},
		Change{Kind: ChangeUpsert, RepositoryID: f.RepositoryID, FileID: f.ID, Path: f.Path},
	)
	return nil
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, id string) error {
	var old *domain.CachedFile
	err := s.withTx(ctx, func(tx dbtx) error {
		var err error
		if old, err = getFile(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete file %q: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.events.publish(Change{Kind: ChangeDelete, RepositoryID: old.RepositoryID, FileID: id, Path: old.Path})
	return nil
}

const repositoryColumns = `id, name, full_name, description, private, branch, last_sync, file_count`

func scanRepository(row scanner) (*domain.Repository, error) {
	r := &domain.Repository{}
	var lastSync sql.NullInt64
	if err := row.Scan(&r.ID, &r.Name, &r.FullName, &r.Description, &r.Private, &r.Branch, &lastSync, &r.FileCount); err != nil {
		return nil, err
	}
	if lastSync.Valid {
		t := fromMillis(lastSync.Int64)
		r.LastSync = &t
	}
	return r, nil
}

func (s *SQLiteStore) SaveRepository(ctx context.Context, r *domain.Repository) error {
	if r.ID == "" {
		return fmt.Errorf("repository %q has no id", r.FullName)
	}
	var lastSync sql.NullInt64
	if r.LastSync != nil {
		lastSync = sql.NullInt64{Int64: r.LastSync.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (`+repositoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			full_name = excluded.full_name,
			description = excluded.description,
			private = excluded.private,
			branch = excluded.branch,
			last_sync = excluded.last_sync,
			file_count = excluded.file_count`,
		r.ID, r.Name, r.FullName, r.Description, r.Private, r.Branch, lastSync, r.FileCount)
	if err != nil {
		return fmt.Errorf("failed to save repository %q: %w", r.ID, err)
	}
	s.events.publish(Change{Kind: ChangeRepository, RepositoryID: r.ID})
	return nil
}

func (s *SQLiteStore) GetRepository(ctx context.Context, id string) (*domain.Repository, error) {
	r, err := scanRepository(s.db.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repository %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository %q: %w", id, err)
	}
	return r, nil
}

func (s *SQLiteStore) ListRepositories(ctx context.Context) ([]*domain.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY full_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to select repositories: %w", err)
	}
	defer rows.Close()

	repos := []*domain.Repository{}
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repos = append(repos, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate repositories: %w", err)
	}
	return repos, nil
}

func (s *SQLiteStore) GetSettings(ctx context.Context) (*domain.Settings, error) {
	settings := &domain.Settings{}
	err := s.db.QueryRowContext(ctx, `SELECT current_repository_id, current_file_path FROM settings WHERE id = 1`).
		Scan(&settings.CurrentRepositoryID, &settings.CurrentFilePath)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return settings, nil
}

func (s *SQLiteStore) SaveSettings(ctx context.Context, settings *domain.Settings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (id, current_repository_id, current_file_path) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			current_repository_id = excluded.current_repository_id,
			current_file_path = excluded.current_file_path`,
		settings.CurrentRepositoryID, settings.CurrentFilePath)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Subscribe(repositoryID string) (<-chan Change, func()) {
	return s.events.subscribe(repositoryID)
}

func (s *SQLiteStore) Close() error {
	s.events.close()
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
