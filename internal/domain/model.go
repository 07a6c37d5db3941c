// Package domain holds the types shared by the remote client, the local store
// and the sync engine.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Repository is a remote repository as cached locally. LastSync is nil until
// the first completed sync. Branch is the branch that sync pulled from and
// that later pushes and file operations write to.
type Repository struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	FullName    string     `json:"fullName"`
	Description string     `json:"description"`
	Private     bool       `json:"private"`
	Branch      string     `json:"branch,omitempty"`
	LastSync    *time.Time `json:"lastSync"`
	FileCount   int        `json:"fileCount"`
}

// OwnerAndName splits FullName ("owner/name").
func (r *Repository) OwnerAndName() (string, string, error) {
	parts := strings.SplitN(r.FullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q must be owner/name", ErrInvalidRepository, r.FullName)
	}
	return parts[0], parts[1], nil
}

// CachedFile is a Markdown file held in the local store.
//
// RemoteSHA is the blob SHA of the remote version this file was last pulled
// from or pushed as. It is empty for files created locally and never pushed;
// those must be created remotely, never updated.
type CachedFile struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	Path         string    `json:"path"`
	Content      string    `json:"content"`
	RemoteSHA    string    `json:"remoteSha"`
	IsDirty      bool      `json:"isDirty"`
	LastModified time.Time `json:"lastModified"`
	Size         int64     `json:"size"`
}

// Clone returns a copy of f.
func (f *CachedFile) Clone() *CachedFile {
	c := *f
	return &c
}

// FileID is the store key of the file at path in a repository.
func FileID(repositoryID, path string) string {
	return repositoryID + "-" + path
}

// FileUpdate is a partial update of a CachedFile. Nil fields are left as is.
//
// With UnlessDirty set the update is refused with ErrDirty if the stored
// file is dirty at the moment it would be applied.
type FileUpdate struct {
	Content      *string
	RemoteSHA    *string
	IsDirty      *bool
	LastModified *time.Time
	Size         *int64

	UnlessDirty bool
}

// Apply copies the set fields of u onto f.
func (u FileUpdate) Apply(f *CachedFile) {
	if u.Content != nil {
		f.Content = *u.Content
	}
	if u.RemoteSHA != nil {
		f.RemoteSHA = *u.RemoteSHA
	}
	if u.IsDirty != nil {
		f.IsDirty = *u.IsDirty
	}
	if u.LastModified != nil {
		f.LastModified = *u.LastModified
	}
	if u.Size != nil {
		f.Size = *u.Size
	}
}

// Empty reports whether u sets no field. Stores treat an empty update as a
// lookup: nothing is written and no change is published.
func (u FileUpdate) Empty() bool {
	return u.Content == nil && u.RemoteSHA == nil && u.IsDirty == nil && u.LastModified == nil && u.Size == nil
}

const (
	EntryBlob = "blob"
	EntryTree = "tree"
)

// TreeEntry is one item of a recursive remote tree listing.
type TreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

// FileContent is decoded remote file content with its blob SHA.
type FileContent struct {
	Content string `json:"content"`
	SHA     string `json:"sha"`
	Size    int64  `json:"size"`
}

// User is the identity behind a credential.
type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

// Settings holds the last-opened repository and file.
type Settings struct {
	CurrentRepositoryID string `json:"currentRepositoryId"`
	CurrentFilePath     string `json:"currentFilePath"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
