package api

import (
	"time"

	"github.com/shaun/inkwell/internal/domain"
)

type CreateFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type SaveFileRequest struct {
	Content string `json:"content"`
}

type PushRequest struct {
	Message string `json:"message"`
}

type RenameRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message"`
}

type DiscardRequest struct {
	Path string `json:"path"`
}

// FileInfo is a cached file without its content, as listed.
type FileInfo struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	RemoteSHA    string    `json:"remoteSha"`
	IsDirty      bool      `json:"isDirty"`
	LastModified time.Time `json:"lastModified"`
	Size         int64     `json:"size"`
}

func newFileInfo(f *domain.CachedFile) FileInfo {
	return FileInfo{
		ID:           f.ID,
		Path:         f.Path,
		RemoteSHA:    f.RemoteSHA,
		IsDirty:      f.IsDirty,
		LastModified: f.LastModified,
		Size:         f.Size,
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
}
