package domain

import "errors"

var (
	// remote errors
	ErrAuth     = errors.New("credential rejected")
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("remote content has diverged")
	ErrDecode   = errors.New("content is not valid text")
	ErrNetwork  = errors.New("network error")

	// sync outcomes
	ErrNoChanges = errors.New("no changes to push")
	ErrBusy      = errors.New("another sync operation is in progress")
	ErrDirty     = errors.New("local file has unpushed changes")

	// input validation
	ErrInvalidPath       = errors.New("invalid file path")
	ErrAlreadyExists     = errors.New("file already exists")
	ErrInvalidRepository = errors.New("invalid repository name")
)
