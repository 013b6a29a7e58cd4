package vault

import "errors"

var (
	// ErrDuplicateName indicates a project, environment, or secret with that
	// name already exists in its scope.
	ErrDuplicateName = errors.New("vault: duplicate name")

	// ErrNotFound indicates the addressed project, environment, secret, or
	// user does not exist.
	ErrNotFound = errors.New("vault: not found")

	// ErrPermissionDenied indicates the access controller rejected the action.
	ErrPermissionDenied = errors.New("vault: permission denied")

	// ErrStaleWrite indicates the caller's known version predates the stored
	// version; pull before pushing again.
	ErrStaleWrite = errors.New("vault: stale write")

	// ErrNotEmpty indicates a project still contains environments.
	ErrNotEmpty = errors.New("vault: project not empty")
)
