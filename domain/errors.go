package domain

import "errors"

var (
	// ErrTaskNotFound is returned before any transactional work when the
	// referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrProjectNotFound is returned when a referenced project is absent.
	ErrProjectNotFound = errors.New("project not found")

	// ErrForbidden is returned when an authenticated caller lacks access to
	// the workspace, project or task it addressed.
	ErrForbidden = errors.New("access denied")

	// ErrInvalidStatus is returned when a mutation names an unknown column.
	ErrInvalidStatus = errors.New("invalid task status")

	// ErrInvalidPosition is returned when a reposition targets a negative
	// index or one past the end of the destination column.
	ErrInvalidPosition = errors.New("invalid task position")
)
