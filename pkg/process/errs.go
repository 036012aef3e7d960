package process

import "errors"

var (
	// ErrNotFound indicates no active process matched the target.
	ErrNotFound = errors.New("process: not found")

	// ErrListCorrupt indicates the active-process list could not be
	// walked (unreadable link or implausible length).
	ErrListCorrupt = errors.New("process: list corrupt")
)
