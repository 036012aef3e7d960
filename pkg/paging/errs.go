package paging

import "errors"

var (
	// ErrNotMapped indicates an absent entry at some level of the walk.
	ErrNotMapped = errors.New("paging: not mapped")

	// ErrWalkFailed indicates the walk itself could not proceed (a
	// page-table entry was unreadable or malformed).
	ErrWalkFailed = errors.New("paging: walk failed")
)
