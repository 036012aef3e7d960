package monitor

import "errors"

var (
	// ErrNoTarget indicates neither a PID nor an image name was given.
	ErrNoTarget = errors.New("monitor: no target specified")

	// ErrAmbiguousTarget indicates both a PID and an image name were given.
	ErrAmbiguousTarget = errors.New("monitor: pid and name are mutually exclusive")
)
