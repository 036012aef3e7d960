package profile

import "errors"

var (
	// ErrLoad indicates the profile file could not be read or decoded.
	ErrLoad = errors.New("profile: load failed")

	// ErrMissingField indicates a required profile key was absent or zero.
	ErrMissingField = errors.New("profile: missing field")

	// ErrBadRange indicates a bit-range with End < Start or End > 63.
	ErrBadRange = errors.New("profile: bad bit range")

	// ErrNoField indicates a Flags.Get for a name the profile does not define.
	ErrNoField = errors.New("profile: no such flag field")
)
