package vad

import "errors"

var (
	// ErrBadNode indicates a VAD node, control area, or file object with
	// unreadable or implausible contents.
	ErrBadNode = errors.New("vad: bad node")

	// ErrTreeRunaway indicates more nodes than any real tree holds,
	// almost certainly a cycle introduced by a hostile or corrupt guest.
	ErrTreeRunaway = errors.New("vad: tree runaway")
)
