package vmi

import "errors"

var (
	// ErrNotConnected indicates the hypervisor link is absent or lost.
	ErrNotConnected = errors.New("vmi: not connected")

	// ErrNoMapping indicates a read or trap on memory the guest does not
	// currently back with a frame.
	ErrNoMapping = errors.New("vmi: no mapping")

	// ErrShortRead indicates fewer bytes than requested were readable.
	ErrShortRead = errors.New("vmi: short read")

	// ErrClosed indicates an operation on a closed introspector.
	ErrClosed = errors.New("vmi: closed")
)
