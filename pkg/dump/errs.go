package dump

import "errors"

// ErrQueueClosed indicates an Enqueue after shutdown began.
var ErrQueueClosed = errors.New("dump: queue closed")
