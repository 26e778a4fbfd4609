package blinktree

import "github.com/pkg/errors"

var (
	ErrClosed         = errors.New("tree is closed")
	ErrReservedKey    = errors.New("key is reserved for the upper-bound sentinel")
	ErrInvalidOrder   = errors.New("invalid order")
	ErrNotInitialized = errors.New("tree file is empty and no order was configured")
	ErrBadMagic       = errors.New("bad header magic")
	ErrBadChecksum    = errors.New("header checksum mismatch")
	ErrBadGeometry    = errors.New("incompatible page or segment size")
	ErrCorruptNode    = errors.New("corrupt node")
	ErrCorruptRecord  = errors.New("corrupt record")
	ErrAlloc          = errors.New("allocation failed")
	ErrLatch          = errors.New("latch acquisition failed")
	ErrNodeTooLarge   = errors.New("node does not fit in a segment")
	errNodeDirty      = errors.New("fresh node is not zeroed")
)

// allocError reports a failed file extension. Both ErrAlloc and the
// underlying error stay reachable through errors.Is.
type allocError struct {
	op  string
	err error
}

func (e *allocError) Error() string {
	return e.op + ": " + e.err.Error() + ": " + ErrAlloc.Error()
}

func (e *allocError) Unwrap() []error {
	return []error{ErrAlloc, e.err}
}

func wrapAlloc(err error, op string) error {
	return errors.WithStack(&allocError{op: op, err: err})
}
