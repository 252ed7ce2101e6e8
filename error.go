package betree

import (
	"errors"

	"github.com/alexhholmes/betree/internal/format"
	"github.com/alexhholmes/betree/internal/freelist"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrNotFound     = errors.New("key not found")
	ErrExists       = errors.New("key already exists")
	ErrInvalidKey   = errors.New("key size does not match key buffer")
	ErrInvalidValue = errors.New("value size does not match value buffer")
	ErrCorruption   = errors.New("data corruption detected")

	ErrTxState        = errors.New("transaction is not open")
	ErrTxTooLarge     = errors.New("transaction credit exceeds segment maximum")
	ErrCreditExceeded = errors.New("transaction used more than its credit")

	ErrTreeNotCreated = errors.New("tree is not created")
	ErrTruncated      = errors.New("tree is being truncated")
	ErrInvalidFid     = errors.New("invalid tree fid")
	ErrTreeType       = errors.New("tree type does not match key/value ops")
	ErrOrder          = errors.New("tree order out of range")

	ErrAnchorReleased = errors.New("anchor already released")
	ErrCursorUnset    = errors.New("cursor is not positioned")

	ErrSegmentClosed = errors.New("segment is closed")
	ErrSegmentSize   = errors.New("segment size out of range")

	ErrNoSpace         = freelist.ErrNoSpace
	ErrInvalidMagic    = format.ErrInvalidMagic
	ErrInvalidVersion  = format.ErrInvalidVersion
	ErrInvalidChecksum = format.ErrInvalidChecksum
)

// corruption is raised inside the tree algorithms when a node, record or
// key/value buffer fails validation. The operation wrapper turns it back into
// an ErrCorruption error.
type corruption struct {
	off uint64
	err error
}

func corrupt(off uint64, err error) {
	panic(corruption{off: off, err: err})
}

// invariantViolation is raised by debug invariant checks and is never
// recovered.
type invariantViolation struct {
	err error
}

func (v invariantViolation) Error() string {
	return "betree invariant violated: " + v.err.Error()
}

var (
	errOffset   = errors.New("offset outside segment")
	errBacklink = errors.New("backlink does not match tree")
	errStaleGen = errors.New("backlink generation does not match segment")
	errKVBuffer = errors.New("malformed key/value buffer")
	errTooDeep  = errors.New("tree deeper than MaxHeight")
)

// exhausted is raised when the allocator fails inside an algorithm, which
// means the operation's credit was wrong.
type exhausted struct {
	err error
}
