package octree

import (
	"github.com/pkg/errors"
)

var (
	// ErrCapacityExhausted is returned when every buffer slot of a bounded pool is in use, or when
	// a star would land in a full leaf at max depth.
	ErrCapacityExhausted = errors.New("buffer slot capacity exhausted")
	// ErrCorruptStream is returned when a serialized tree is malformed or truncated.
	ErrCorruptStream = errors.New("corrupt octree stream")
	// ErrOutOfBoundsInsert is returned when a star lies outside the root cube.
	ErrOutOfBoundsInsert = errors.New("star is outside the octree bounds")
	// ErrBranchNotFound is returned when a branch does not exist in memory or on disk.
	ErrBranchNotFound = errors.New("branch not found")
	// ErrInvalidBranchIndex is returned for branch indices outside [-1, 7].
	ErrInvalidBranchIndex = errors.New("invalid branch index")
)

func newCorruptStreamError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruptStream, format, args...)
}
