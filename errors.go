package storage

import "github.com/pkg/errors"

// I/O failures have no dedicated sentinel: callers get the underlying
// *os.PathError/*fs.PathError back, wrapped with context via
// github.com/pkg/errors, rather than a synthetic error of our own.
var (
	// ErrInvalidState is returned when an operation is not valid for the
	// storage's current state, e.g. Read while still STATE_INIT.
	ErrInvalidState = errors.New("storage: operation not valid in current state")

	// ErrInvalidArgument is returned when an offset doesn't map to any
	// file, or a manifest line is malformed or names an unsafe path.
	ErrInvalidArgument = errors.New("storage: invalid argument")

	// ErrBroken is returned by WriteAt, ReadAt and ResizeReserved once the
	// storage has latched into the broken state following a structural
	// failure.
	ErrBroken = errors.New("storage: storage is broken")
)
