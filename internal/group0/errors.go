package group0

import "github.com/cockroachdb/errors"

// Group0 errors.
var (
	// ErrCorruptCommand is returned when a command cannot be decoded.
	ErrCorruptCommand = errors.New("group0: corrupt command")

	// ErrCorruptSnapshot is returned when a snapshot cannot be decoded.
	ErrCorruptSnapshot = errors.New("group0: corrupt snapshot")

	// ErrKeyTooLong is returned for keys that do not fit a command.
	ErrKeyTooLong = errors.New("group0: key too long")

	// ErrEmptyKey is returned for an empty key.
	ErrEmptyKey = errors.New("group0: empty key")

	// ErrConflict is returned when a change kept losing against concurrent
	// changes and ran out of attempts.
	ErrConflict = errors.New("group0: too many concurrent modifications")
)
