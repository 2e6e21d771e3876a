package chunk

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a chunk is absent or has been collected.
var ErrNotFound = errors.New("chunk not found")

// ErrConflict is returned by UpdateHead when the head no longer holds the
// expected digest. The caller must re-read the head and retry its write.
var ErrConflict = errors.New("head conflict")

// ErrLeaseReleased is returned when a released lease is used again.
var ErrLeaseReleased = errors.New("lease already released")

// CorruptionError reports a chunk whose payload does not hash to its digest,
// or a structure read from a chunk that violates its invariants.
// Corruption is fatal: callers must surface it, never retry or skip it.
type CorruptionError struct {
	Digest Digest
	Msg    string
	Err    error
}

// Corruptf builds a CorruptionError for the chunk d.
func Corruptf(d Digest, err error, format string, args ...any) error {
	return &CorruptionError{Digest: d, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt chunk %s: %s: %v", e.Digest.Short(), e.Msg, e.Err)
	}
	return fmt.Sprintf("corrupt chunk %s: %s", e.Digest.Short(), e.Msg)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// IsCorruption returns true if err is or wraps a CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsConflict returns true if err is or wraps ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound returns true if err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
