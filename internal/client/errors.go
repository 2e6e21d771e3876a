package client

import (
	"errors"
	"fmt"

	"github.com/roach88/lattice/internal/mutator"
)

// ErrStaleResponse is returned by Apply for a pull response or poke whose
// base cookie is not the client's cookie. The response was discarded.
var ErrStaleResponse = errors.New("response does not apply to the current cookie")

// ErrDropped is the cause reported for a mutation another client of the
// group dropped while rebasing.
var ErrDropped = errors.New("mutation dropped on rebase")

// ErrClosed is returned by calls on a closed Client.
var ErrClosed = errors.New("client closed")

// MutationError reports a mutation whose mutator failed. Phase says where:
// initial (nothing was stored), rebase (dropped from the log) or
// authoritative (rejected by the server).
type MutationError struct {
	ClientID string
	ID       uint64
	Name     string
	Phase    mutator.Reason
	Err      error
}

func (e *MutationError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("mutation %s/%d rejected during %s: %v", e.ClientID, e.ID, e.Phase, e.Err)
	}
	return fmt.Sprintf("mutation %s/%d (%s) rejected during %s: %v", e.ClientID, e.ID, e.Name, e.Phase, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// IsMutationRejected returns true if err is or wraps a MutationError.
func IsMutationRejected(err error) bool {
	var me *MutationError
	return errors.As(err, &me)
}
