package lifecycle

import (
	"errors"
	"fmt"

	"deriv-bot-manager/internal/credentials"
)

var (
	// ErrCredentialUnresolved aborts an activation before any state is created.
	ErrCredentialUnresolved = credentials.ErrUnresolved
	// ErrAmbiguousShortIdentity is returned under the reject policy when a short
	// identity matches more than one worker.
	ErrAmbiguousShortIdentity = errors.New("ambiguous short identity")
	// ErrDurableWriteFailed marks a persistence failure. The in-memory change stands.
	ErrDurableWriteFailed = errors.New("durable write failed")
	ErrNotReconciled      = errors.New("controller has not reconciled with the durable store yet")
	ErrAlreadyReconciled  = errors.New("reconciliation already ran")
	ErrControllerClosed   = errors.New("controller closed")
	ErrInvalidIdentity    = errors.New("invalid worker identity")
	ErrInvalidLimit       = errors.New("trade limit cannot be negative")
	ErrIDSpaceExhausted   = errors.New("could not allocate a free ephemeral id")
)

// DurableWriteError describes one failed store write
type DurableWriteError struct {
	Op       string
	Identity string
	Err      error
}

func (e *DurableWriteError) Error() string {
	return fmt.Sprintf("durable write %s %s failed: %v", e.Op, e.Identity, e.Err)
}

func (e *DurableWriteError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrDurableWriteFailed) match any DurableWriteError
func (e *DurableWriteError) Is(target error) bool {
	return target == ErrDurableWriteFailed
}

// AmbiguityError carries the identities that matched a short identity
type AmbiguityError struct {
	Query      string
	Candidates []string
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("%s: %q matches %v", ErrAmbiguousShortIdentity, e.Query, e.Candidates)
}

func (e *AmbiguityError) Is(target error) bool {
	return target == ErrAmbiguousShortIdentity
}
