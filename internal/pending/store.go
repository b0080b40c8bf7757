// Package pending stages credentials submitted through the payment workflow
// until an admin or a payment callback approves them.
package pending

import (
	"context"
	"errors"
	"time"

	"deriv-bot-manager/internal/credentials"
)

// ErrExists is returned by Put when the ephemeral id is already staged
var ErrExists = errors.New("pending activation already exists")

// Activation is a staged, not yet approved registration
type Activation struct {
	ID         string
	Credential credentials.Reference
	PaymentRef string
	CreatedAt  time.Time
}

// Store holds staged activations keyed by ephemeral id
type Store interface {
	// Put stages a new activation. It fails with ErrExists on id collision.
	Put(ctx context.Context, a Activation) error
	// Take atomically removes and returns the activation. ok is false when absent or expired.
	Take(ctx context.Context, id string) (a Activation, ok bool, err error)
	Exists(ctx context.Context, id string) (bool, error)
	// List returns live activations, oldest first.
	List(ctx context.Context) ([]Activation, error)
}
