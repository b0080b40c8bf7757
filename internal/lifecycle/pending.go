package lifecycle

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"deriv-bot-manager/internal/credentials"
	"deriv-bot-manager/internal/events"
	"deriv-bot-manager/internal/pending"
)

const maxIDAttempts = 16

// ApproveResult is the outcome of approving a staged activation
type ApproveResult struct {
	EphemeralID string `json:"ephemeral_id"`
	Identity    string `json:"identity,omitempty"`
	Approved    bool   `json:"approved"`
	// Created is false when the identity was already live
	Created bool `json:"created"`
}

// PaymentEvent is a payment provider callback
type PaymentEvent struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Account   string `json:"account"`
}

// PaymentResult is what ConfirmPayment did with an event
type PaymentResult struct {
	ApproveResult
	Ignored bool `json:"ignored"`
}

// StagePending records a credential under a fresh ephemeral id until it is approved
func (c *Controller) StagePending(ctx context.Context, ref credentials.Reference, paymentRef string) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := c.ephemeralID()
		if err != nil {
			return "", err
		}
		if _, live := c.registry.Get(id); live {
			continue
		}
		err = c.pending.Put(ctx, pending.Activation{
			ID:         id,
			Credential: ref,
			PaymentRef: paymentRef,
			CreatedAt:  time.Now(),
		})
		if errors.Is(err, pending.ErrExists) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("stage pending activation: %w", err)
		}

		c.metrics.pendingEvent("staged")
		c.logger.Info("Pending activation staged", "ephemeral_id", id, "credential", ref.String(), "payment_ref", paymentRef)
		c.bus.PublishWorker(events.EventPendingStaged, id, map[string]interface{}{"payment_ref": paymentRef})
		return id, nil
	}
	return "", ErrIDSpaceExhausted
}

// ephemeralID is the prefix followed by digits with no leading zero
func (c *Controller) ephemeralID() (string, error) {
	digits := c.opts.EphemeralDigits
	low := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits-1)), nil)
	span := new(big.Int).Sub(new(big.Int).Mul(low, big.NewInt(10)), low)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", fmt.Errorf("generate ephemeral id: %w", err)
	}
	return c.opts.EphemeralPrefix + n.Add(n, low).String(), nil
}

// Approve promotes a staged activation into a live worker under finalIdentity,
// or under the ephemeral id itself when finalIdentity is empty.
func (c *Controller) Approve(ctx context.Context, ephemeralID, finalIdentity, source string) (ApproveResult, error) {
	res := ApproveResult{EphemeralID: ephemeralID}
	if err := c.ready(); err != nil {
		return res, err
	}

	identity := strings.TrimSpace(finalIdentity)
	if identity == "" {
		identity = ephemeralID
	}

	a, ok, err := c.pending.Take(ctx, ephemeralID)
	if err != nil {
		return res, fmt.Errorf("take pending activation: %w", err)
	}
	if !ok {
		c.metrics.pendingEvent("missing")
		c.logger.Debug("No pending activation to approve", "ephemeral_id", ephemeralID)
		return res, nil
	}

	baseline := DefaultBaseline()
	act, err := c.activate(ctx, identity, a.Credential, baseline, source)
	if err != nil {
		c.restore(a)
		return res, err
	}

	if err := c.persist.enqueue(ctx, writeJob{op: opCreate, identity: identity, ref: a.Credential, baseline: baseline}); err != nil {
		c.logger.Warn("Durable write not queued", "op", opCreate, "worker_id", identity, "error", err)
	}

	res.Identity = identity
	res.Approved = true
	res.Created = act.Created
	c.metrics.pendingEvent("approved")
	c.logger.Info("Pending activation approved", "ephemeral_id", ephemeralID, "worker_id", identity, "source", source)
	c.bus.PublishWorker(events.EventPendingApproved, identity, map[string]interface{}{
		"ephemeral_id": ephemeralID,
		"source":       source,
	})
	return res, nil
}

// restore puts a taken activation back so an admin can retry it
func (c *Controller) restore(a pending.Activation) {
	ctx, cancel := context.WithTimeout(context.Background(), c.persist.timeout)
	defer cancel()
	if err := c.pending.Put(ctx, a); err != nil && !errors.Is(err, pending.ErrExists) {
		c.logger.Error("Could not restore pending activation", "ephemeral_id", a.ID, "error", err)
		return
	}
	c.metrics.pendingEvent("restored")
}

// PendingList returns staged activations, oldest first
func (c *Controller) PendingList(ctx context.Context) ([]pending.Activation, error) {
	return c.pending.List(ctx)
}

// ConfirmPayment approves the activation a payment callback refers to when its
// status is a confirmed one. Other statuses are ignored.
func (c *Controller) ConfirmPayment(ctx context.Context, ev PaymentEvent) (PaymentResult, error) {
	if !c.isConfirmed(ev.Status) {
		c.logger.Info("Payment event ignored", "reference", ev.Reference, "status", ev.Status)
		return PaymentResult{ApproveResult: ApproveResult{EphemeralID: ev.Reference}, Ignored: true}, nil
	}
	res, err := c.Approve(ctx, ev.Reference, ev.Account, SourcePayment)
	return PaymentResult{ApproveResult: res}, err
}

func (c *Controller) isConfirmed(status string) bool {
	status = strings.ToLower(strings.TrimSpace(status))
	for _, s := range c.opts.ConfirmedStatuses {
		if strings.ToLower(s) == status {
			return true
		}
	}
	return false
}
