package lifecycle

import (
	"context"
	"time"

	"deriv-bot-manager/internal/credentials"
	"deriv-bot-manager/internal/worker"

	"github.com/shopspring/decimal"
)

// Record is one durable entry per worker identity
type Record struct {
	Identity   string
	Credential credentials.Reference
	Active     bool
	Counters   worker.Counters
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Fields is a partial update; nil pointers are left untouched
type Fields struct {
	Active         *bool
	IsRunning      *bool
	TradeLimit     *int
	TradesToday    *int
	Balance        *decimal.Decimal
	SessionProfit  *decimal.Decimal
	LifetimeProfit *decimal.Decimal
	Multiplier     *decimal.Decimal
}

// IsEmpty reports whether the update changes nothing
func (f Fields) IsEmpty() bool {
	return f.Active == nil && f.IsRunning == nil && f.TradeLimit == nil && f.TradesToday == nil &&
		f.Balance == nil && f.SessionProfit == nil && f.LifetimeProfit == nil && f.Multiplier == nil
}

// countersFields persists every mirrored counter
func countersFields(c worker.Counters) Fields {
	return Fields{
		IsRunning:      &c.IsRunning,
		TradeLimit:     &c.TradeLimit,
		TradesToday:    &c.TradesToday,
		Balance:        &c.Balance,
		SessionProfit:  &c.SessionProfit,
		LifetimeProfit: &c.LifetimeProfit,
		Multiplier:     &c.Multiplier,
	}
}

// Store is the durable record store the controller writes through
type Store interface {
	LoadActive(ctx context.Context) ([]Record, error)
	Upsert(ctx context.Context, identity string, fields Fields) error
	Delete(ctx context.Context, identity string) error
	// Create inserts an active record. An existing record is only re-activated.
	Create(ctx context.Context, identity string, ref credentials.Reference, baseline worker.Counters) error
}

// CredentialResolver turns a stored reference into the usable secret
type CredentialResolver interface {
	Resolve(ctx context.Context, ref credentials.Reference) (string, error)
}

// DefaultBaseline is what a freshly approved worker starts with
func DefaultBaseline() worker.Counters {
	return worker.Counters{
		Multiplier: worker.DefaultMultiplier,
		IsRunning:  true,
	}
}
