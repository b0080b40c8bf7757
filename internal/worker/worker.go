// Package worker defines the capability set the lifecycle controller expects
// from a trading worker, plus the Deriv websocket implementation.
package worker

import (
	"context"

	"github.com/shopspring/decimal"
)

// Counters mirrors a worker's mutable accounting state
type Counters struct {
	Balance        decimal.Decimal `json:"balance"`
	SessionProfit  decimal.Decimal `json:"session_profit"`
	LifetimeProfit decimal.Decimal `json:"lifetime_profit"`
	TradesToday    int             `json:"trades_today"`
	TradeLimit     int             `json:"trade_limit"` // 0 means unbounded
	Multiplier     decimal.Decimal `json:"current_multiplier"`
	IsRunning      bool            `json:"is_running"`
}

// DefaultMultiplier is the position-size multiplier a fresh session starts with
var DefaultMultiplier = decimal.NewFromInt(1)

// Normalize fills the fields that must never be zero-valued
func (c Counters) Normalize() Counters {
	if c.Multiplier.IsZero() {
		c.Multiplier = DefaultMultiplier
	}
	if c.TradeLimit < 0 {
		c.TradeLimit = 0
	}
	if c.TradesToday < 0 {
		c.TradesToday = 0
	}
	return c
}

// LimitReached reports whether a bounded session has used up its trades
func (c Counters) LimitReached() bool {
	return c.TradeLimit > 0 && c.TradesToday >= c.TradeLimit
}

// Worker owns one subscriber's venue connection and trading counters
type Worker interface {
	// Connect establishes the venue connection in the background.
	Connect(ctx context.Context)
	// Start resumes trading bounded by limit (0 for no bound).
	Start(limit int)
	// Stop halts trading but keeps the connection open.
	Stop()
	// ResetSession zeroes session profit and trades-today and resets the multiplier.
	ResetSession()
	SetTradeLimit(limit int)
	Snapshot() Counters
	Connected() bool
	// Terminate forcibly closes the connection. The worker cannot be reused.
	Terminate() error
}

// Factory builds an unconnected worker from a resolved secret and baseline counters
type Factory func(identity, secret string, baseline Counters) Worker
