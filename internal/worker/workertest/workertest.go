// Package workertest provides an in-memory worker.Worker for tests that drive
// the lifecycle without a venue connection.
package workertest

import (
	"context"
	"sync"

	"deriv-bot-manager/internal/worker"

	"github.com/shopspring/decimal"
)

// Worker records every call made on it
type Worker struct {
	mu sync.Mutex

	Identity string
	Secret   string

	counters   worker.Counters
	connOpen   bool
	terminated bool

	ConnectCalls   int
	StartCalls     []int
	StopCalls      int
	ResetCalls     int
	TerminateCalls int
	TerminateErr   error
}

var _ worker.Worker = (*Worker)(nil)

// NewWorker builds a Worker seeded with baseline counters
func NewWorker(identity, secret string, baseline worker.Counters) *Worker {
	return &Worker{Identity: identity, Secret: secret, counters: baseline.Normalize()}
}

// Factory builds Workers and remembers them by identity
type Factory struct {
	mu      sync.Mutex
	Workers map[string][]*Worker
}

func NewFactory() *Factory {
	return &Factory{Workers: make(map[string][]*Worker)}
}

// Func adapts f to worker.Factory
func (f *Factory) Func() worker.Factory {
	return func(identity, secret string, baseline worker.Counters) worker.Worker {
		w := NewWorker(identity, secret, baseline)
		f.mu.Lock()
		f.Workers[identity] = append(f.Workers[identity], w)
		f.mu.Unlock()
		return w
	}
}

// Built returns how many workers were constructed for identity
func (f *Factory) Built(identity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Workers[identity])
}

// Last returns the most recently built worker for identity
func (f *Factory) Last(identity string) *Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws := f.Workers[identity]
	if len(ws) == 0 {
		return nil
	}
	return ws[len(ws)-1]
}

func (m *Worker) Connect(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectCalls++
	if !m.terminated {
		m.connOpen = true
	}
}

func (m *Worker) Start(limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartCalls = append(m.StartCalls, limit)
	m.counters.TradeLimit = limit
	m.counters.IsRunning = true
}

func (m *Worker) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls++
	m.counters.IsRunning = false
}

func (m *Worker) ResetSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResetCalls++
	m.counters.SessionProfit = decimal.Zero
	m.counters.TradesToday = 0
	m.counters.Multiplier = worker.DefaultMultiplier
}

func (m *Worker) SetTradeLimit(limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.TradeLimit = limit
}

func (m *Worker) Snapshot() worker.Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

func (m *Worker) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connOpen
}

func (m *Worker) Terminate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TerminateCalls++
	m.terminated = true
	m.connOpen = false
	m.counters.IsRunning = false
	return m.TerminateErr
}

// Simulate overwrites the counters, as a settled trade would
func (m *Worker) Simulate(fn func(c *worker.Counters)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.counters)
}
