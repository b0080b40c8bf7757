// Package lifecycle owns the worker fleet: it activates workers, routes control
// operations to them by full or short identity, mirrors their state to the
// durable store, and rebuilds the fleet from that store at startup.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"deriv-bot-manager/config"
	"deriv-bot-manager/internal/credentials"
	"deriv-bot-manager/internal/events"
	"deriv-bot-manager/internal/logging"
	"deriv-bot-manager/internal/pending"
	"deriv-bot-manager/internal/registry"
	"deriv-bot-manager/internal/worker"
)

// Activation triggers, used for logs and metric labels
const (
	SourceReconcile = "reconcile"
	SourceAdmin     = "admin"
	SourcePayment   = "payment"
	SourceTelegram  = "telegram"
)

// Deps are the collaborators a Controller needs
type Deps struct {
	Store         Store
	Pending       pending.Store
	Resolver      CredentialResolver
	WorkerFactory worker.Factory
	Bus           *events.EventBus
	Metrics       *Metrics
	Logger        *logging.Logger
}

// Options tune controller behavior
type Options struct {
	// AmbiguityPolicy is config.AmbiguityLast or config.AmbiguityReject
	AmbiguityPolicy   string
	EphemeralPrefix   string
	EphemeralDigits   int
	WriteQueueSize    int
	WriteTimeout      time.Duration
	ConfirmedStatuses []string
}

// OptionsFromConfig maps the lifecycle and payment config sections
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AmbiguityPolicy:   cfg.LifecycleConfig.AmbiguityPolicy,
		EphemeralPrefix:   cfg.LifecycleConfig.EphemeralPrefix,
		EphemeralDigits:   cfg.LifecycleConfig.EphemeralDigits,
		WriteQueueSize:    cfg.LifecycleConfig.WriteQueueSize,
		WriteTimeout:      cfg.LifecycleConfig.WriteTimeout,
		ConfirmedStatuses: cfg.PaymentConfig.ConfirmedStatuses,
	}
}

// ActivateResult reports whether Activate created a new live worker
type ActivateResult struct {
	Identity string `json:"identity"`
	Created  bool   `json:"created"`
}

// Result is the outcome of a control operation addressed by identity
type Result struct {
	Query      string          `json:"query"`
	Identity   string          `json:"identity,omitempty"`
	Matched    bool            `json:"matched"`
	Ambiguous  bool            `json:"ambiguous,omitempty"`
	Candidates []string        `json:"candidates,omitempty"`
	Counters   worker.Counters `json:"counters"`
}

// WorkerStatus is a point-in-time view of one live worker
type WorkerStatus struct {
	Identity    string          `json:"identity"`
	Connected   bool            `json:"connected"`
	ActivatedAt time.Time       `json:"activated_at"`
	LastUsed    time.Time       `json:"last_used"`
	Counters    worker.Counters `json:"counters"`
}

// Controller is the single owner of the live registry
type Controller struct {
	registry  *registry.Registry
	store     Store
	pending   pending.Store
	resolver  CredentialResolver
	newWorker worker.Factory
	bus       *events.EventBus
	metrics   *Metrics
	logger    *logging.Logger
	opts      Options
	persist   *persister

	reconciling atomic.Bool
	reconciled  atomic.Bool
}

// New builds a controller and starts its persistence queue
func New(deps Deps, opts Options) (*Controller, error) {
	if deps.Store == nil {
		return nil, errors.New("lifecycle: store is required")
	}
	if deps.Pending == nil {
		return nil, errors.New("lifecycle: pending store is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("lifecycle: credential resolver is required")
	}
	if deps.WorkerFactory == nil {
		return nil, errors.New("lifecycle: worker factory is required")
	}
	switch opts.AmbiguityPolicy {
	case "":
		opts.AmbiguityPolicy = config.AmbiguityLast
	case config.AmbiguityLast, config.AmbiguityReject:
	default:
		return nil, fmt.Errorf("lifecycle: unknown ambiguity policy %q", opts.AmbiguityPolicy)
	}
	if opts.EphemeralPrefix == "" {
		opts.EphemeralPrefix = "User_"
	}
	if opts.EphemeralDigits <= 0 {
		opts.EphemeralDigits = 6
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.WithComponent("lifecycle")
	}

	c := &Controller{
		registry:  registry.New(),
		store:     deps.Store,
		pending:   deps.Pending,
		resolver:  deps.Resolver,
		newWorker: deps.WorkerFactory,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		logger:    logger,
		opts:      opts,
	}
	c.persist = newPersister(deps.Store, opts.WriteQueueSize, opts.WriteTimeout, logger, deps.Metrics, deps.Bus)
	return c, nil
}

// Reconciled reports whether the fleet has been rebuilt from the durable store
func (c *Controller) Reconciled() bool {
	return c.reconciled.Load()
}

func (c *Controller) ready() error {
	if !c.reconciled.Load() {
		return ErrNotReconciled
	}
	return nil
}

// Failures delivers durable write failures to whoever wants to observe them
func (c *Controller) Failures() <-chan *DurableWriteError {
	return c.persist.failures
}

// Flush waits for every durable write queued so far
func (c *Controller) Flush(ctx context.Context) error {
	return c.persist.flush(ctx)
}

// Close drains the persistence queue. Live workers are left to the caller.
func (c *Controller) Close(ctx context.Context) error {
	return c.persist.close(ctx)
}

// Shutdown closes every live connection without touching the durable store,
// then drains the persistence queue.
func (c *Controller) Shutdown(ctx context.Context) error {
	for _, h := range c.registry.List() {
		h.Do(func(w worker.Worker) {
			if err := w.Terminate(); err != nil {
				c.logger.Warn("Worker close failed during shutdown", "worker_id", h.Identity, "error", err)
			}
		})
	}
	return c.Close(ctx)
}

// Activate brings identity online. It is a no-op when the identity is already live.
func (c *Controller) Activate(ctx context.Context, identity string, ref credentials.Reference, baseline worker.Counters, source string) (ActivateResult, error) {
	if err := c.ready(); err != nil {
		return ActivateResult{Identity: identity}, err
	}
	return c.activate(ctx, identity, ref, baseline, source)
}

func (c *Controller) activate(ctx context.Context, identity string, ref credentials.Reference, baseline worker.Counters, source string) (ActivateResult, error) {
	res := ActivateResult{Identity: identity}
	if identity == "" {
		return res, ErrInvalidIdentity
	}
	if _, ok := c.registry.Get(identity); ok {
		c.metrics.activation(source, "exists")
		return res, nil
	}

	secret, err := c.resolver.Resolve(ctx, ref)
	if err != nil {
		c.metrics.activation(source, "unresolved")
		c.logger.Warn("Credential resolution failed", "worker_id", identity, "source", source, "credential", ref.String(), "error", err)
		return res, fmt.Errorf("activate %s: %w", identity, err)
	}

	w := c.newWorker(identity, secret, baseline.Normalize())
	h := registry.NewHandle(identity, w)
	if _, inserted := c.registry.InsertIfAbsent(h); !inserted {
		// lost the race; this worker never connected
		_ = w.Terminate()
		c.metrics.activation(source, "exists")
		return res, nil
	}

	w.Connect(ctx)
	res.Created = true

	snap := w.Snapshot()
	c.metrics.activation(source, "created")
	c.metrics.observeRegistry(c.registry)
	c.logger.Info("Worker activated", "worker_id", identity, "source", source, "running", snap.IsRunning, "trade_limit", snap.TradeLimit)
	c.bus.PublishWorker(events.EventWorkerActivated, identity, map[string]interface{}{
		"source":  source,
		"running": snap.IsRunning,
	})
	return res, nil
}

// resolve maps a full or short identity to a live handle under the configured policy
func (c *Controller) resolve(op, query string) (*registry.Handle, Result, error) {
	res := Result{Query: query}
	m := c.registry.Resolve(query)
	if !m.Found() {
		c.metrics.controlOp(op, "not_found")
		c.logger.Debug("No worker matched", "op", op, "query", query)
		return nil, res, nil
	}

	res.Identity = m.Handle.Identity
	res.Matched = true
	res.Candidates = m.Candidates
	res.Ambiguous = m.Ambiguous()

	if res.Ambiguous {
		if c.opts.AmbiguityPolicy == config.AmbiguityReject {
			c.metrics.controlOp(op, "ambiguous")
			return nil, Result{Query: query, Candidates: m.Candidates, Ambiguous: true},
				&AmbiguityError{Query: query, Candidates: m.Candidates}
		}
		c.logger.Warn("Short identity matched several workers, using the latest",
			"op", op, "query", query, "selected", res.Identity, "candidates", m.Candidates)
	}
	return m.Handle, res, nil
}

func (c *Controller) queueUpsert(ctx context.Context, identity string, fields Fields) {
	if fields.IsEmpty() {
		return
	}
	if err := c.persist.enqueue(ctx, writeJob{op: opUpsert, identity: identity, fields: fields}); err != nil {
		c.logger.Warn("Durable write not queued", "op", opUpsert, "worker_id", identity, "error", err)
	}
}

// Stop disables new trades on the matched worker. Its connection stays open.
func (c *Controller) Stop(ctx context.Context, query string) (Result, error) {
	if err := c.ready(); err != nil {
		return Result{Query: query}, err
	}
	h, res, err := c.resolve("stop", query)
	if err != nil || h == nil {
		return res, err
	}

	h.Do(func(w worker.Worker) {
		w.Stop()
		res.Counters = w.Snapshot()
	})

	running := false
	c.queueUpsert(ctx, h.Identity, Fields{IsRunning: &running})
	c.finishOp("stop", h.Identity, events.EventWorkerStopped, nil)
	return res, nil
}

// Start resets the session counters and resumes trading with the worker's
// current trade limit.
func (c *Controller) Start(ctx context.Context, query string) (Result, error) {
	if err := c.ready(); err != nil {
		return Result{Query: query}, err
	}
	h, res, err := c.resolve("start", query)
	if err != nil || h == nil {
		return res, err
	}

	h.Do(func(w worker.Worker) {
		w.ResetSession()
		w.Start(w.Snapshot().TradeLimit)
		res.Counters = w.Snapshot()
	})

	snap := res.Counters
	c.queueUpsert(ctx, h.Identity, Fields{
		IsRunning:     &snap.IsRunning,
		SessionProfit: &snap.SessionProfit,
		TradesToday:   &snap.TradesToday,
		Multiplier:    &snap.Multiplier,
	})
	c.finishOp("start", h.Identity, events.EventWorkerStarted, map[string]interface{}{"trade_limit": snap.TradeLimit})
	return res, nil
}

// SetLimit changes the matched worker's daily trade cap. Zero means unlimited.
func (c *Controller) SetLimit(ctx context.Context, query string, limit int) (Result, error) {
	if err := c.ready(); err != nil {
		return Result{Query: query}, err
	}
	if limit < 0 {
		return Result{Query: query}, ErrInvalidLimit
	}
	h, res, err := c.resolve("set_limit", query)
	if err != nil || h == nil {
		return res, err
	}

	h.Do(func(w worker.Worker) {
		w.SetTradeLimit(limit)
		res.Counters = w.Snapshot()
	})

	c.queueUpsert(ctx, h.Identity, Fields{TradeLimit: &limit})
	c.finishOp("set_limit", h.Identity, events.EventWorkerLimitSet, map[string]interface{}{"trade_limit": limit})
	return res, nil
}

// Terminate closes the worker's connection, forgets it, and deletes its record
func (c *Controller) Terminate(ctx context.Context, query string) (Result, error) {
	if err := c.ready(); err != nil {
		return Result{Query: query}, err
	}
	h, res, err := c.resolve("terminate", query)
	if err != nil || h == nil {
		return res, err
	}

	h.Do(func(w worker.Worker) {
		if err := w.Terminate(); err != nil {
			c.logger.Warn("Worker close reported an error", "worker_id", h.Identity, "error", err)
		}
		res.Counters = w.Snapshot()
	})

	if !c.registry.RemoveHandle(h) {
		// a concurrent terminate got there first
		c.metrics.controlOp("terminate", "not_found")
		return Result{Query: query}, nil
	}

	if err := c.persist.enqueue(ctx, writeJob{op: opDelete, identity: h.Identity}); err != nil {
		c.logger.Warn("Durable write not queued", "op", opDelete, "worker_id", h.Identity, "error", err)
	}
	c.finishOp("terminate", h.Identity, events.EventWorkerTerminated, nil)
	return res, nil
}

func (c *Controller) finishOp(op, identity string, eventType events.EventType, extra map[string]interface{}) {
	c.metrics.controlOp(op, "ok")
	c.metrics.observeRegistry(c.registry)
	c.logger.Info("Control operation applied", "op", op, "worker_id", identity)
	c.bus.PublishWorker(eventType, identity, extra)
}

// RecordSettlement mirrors a worker's counters after a settled trade. It is
// the observer handed to the worker factory.
func (c *Controller) RecordSettlement(identity string, counters worker.Counters) {
	if _, ok := c.registry.Get(identity); !ok {
		return
	}
	c.queueUpsert(context.Background(), identity, countersFields(counters))
	if counters.LimitReached() && !counters.IsRunning {
		c.metrics.observeRegistry(c.registry)
		c.logger.Info("Trade limit reached", "worker_id", identity, "trades_today", counters.TradesToday)
		c.bus.PublishWorker(events.EventWorkerStopped, identity, map[string]interface{}{"reason": "limit_reached"})
	}
}

// Workers lists every live worker in activation order
func (c *Controller) Workers() []WorkerStatus {
	handles := c.registry.List()
	out := make([]WorkerStatus, 0, len(handles))
	for _, h := range handles {
		out = append(out, statusOf(h))
	}
	return out
}

// Lookup resolves a full or short identity without changing anything
func (c *Controller) Lookup(query string) (WorkerStatus, Result, error) {
	if err := c.ready(); err != nil {
		return WorkerStatus{}, Result{Query: query}, err
	}
	h, res, err := c.resolve("lookup", query)
	if err != nil || h == nil {
		return WorkerStatus{}, res, err
	}
	st := statusOf(h)
	res.Counters = st.Counters
	return st, res, nil
}

func statusOf(h *registry.Handle) WorkerStatus {
	return WorkerStatus{
		Identity:    h.Identity,
		Connected:   h.Worker.Connected(),
		ActivatedAt: h.ActivatedAt,
		LastUsed:    h.LastUsed(),
		Counters:    h.Snapshot(),
	}
}
