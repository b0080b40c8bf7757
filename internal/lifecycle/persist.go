package lifecycle

import (
	"context"
	"sync"
	"time"

	"deriv-bot-manager/internal/credentials"
	"deriv-bot-manager/internal/events"
	"deriv-bot-manager/internal/logging"
	"deriv-bot-manager/internal/worker"

	"github.com/sourcegraph/conc"
)

const (
	opCreate = "create"
	opUpsert = "upsert"
	opDelete = "delete"
)

type writeJob struct {
	op       string
	identity string
	fields   Fields
	ref      credentials.Reference
	baseline worker.Counters

	// barrier jobs carry no write; the runner closes done when it reaches them
	done chan struct{}
}

// persister applies durable writes in submission order on a single goroutine.
// A failed write is reported and dropped; it is never retried or rolled back.
type persister struct {
	store   Store
	timeout time.Duration
	logger  *logging.Logger
	metrics *Metrics
	bus     *events.EventBus

	mu     sync.RWMutex
	closed bool
	jobs   chan writeJob

	failures chan *DurableWriteError
	wg       conc.WaitGroup
}

func newPersister(store Store, queueSize int, timeout time.Duration, logger *logging.Logger, metrics *Metrics, bus *events.EventBus) *persister {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &persister{
		store:    store,
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
		bus:      bus,
		jobs:     make(chan writeJob, queueSize),
		failures: make(chan *DurableWriteError, 64),
	}
	p.wg.Go(p.run)
	return p
}

// enqueue hands a write to the runner. It only blocks while the queue is full.
func (p *persister) enqueue(ctx context.Context, job writeJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrControllerClosed
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		if job.done == nil {
			p.report(&DurableWriteError{Op: job.op, Identity: job.identity, Err: ctx.Err()})
		}
		return ctx.Err()
	}
}

func (p *persister) run() {
	for job := range p.jobs {
		if job.done != nil {
			close(job.done)
			continue
		}
		p.apply(job)
	}
}

func (p *persister) apply(job writeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var err error
	switch job.op {
	case opCreate:
		err = p.store.Create(ctx, job.identity, job.ref, job.baseline)
	case opUpsert:
		err = p.store.Upsert(ctx, job.identity, job.fields)
	case opDelete:
		err = p.store.Delete(ctx, job.identity)
	}

	if err != nil {
		p.report(&DurableWriteError{Op: job.op, Identity: job.identity, Err: err})
		return
	}
	p.metrics.durableWrite(job.op, "ok")
	p.logger.Debug("Durable write applied", "op", job.op, "worker_id", job.identity)
}

func (p *persister) report(werr *DurableWriteError) {
	p.metrics.durableWrite(werr.Op, "error")
	p.logger.Error("Durable write failed", "op", werr.Op, "worker_id", werr.Identity, "error", werr.Err)
	p.bus.PublishWorker(events.EventDurableWriteFail, werr.Identity, map[string]interface{}{
		"op":    werr.Op,
		"error": werr.Err.Error(),
	})
	select {
	case p.failures <- werr:
	default:
		// nobody is draining; the failure is already logged and counted
	}
}

// flush waits until every write queued before the call has been applied
func (p *persister) flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := p.enqueue(ctx, writeJob{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting writes and drains what is queued
func (p *persister) close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
