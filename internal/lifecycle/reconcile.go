package lifecycle

import (
	"context"
	"fmt"
	"time"

	"deriv-bot-manager/internal/events"
)

// SkippedRecord is an active record that could not be brought online
type SkippedRecord struct {
	Identity string `json:"identity"`
	Reason   string `json:"reason"`
}

// ReconcileReport summarizes a startup reconciliation
type ReconcileReport struct {
	Loaded    int             `json:"loaded"`
	Activated int             `json:"activated"`
	Skipped   []SkippedRecord `json:"skipped,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// Reconcile rebuilds the live fleet from the durable store's active records.
// It runs once; control operations are refused until it has succeeded. A failed
// load leaves the controller unreconciled so the caller may try again.
func (c *Controller) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	if c.reconciled.Load() || !c.reconciling.CompareAndSwap(false, true) {
		return report, ErrAlreadyReconciled
	}

	started := time.Now()
	records, err := c.store.LoadActive(ctx)
	if err != nil {
		c.reconciling.Store(false)
		return report, fmt.Errorf("load active records: %w", err)
	}
	report.Loaded = len(records)

	for _, rec := range records {
		if !rec.Active {
			continue
		}
		res, err := c.activate(ctx, rec.Identity, rec.Credential, rec.Counters, SourceReconcile)
		if err != nil {
			c.logger.Warn("Skipping record during reconciliation", "worker_id", rec.Identity, "error", err)
			report.Skipped = append(report.Skipped, SkippedRecord{Identity: rec.Identity, Reason: err.Error()})
			continue
		}
		if res.Created {
			report.Activated++
		}
	}

	report.Duration = time.Since(started)
	c.reconciled.Store(true)
	c.metrics.observeRegistry(c.registry)
	c.logger.Info("Reconciliation complete",
		"loaded", report.Loaded,
		"activated", report.Activated,
		"skipped", len(report.Skipped),
		"duration", report.Duration.String())
	c.bus.Publish(events.Event{
		Type: events.EventReconcileComplete,
		Data: map[string]interface{}{
			"loaded":    report.Loaded,
			"activated": report.Activated,
			"skipped":   len(report.Skipped),
		},
	})
	return report, nil
}
