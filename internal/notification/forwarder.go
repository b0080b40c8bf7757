package notification

import (
	"fmt"

	"deriv-bot-manager/internal/events"
	"deriv-bot-manager/internal/logging"
)

// Forwarder turns lifecycle events into admin notifications
type Forwarder struct {
	manager *Manager
	logger  *logging.Logger
}

func NewForwarder(manager *Manager) *Forwarder {
	return &Forwarder{manager: manager, logger: logging.WithComponent("notification")}
}

// Attach subscribes the forwarder to every event on bus
func (f *Forwarder) Attach(bus *events.EventBus) {
	bus.SubscribeAll(f.Handle)
}

// Handle sends the notification for one event. Events without one are dropped.
func (f *Forwarder) Handle(e events.Event) {
	n := render(e)
	if n == nil {
		return
	}
	if err := f.manager.Send(n); err != nil {
		f.logger.Warn("Notification delivery failed", "event", string(e.Type), "error", err)
	}
}

func render(e events.Event) *Notification {
	id, _ := e.Data["worker_id"].(string)
	n := &Notification{WorkerID: id, Timestamp: e.Timestamp}

	switch e.Type {
	case events.EventWorkerActivated:
		n.Type = NotifyActivated
		n.Title = "🚀 Bot activated"
		n.Message = fmt.Sprintf("Worker `%s` is online (via %v)", id, e.Data["source"])
	case events.EventWorkerStopped:
		n.Type = NotifyStopped
		n.Title = "⏸ Bot stopped"
		if e.Data["reason"] == "limit_reached" {
			n.Message = fmt.Sprintf("Worker `%s` reached its daily trade limit", id)
		} else {
			n.Message = fmt.Sprintf("Worker `%s` stopped trading", id)
		}
	case events.EventWorkerStarted:
		n.Type = NotifyStarted
		n.Title = "▶️ Bot started"
		n.Message = fmt.Sprintf("Worker `%s` started a new session", id)
	case events.EventWorkerTerminated:
		n.Type = NotifyTerminated
		n.Title = "🗑 Bot deleted"
		n.Message = fmt.Sprintf("Worker `%s` was terminated and its record removed", id)
	case events.EventPendingStaged:
		n.Type = NotifyPending
		n.Title = "🔔 New subscriber waiting"
		n.Message = fmt.Sprintf("Pending id `%s` awaits approval. Reply /approve %s", id, id)
		if ref, ok := e.Data["payment_ref"].(string); ok && ref != "" {
			n.Message += fmt.Sprintf("\nPayment ref: %s", ref)
		}
	case events.EventDurableWriteFail:
		n.Type = NotifyError
		n.Title = "⚠️ Database write failed"
		n.Message = fmt.Sprintf("%v for `%s`: %v", e.Data["op"], id, e.Data["error"])
	case events.EventReconcileComplete:
		n.Type = NotifyInfo
		n.Title = "✅ Fleet restored"
		n.Message = fmt.Sprintf("Loaded %v records, activated %v, skipped %v",
			e.Data["loaded"], e.Data["activated"], e.Data["skipped"])
	case events.EventError:
		n.Type = NotifyError
		n.Title = "⚠️ Error"
		n.Message = fmt.Sprintf("%v: %v", e.Data["message"], e.Data["error"])
	default:
		return nil
	}
	return n
}
