// Package notify publishes fire-and-forget notifications on the event bus.
// Delivery failures are logged and never reach the caller.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// Event is the payload of every notification.
type Event struct {
	Type      string            `json:"type"`
	TenantID  string            `json:"tenantId"`
	SubjectID string            `json:"subjectId"`
	Status    string            `json:"status,omitempty"`
	Amount    string            `json:"amount,omitempty"`
	Currency  string            `json:"currency,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	At        time.Time         `json:"at"`
}

// Dispatcher publishes events asynchronously.
type Dispatcher struct {
	bus     domain.EventBus
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A nil bus drops every event.
func NewDispatcher(bus domain.EventBus, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{bus: bus, timeout: timeout}
}

// Notify publishes evt on topic in the background.
func (d *Dispatcher) Notify(ctx context.Context, tenantID, topic string, evt Event) {
	if d == nil || d.bus == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	evt.TenantID = tenantID
	if evt.Type == "" {
		evt.Type = topic
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		slog.Error("failed to encode notification", "topic", topic, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		if err := d.bus.Publish(pubCtx, tenantID, topic, payload); err != nil {
			slog.Warn("notification dropped",
				"topic", topic,
				"tenant_id", tenantID,
				"subject_id", evt.SubjectID,
				"error", err,
			)
		}
	}()
}

// Flush waits for in-flight notifications.
func (d *Dispatcher) Flush() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
