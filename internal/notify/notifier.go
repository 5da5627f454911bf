// Package notify provides best-effort side-channel notifications for agent
// lifecycle events (provisioning, messaging connectivity). It never gates
// any of the agent's core behavior — a failing notifier only produces a log
// line.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType identifies which agent lifecycle transition triggered a
// notification.
type EventType string

const (
	EventProvisioned          EventType = "provisioned"
	EventDeprovisioned        EventType = "deprovisioned"
	EventMessagingConnected   EventType = "messaging_connected"
	EventMessagingReconnected EventType = "messaging_reconnected"
	EventMessagingDisconnect  EventType = "messaging_disconnected"
	EventNatsServerError      EventType = "nats_server_error"
)

// AllEventTypes returns all event types that can be filtered for notifications.
func AllEventTypes() []EventType {
	return []EventType{
		EventProvisioned,
		EventDeprovisioned,
		EventMessagingConnected,
		EventMessagingReconnected,
		EventMessagingDisconnect,
		EventNatsServerError,
	}
}

// Event represents a single lifecycle notification.
type Event struct {
	Type      EventType `json:"type"`
	MachineID string    `json:"machine_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier sends an Event to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans an event out to multiple notifiers. It never returns an error —
// failures are logged but never block the caller.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers. Returns true if at
// least one notifier succeeded (or none are configured).
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"machine_id", event.MachineID,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}
