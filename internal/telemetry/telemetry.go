// Package telemetry implements TelemetryActor: it publishes Prometheus
// gauge snapshots over the broker only while MessagingConnected is latched
// true (log records are not forwarded), and fans out lifecycle events to
// any configured notify.Notifier. Grounded on the teacher's
// internal/metrics gauges (renamed sentinel_* -> agent_*) and
// internal/notify's MQTT/Webhook notifiers.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mecha-agent/agent/internal/actor"
	"github.com/mecha-agent/agent/internal/clock"
	"github.com/mecha-agent/agent/internal/events"
	"github.com/mecha-agent/agent/internal/messaging"
	"github.com/mecha-agent/agent/internal/metrics"
	"github.com/mecha-agent/agent/internal/notify"
)

// DefaultPublishInterval is how often metrics are snapshotted and
// published while connected.
const DefaultPublishInterval = 60 * time.Second

// Subject returns the broker subject telemetry payloads are published on.
func Subject(machineID string) string {
	digest := sha256.Sum256([]byte(machineID))
	return fmt.Sprintf("telemetry.%x", digest[:])
}

// Actor reports on a shared *metrics.Metrics registry and holds an
// optional notifier chain.
type Actor struct {
	PublishInterval time.Duration

	// TextfilePath, if set, is written on every snapshot tick in the
	// node_exporter textfile-collector format, in addition to the broker
	// publish.
	TextfilePath string
	Clock        clock.Clock

	metrics  *metrics.Metrics
	notifier *notify.Multi
	bus      *events.Bus
	log      *slog.Logger

	messagingCommands chan<- actor.Envelope[messaging.Command, messaging.CommandReply]

	connected bool
	machineID string
}

// New creates a TelemetryActor reporting on reg, the single registry the
// supervisor constructs and hands to every actor that increments a
// counter (HeartbeatActor, AppServiceActor, ProvisioningActor,
// SettingsActor). notifier may be nil -- lifecycle notifications are then
// a no-op.
func New(bus *events.Bus, messagingCommands chan<- actor.Envelope[messaging.Command, messaging.CommandReply], reg *metrics.Metrics, notifier *notify.Multi, log *slog.Logger) *Actor {
	return &Actor{
		PublishInterval:   DefaultPublishInterval,
		Clock:             clock.Real{},
		metrics:           reg,
		notifier:          notifier,
		bus:               bus,
		log:               log,
		messagingCommands: messagingCommands,
	}
}

// Metrics exposes the registry the actor reports on. cmd/agent does not
// serve it over HTTP.
func (a *Actor) Metrics() *metrics.Metrics {
	return a.metrics
}

// Run reacts to bus events and ticks a metrics snapshot publish while
// connected, until ctx is cancelled.
func (a *Actor) Run(ctx context.Context) error {
	busEvents, cancelSub := a.bus.Subscribe()
	defer cancelSub()

	ticker := time.NewTicker(a.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-busEvents:
			if !ok {
				return nil
			}
			a.react(ctx, evt)

		case <-ticker.C:
			if a.connected {
				a.publishSnapshot(ctx)
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Actor) react(ctx context.Context, evt events.Event) {
	if evt.MachineID != "" {
		a.machineID = evt.MachineID
	}

	switch evt.Kind {
	case events.KindMessagingConnected, events.KindMessagingReconnected:
		a.connected = true
		a.metrics.MessagingConnected.Set(1)
		if evt.Kind == events.KindMessagingReconnected {
			a.metrics.ReconnectsTotal.Inc()
		}
	case events.KindMessagingDisconnect, events.KindNatsDisconnected:
		a.connected = false
		a.metrics.MessagingConnected.Set(0)
	}

	a.notify(ctx, evt)
}

func (a *Actor) notify(ctx context.Context, evt events.Event) {
	if a.notifier == nil {
		return
	}

	notifyType, ok := map[events.Kind]notify.EventType{
		events.KindProvisioned:          notify.EventProvisioned,
		events.KindDeprovisioned:        notify.EventDeprovisioned,
		events.KindMessagingConnected:   notify.EventMessagingConnected,
		events.KindMessagingReconnected: notify.EventMessagingReconnected,
		events.KindMessagingDisconnect:  notify.EventMessagingDisconnect,
		events.KindNatsServerError:      notify.EventNatsServerError,
	}[evt.Kind]
	if !ok {
		return
	}

	errMsg := ""
	if evt.Err != nil {
		errMsg = evt.Err.Error()
	}
	a.notifier.Notify(ctx, notify.Event{
		Type:      notifyType,
		MachineID: evt.MachineID,
		Error:     errMsg,
		Timestamp: a.Clock.Now(),
	})
}

func (a *Actor) publishSnapshot(ctx context.Context) {
	if a.machineID == "" {
		return
	}

	if a.TextfilePath != "" {
		if err := a.metrics.WriteTextfile(a.TextfilePath); err != nil {
			a.log.Error("write metrics textfile failed", "path", a.TextfilePath, "error", err)
		}
	}

	families, err := a.metrics.Registry.Gather()
	if err != nil {
		a.log.Error("gather telemetry metrics failed", "error", err)
		return
	}

	snapshot := make(map[string]float64, len(families))
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				snapshot[fam.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				snapshot[fam.GetName()] = m.GetCounter().GetValue()
			}
		}
	}

	payload, err := json.Marshal(struct {
		MachineID string             `json:"machine_id"`
		Timestamp time.Time          `json:"timestamp"`
		Metrics   map[string]float64 `json:"metrics"`
	}{MachineID: a.machineID, Timestamp: a.Clock.Now(), Metrics: snapshot})
	if err != nil {
		a.log.Error("marshal telemetry snapshot failed", "error", err)
		return
	}

	env := actor.NewEnvelope[messaging.Command, messaging.CommandReply](messaging.Command{
		Kind:    messaging.CommandSend,
		Subject: Subject(a.machineID),
		Data:    payload,
	})
	a.messagingCommands <- env
	if _, err := actor.Await(ctx, env.Reply); err != nil {
		a.log.Warn("telemetry publish failed", "error", err)
	}
}
