package telemetry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mecha-agent/agent/internal/actor"
	"github.com/mecha-agent/agent/internal/events"
	"github.com/mecha-agent/agent/internal/messaging"
	"github.com/mecha-agent/agent/internal/metrics"
	"github.com/mecha-agent/agent/internal/notify"
)

type fakeNotifier struct {
	events []notify.Event
}

func (f *fakeNotifier) Send(_ context.Context, evt notify.Event) error {
	f.events = append(f.events, evt)
	return nil
}
func (f *fakeNotifier) Name() string { return "fake" }

func TestConnectedLatchTracksMessagingEvents(t *testing.T) {
	bus := events.New()
	messagingCommands := make(chan actor.Envelope[messaging.Command, messaging.CommandReply], 4)
	a := New(bus, messagingCommands, metrics.New(), nil, slog.Default())
	a.PublishInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	// Run subscribes to the bus when it starts; events published earlier
	// are not delivered to it.
	time.Sleep(20 * time.Millisecond)

	bus.Publish(events.Event{Kind: events.KindMessagingConnected, MachineID: "m1"})
	time.Sleep(20 * time.Millisecond)
	if !a.connected {
		t.Error("expected connected latch true after MessagingConnected")
	}

	bus.Publish(events.Event{Kind: events.KindMessagingDisconnect, MachineID: "m1"})
	time.Sleep(20 * time.Millisecond)
	if a.connected {
		t.Error("expected connected latch false after MessagingDisconnect")
	}
}

func TestPublishSnapshotOnlyWhileConnected(t *testing.T) {
	bus := events.New()
	messagingCommands := make(chan actor.Envelope[messaging.Command, messaging.CommandReply], 4)
	a := New(bus, messagingCommands, metrics.New(), nil, slog.Default())
	a.PublishInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)

	select {
	case <-messagingCommands:
		t.Fatal("should not publish telemetry before MessagingConnected")
	case <-time.After(50 * time.Millisecond):
	}

	bus.Publish(events.Event{Kind: events.KindMessagingConnected, MachineID: "m1"})

	select {
	case env := <-messagingCommands:
		if env.Payload.Kind != messaging.CommandSend {
			t.Errorf("command kind = %v, want CommandSend", env.Payload.Kind)
		}
		env.Reply <- actor.Result[messaging.CommandReply]{Value: messaging.CommandReply{Sent: true}}
	case <-time.After(time.Second):
		t.Fatal("expected a telemetry snapshot publish once connected")
	}
}

func TestLifecycleEventsFanOutToNotifier(t *testing.T) {
	bus := events.New()
	messagingCommands := make(chan actor.Envelope[messaging.Command, messaging.CommandReply], 4)
	fn := &fakeNotifier{}
	notifier := notify.NewMulti(testLogger{}, fn)

	a := New(bus, messagingCommands, metrics.New(), notifier, slog.Default())
	a.PublishInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	bus.Publish(events.Event{Kind: events.KindProvisioned, MachineID: "m1"})
	time.Sleep(20 * time.Millisecond)

	if len(fn.events) != 1 || fn.events[0].Type != notify.EventProvisioned {
		t.Errorf("fn.events = %+v, want one EventProvisioned notification", fn.events)
	}
}

func TestPublishSnapshotWritesTextfile(t *testing.T) {
	bus := events.New()
	messagingCommands := make(chan actor.Envelope[messaging.Command, messaging.CommandReply], 4)
	a := New(bus, messagingCommands, metrics.New(), nil, slog.Default())
	a.PublishInterval = 20 * time.Millisecond
	a.TextfilePath = filepath.Join(t.TempDir(), "agent.prom")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	bus.Publish(events.Event{Kind: events.KindMessagingConnected, MachineID: "m1"})

	select {
	case env := <-messagingCommands:
		env.Reply <- actor.Result[messaging.CommandReply]{Value: messaging.CommandReply{Sent: true}}
	case <-time.After(time.Second):
		t.Fatal("expected a telemetry snapshot publish once connected")
	}

	if _, err := os.Stat(a.TextfilePath); err != nil {
		t.Errorf("expected textfile at %s, stat error = %v", a.TextfilePath, err)
	}
}

type testLogger struct{}

func (testLogger) Info(msg string, args ...any)  {}
func (testLogger) Error(msg string, args ...any) {}

func TestNotifyIgnoresUnmappedEventKinds(t *testing.T) {
	bus := events.New()
	messagingCommands := make(chan actor.Envelope[messaging.Command, messaging.CommandReply], 4)
	fn := &fakeNotifier{}
	notifier := notify.NewMulti(testLogger{}, fn)

	a := New(bus, messagingCommands, metrics.New(), notifier, slog.Default())
	a.PublishInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)

	bus.Publish(events.Event{Kind: events.KindSettingsUpdated})
	time.Sleep(20 * time.Millisecond)

	if len(fn.events) != 0 {
		t.Errorf("expected no notifications for KindSettingsUpdated, got %+v", fn.events)
	}
}
