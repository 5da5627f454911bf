package heartbeat

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mecha-agent/agent/internal/actor"
	"github.com/mecha-agent/agent/internal/events"
	"github.com/mecha-agent/agent/internal/identity"
	"github.com/mecha-agent/agent/internal/messaging"
	"github.com/mecha-agent/agent/internal/metrics"
)

func TestSubjectShape(t *testing.T) {
	subj := Subject("machine-1")
	if !strings.HasPrefix(subj, "heartbeat.") {
		t.Errorf("Subject() = %q, want heartbeat.<hash> shape", subj)
	}
}

func TestActorPublishesOnTick(t *testing.T) {
	bus := events.New()
	identityCommands := make(chan actor.Envelope[identity.Request, identity.Response], 4)
	messagingCommands := make(chan actor.Envelope[messaging.Command, messaging.CommandReply], 4)

	reg := metrics.New()
	a := New(bus, identityCommands, messagingCommands, reg, slog.Default())
	a.Interval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			select {
			case env := <-identityCommands:
				env.Reply <- actor.Result[identity.Response]{Value: identity.Response{MachineID: "machine-1"}}
			case <-ctx.Done():
				return
			}
		}
	}()

	published := make(chan messaging.Command, 4)
	go func() {
		for {
			select {
			case env := <-messagingCommands:
				published <- env.Payload
				env.Reply <- actor.Result[messaging.CommandReply]{Value: messaging.CommandReply{Sent: true}}
			case <-ctx.Done():
				return
			}
		}
	}()

	go a.Run(ctx)

	select {
	case cmd := <-published:
		if cmd.Subject != Subject("machine-1") {
			t.Errorf("published subject = %q, want %q", cmd.Subject, Subject("machine-1"))
		}
	case <-time.After(time.Second):
		t.Fatal("expected a heartbeat publish within the tick interval")
	}
}
