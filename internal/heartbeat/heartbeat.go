// Package heartbeat implements HeartbeatActor: a periodic liveness
// publisher on a subject derived from the machine id. Grounded on the
// teacher's cmd/sentinel/main.go session-cleanup goroutine
// (time.NewTicker paired with a select against ctx.Done()).
package heartbeat

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/mecha-agent/agent/internal/actor"
	"github.com/mecha-agent/agent/internal/clock"
	"github.com/mecha-agent/agent/internal/events"
	"github.com/mecha-agent/agent/internal/identity"
	"github.com/mecha-agent/agent/internal/messaging"
	"github.com/mecha-agent/agent/internal/metrics"
)

// DefaultInterval is the liveness tick New sets on Actor.Interval; callers
// may change Interval before Run. The agent config has no heartbeat key.
const DefaultInterval = 30 * time.Second

// Subject returns the broker subject a machine publishes liveness to.
func Subject(machineID string) string {
	digest := sha256.Sum256([]byte(machineID))
	return fmt.Sprintf("heartbeat.%x", digest[:])
}

// Actor ticks on Interval, publishing a liveness payload once the machine
// is provisioned and connected.
type Actor struct {
	Interval time.Duration
	Clock    clock.Clock

	bus               *events.Bus
	identityCommands  chan<- actor.Envelope[identity.Request, identity.Response]
	messagingCommands chan<- actor.Envelope[messaging.Command, messaging.CommandReply]
	metrics           *metrics.Metrics
	log               *slog.Logger
}

// New creates a HeartbeatActor with DefaultInterval. reg may be nil, in
// which case heartbeats are sent without being counted.
func New(bus *events.Bus, identityCommands chan<- actor.Envelope[identity.Request, identity.Response], messagingCommands chan<- actor.Envelope[messaging.Command, messaging.CommandReply], reg *metrics.Metrics, log *slog.Logger) *Actor {
	return &Actor{
		Interval:          DefaultInterval,
		Clock:             clock.Real{},
		bus:               bus,
		identityCommands:  identityCommands,
		messagingCommands: messagingCommands,
		metrics:           reg,
		log:               log,
	}
}

// Run ticks until ctx is cancelled.
func (a *Actor) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.beat(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Actor) beat(ctx context.Context) {
	machineID, err := identity.GetMachineID(ctx, a.identityCommands)
	if err != nil {
		return
	}

	payload := []byte(fmt.Sprintf(`{"machine_id":%q,"timestamp":%q}`, machineID, a.Clock.Now().UTC().Format(time.RFC3339)))

	env := actor.NewEnvelope[messaging.Command, messaging.CommandReply](messaging.Command{
		Kind:    messaging.CommandSend,
		Subject: Subject(machineID),
		Data:    payload,
	})
	a.messagingCommands <- env
	if _, err := actor.Await(ctx, env.Reply); err != nil {
		a.log.Warn("heartbeat publish failed", "error", err)
		return
	}
	if a.metrics != nil {
		a.metrics.HeartbeatsSentTotal.Inc()
	}
}
