// Package supervisor wires every actor together and runs them until the
// parent context is cancelled. Grounded on
// original_source/agent/src/bin/agent.rs's init_services/init_*_service
// functions (one broadcast channel shared by all actors, each actor given
// its own bounded command channel and spawned independently) and the
// teacher's cmd/sentinel/main.go top-level goroutine wiring (signal-driven
// shutdown, per-goroutine error logging that never tears down siblings).
package supervisor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mecha-agent/agent/internal/appservice"
	"github.com/mecha-agent/agent/internal/config"
	"github.com/mecha-agent/agent/internal/events"
	"github.com/mecha-agent/agent/internal/heartbeat"
	"github.com/mecha-agent/agent/internal/identity"
	"github.com/mecha-agent/agent/internal/messaging"
	"github.com/mecha-agent/agent/internal/metrics"
	"github.com/mecha-agent/agent/internal/networking"
	"github.com/mecha-agent/agent/internal/notify"
	"github.com/mecha-agent/agent/internal/provisioning"
	"github.com/mecha-agent/agent/internal/settings"
	"github.com/mecha-agent/agent/internal/settingsstore"
	"github.com/mecha-agent/agent/internal/telemetry"
)

// Supervisor owns the event bus, the settings store, and every actor.
// Construction order mirrors the dependency order named in spec.md §5:
// identity has no dependencies; messaging depends on identity;
// provisioning/heartbeat/appservice/telemetry depend on messaging;
// networking and settings depend only on the bus and store.
type Supervisor struct {
	cfg   *config.Config
	log   *slog.Logger
	bus   *events.Bus
	store *settingsstore.Store

	Identity     *identity.Actor
	Messaging    *messaging.Actor
	Provisioning *provisioning.Actor
	AppService   *appservice.Actor
	Settings     *settings.Actor
	Heartbeat    *heartbeat.Actor
	Networking   *networking.Actor
	Telemetry    *telemetry.Actor

	Metrics *metrics.Metrics
}

// New constructs every actor, wiring each one's dependencies from the
// actors built before it. notifiers may be empty -- TelemetryActor then
// runs without any side-channel notification fan-out.
func New(cfg *config.Config, log *slog.Logger, store *settingsstore.Store, notifiers ...notify.Notifier) *Supervisor {
	bus := events.New()
	reg := metrics.New()

	identityActor := identity.New(cfg.DataDir)

	messagingActor := messaging.New(messaging.Config{
		DataDir:           cfg.DataDir,
		ServiceURL:        cfg.BackendService,
		GetNonceURL:       "/v1/auth/nonce",
		IssueAuthTokenURL: "/v1/auth/token",
		BrokerURL:         cfg.BrokerURL,
	}, bus, identityActor.Commands(), log)

	removeSettings := func() error { return store.RemoveAll() }
	provisioningActor := provisioning.New(provisioning.Config{
		ServiceURL: cfg.BackendService,
		DataDir:    cfg.DataDir,
	}, bus, identityActor.Commands(), messagingActor.Commands(), removeSettings, reg, log)

	appServiceActor := appservice.New(bus, messagingActor.Commands(), reg, log)

	settingsActor := settings.New(store, bus, reg)

	heartbeatActor := heartbeat.New(bus, identityActor.Commands(), messagingActor.Commands(), reg, log)

	networkingActor := networking.New(bus, log)

	var notifier *notify.Multi
	if len(notifiers) > 0 {
		notifier = notify.NewMulti(log, notifiers...)
	}
	telemetryActor := telemetry.New(bus, messagingActor.Commands(), reg, notifier, log)
	telemetryActor.TextfilePath = cfg.MetricsTextfilePath

	return &Supervisor{
		cfg:          cfg,
		log:          log,
		bus:          bus,
		store:        store,
		Identity:     identityActor,
		Messaging:    messagingActor,
		Provisioning: provisioningActor,
		AppService:   appServiceActor,
		Settings:     settingsActor,
		Heartbeat:    heartbeatActor,
		Networking:   networkingActor,
		Telemetry:    telemetryActor,
		Metrics:      reg,
	}
}

// Bus exposes the shared event bus, e.g. so the CLI can watch startup
// progress.
func (s *Supervisor) Bus() *events.Bus {
	return s.bus
}

// runner pairs a name (for error logging) with the actor's Run method.
type runner struct {
	name string
	run  func(context.Context) error
}

// Run launches every actor on its own goroutine and blocks until ctx is
// cancelled and all of them return. An actor that returns an error only
// logs it -- per spec.md, actors supervise themselves via the event bus
// and a failing sibling does not tear down the others.
func (s *Supervisor) Run(ctx context.Context) {
	runners := []runner{
		{"identity", s.Identity.Run},
		{"messaging", s.Messaging.Run},
		{"provisioning", s.Provisioning.Run},
		{"appservice", s.AppService.Run},
		{"settings", s.Settings.Run},
		{"heartbeat", s.Heartbeat.Run},
		{"networking", s.Networking.Run},
		{"telemetry", s.Telemetry.Run},
	}

	var wg sync.WaitGroup
	wg.Add(len(runners))
	for _, r := range runners {
		r := r
		go func() {
			defer wg.Done()
			if err := r.run(ctx); err != nil {
				s.log.Error("actor exited with error", "actor", r.name, "error", err)
			}
		}()
	}
	wg.Wait()
}
