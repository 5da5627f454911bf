package provisioning

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mecha-agent/agent/internal/actor"
	"github.com/mecha-agent/agent/internal/events"
	"github.com/mecha-agent/agent/internal/identity"
	"github.com/mecha-agent/agent/internal/messaging"
	"github.com/mecha-agent/agent/internal/metrics"
)

// CommandKind enumerates requests ProvisioningActor answers directly
// (as opposed to the broker-triggered deprovision/re-issue it reacts to
// on its own).
type CommandKind int

const (
	CommandGenerateCode CommandKind = iota
	CommandProvisionByCode
	CommandDeprovision
)

// Command is the payload sent on the actor's channel.
type Command struct {
	Kind CommandKind
	Code string
}

// CommandReply carries the result of a Command.
type CommandReply struct {
	Code string
	OK   bool
}

// Config is the static wiring ProvisioningActor needs.
type Config struct {
	ServiceURL string
	DataDir    string
}

// Actor drives provisioning/deprovision and subscribes to the broker
// subjects a backend uses to request them remotely. Grounded on
// original_source/provisioning/src/service.rs's subscribe_to_nats
// (de-provision wins over a concurrent re-issue, matching spec.md's
// tie-break rule).
type Actor struct {
	cfg        Config
	bus        *events.Bus
	httpClient *http.Client
	metrics    *metrics.Metrics
	log        *slog.Logger

	identityCommands  chan<- actor.Envelope[identity.Request, identity.Response]
	messagingCommands chan<- actor.Envelope[messaging.Command, messaging.CommandReply]
	removeSettings    func() error

	commands chan actor.Envelope[Command, CommandReply]
}

// New creates a ProvisioningActor. reg may be nil, in which case
// provisioning attempts are not counted.
func New(cfg Config, bus *events.Bus, identityCommands chan<- actor.Envelope[identity.Request, identity.Response], messagingCommands chan<- actor.Envelope[messaging.Command, messaging.CommandReply], removeSettings func() error, reg *metrics.Metrics, log *slog.Logger) *Actor {
	return &Actor{
		cfg:               cfg,
		bus:               bus,
		httpClient:        &http.Client{Timeout: 15 * time.Second},
		metrics:           reg,
		log:               log,
		identityCommands:  identityCommands,
		messagingCommands: messagingCommands,
		removeSettings:    removeSettings,
		commands:          make(chan actor.Envelope[Command, CommandReply], 32),
	}
}

func (a *Actor) recordAttempt(outcome string) {
	if a.metrics == nil {
		return
	}
	a.metrics.ProvisioningAttempts.WithLabelValues(outcome).Inc()
}

// Commands returns the channel other actors send requests on.
func (a *Actor) Commands() chan<- actor.Envelope[Command, CommandReply] {
	return a.commands
}

// Run processes commands until ctx is cancelled. It tries to subscribe to
// the remote deprovision/re-issue subjects once, when it starts. If no
// machine id is available at that moment, those subjects are not listened
// on for the rest of Run, even after the machine is provisioned later.
func (a *Actor) Run(ctx context.Context) error {
	a.startRemoteSubscriptions(ctx)

	for {
		select {
		case env, ok := <-a.commands:
			if !ok {
				return nil
			}
			env.Reply <- a.handle(ctx, env.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Actor) startRemoteSubscriptions(ctx context.Context) {
	machineID, err := identity.GetMachineID(ctx, a.identityCommands)
	if err != nil {
		// Not yet provisioned -- nothing to subscribe to remote teardown
		// or re-issue for.
		return
	}

	go a.watchSubject(ctx, DeprovisionSubject(machineID), func() {
		if err := a.deprovision(machineID); err != nil {
			a.log.Error("remote deprovision failed", "error", err)
			a.recordAttempt("error")
			return
		}
		a.recordAttempt("ok")
	})
	go a.watchSubject(ctx, ReIssueCertificateSubject(machineID), func() {
		// A concurrent deprovision always wins: if the identity is gone
		// by the time re-issue would run, skip it.
		if provisioned, _ := identity.GetProvisionStatus(ctx, a.identityCommands); !provisioned {
			return
		}
		if err := ReIssueCertificate(ctx, a.httpClient, a.cfg.ServiceURL, machineID, a.cfg.DataDir); err != nil {
			a.log.Error("remote certificate re-issue failed", "error", err)
			a.recordAttempt("error")
			return
		}
		a.recordAttempt("ok")
	})
}

func (a *Actor) watchSubject(ctx context.Context, subject string, onMessage func()) {
	env := actor.NewEnvelope[messaging.Command, messaging.CommandReply](messaging.Command{
		Kind:    messaging.CommandSubscriber,
		Subject: subject,
	})
	a.messagingCommands <- env
	reply, err := actor.Await(ctx, env.Reply)
	if err != nil {
		a.log.Error("subscribe failed", "subject", subject, "error", err)
		return
	}
	defer reply.Cancel()

	for {
		select {
		case _, ok := <-reply.Sub:
			if !ok {
				return
			}
			onMessage()
		case <-ctx.Done():
			return
		}
	}
}

func (a *Actor) handle(ctx context.Context, cmd Command) actor.Result[CommandReply] {
	switch cmd.Kind {
	case CommandGenerateCode:
		code, err := GenerateCode()
		if err != nil {
			return actor.Result[CommandReply]{Err: err}
		}
		return actor.Result[CommandReply]{Value: CommandReply{Code: code}}

	case CommandProvisionByCode:
		if err := ProvisionByCode(ctx, a.httpClient, a.cfg.ServiceURL, a.cfg.DataDir, cmd.Code, a.bus); err != nil {
			a.recordAttempt("error")
			return actor.Result[CommandReply]{Err: err}
		}
		a.recordAttempt("ok")
		return actor.Result[CommandReply]{Value: CommandReply{OK: true}}

	case CommandDeprovision:
		machineID, err := identity.GetMachineID(ctx, a.identityCommands)
		if err != nil {
			return actor.Result[CommandReply]{Err: err}
		}
		if err := a.deprovision(machineID); err != nil {
			return actor.Result[CommandReply]{Err: err}
		}
		return actor.Result[CommandReply]{Value: CommandReply{OK: true}}

	default:
		return actor.Result[CommandReply]{Err: &Error{Op: "handle command", Err: ErrUnknown}}
	}
}

func (a *Actor) deprovision(machineID string) error {
	return Deprovision(a.cfg.DataDir, machineID, a.bus, a.removeSettings, a.log)
}
