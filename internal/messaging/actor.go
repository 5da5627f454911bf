package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mecha-agent/agent/internal/actor"
	"github.com/mecha-agent/agent/internal/events"
	"github.com/mecha-agent/agent/internal/identity"
	"github.com/mecha-agent/agent/internal/pki"
)

// CommandKind enumerates the requests MessagingActor answers.
type CommandKind int

const (
	CommandSend CommandKind = iota
	CommandRequest
	CommandConnect
	CommandReconnect
	CommandSubscriber
	CommandInitJetStream
)

// Command is the payload sent on the actor's channel.
type Command struct {
	Kind    CommandKind
	Subject string
	Headers map[string]string
	Data    []byte
}

// CommandReply carries whichever result field matches the Command Kind.
type CommandReply struct {
	Sent      bool
	Response  []byte
	Sub       <-chan *nats.Msg
	Cancel    func() error
	JetStream nats.JetStreamContext
}

// Config is the static wiring MessagingActor needs to authenticate and
// connect: the data directory (for the private key), the backend service
// URL and auth endpoints, and the broker URL.
type Config struct {
	DataDir           string
	ServiceURL        string
	GetNonceURL       string
	IssueAuthTokenURL string
	BrokerURL         string
}

// Actor wraps a Client, reacting to Provisioned/Deprovisioned events to
// connect/teardown and to NatsDisconnected to reconnect. Grounded on
// original_source/messaging/src/handler.rs's command-enum-plus-event-
// reactions shape and the teacher's cluster/agent.Agent.runSession
// reconnect loop (recompute credentials on every reconnect).
type Actor struct {
	cfg    Config
	bus    *events.Bus
	client *Client
	log    *slog.Logger

	identityCommands chan<- actor.Envelope[identity.Request, identity.Response]
	commands         chan actor.Envelope[Command, CommandReply]
}

// New creates a MessagingActor. identityCommands is the channel used to
// resolve the machine id before every connect/reconnect.
func New(cfg Config, bus *events.Bus, identityCommands chan<- actor.Envelope[identity.Request, identity.Response], log *slog.Logger) *Actor {
	return &Actor{
		cfg:              cfg,
		bus:              bus,
		client:           NewClient(bus),
		log:              log,
		identityCommands: identityCommands,
		commands:         make(chan actor.Envelope[Command, CommandReply], 32),
	}
}

// Commands returns the channel other actors send requests on.
func (a *Actor) Commands() chan<- actor.Envelope[Command, CommandReply] {
	return a.commands
}

// Client exposes the underlying broker client. Other actors reach the
// broker through Commands instead (AppServiceActor subscribes with
// CommandSubscriber).
func (a *Actor) Client() *Client {
	return a.client
}

// Run processes commands and bus events until ctx is cancelled.
func (a *Actor) Run(ctx context.Context) error {
	busEvents, cancelSub := a.bus.Subscribe()
	defer cancelSub()

	for {
		select {
		case env, ok := <-a.commands:
			if !ok {
				return nil
			}
			env.Reply <- a.handle(ctx, env.Payload)

		case evt, ok := <-busEvents:
			if !ok {
				return nil
			}
			a.react(ctx, evt)

		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Actor) react(ctx context.Context, evt events.Event) {
	switch evt.Kind {
	case events.KindProvisioned:
		if err := a.connect(ctx, events.KindMessagingConnected); err != nil {
			a.log.Error("messaging connect after provision failed", "error", err)
		}
	case events.KindDeprovisioned:
		a.client.Disconnect(evt.MachineID)
	case events.KindNatsDisconnected:
		a.bus.Publish(events.Event{Kind: events.KindMessagingDisconnect, MachineID: evt.MachineID, Timestamp: time.Now()})
		if err := a.connect(ctx, events.KindMessagingReconnected); err != nil {
			a.log.Error("messaging reconnect failed", "error", err)
		}
	}
}

// connect recomputes the machine id, private key, and token on every
// call -- spec.md requires recomputation on every reconnect.
func (a *Actor) connect(ctx context.Context, onSuccess events.Kind) error {
	machineID, err := identity.GetMachineID(ctx, a.identityCommands)
	if err != nil {
		return fmt.Errorf("resolve machine id: %w", err)
	}

	keyPEM, err := os.ReadFile(filepath.Join(a.cfg.DataDir, "private_key.pem"))
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	key, err := pki.DecodeKeyPEM(keyPEM)
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}

	opts := ConnectOptions{
		BrokerURL:         a.cfg.BrokerURL,
		ServiceURL:        a.cfg.ServiceURL,
		GetNonceURL:       a.cfg.GetNonceURL,
		IssueAuthTokenURL: a.cfg.IssueAuthTokenURL,
		MachineID:         machineID,
		EventOnSuccess:    onSuccess,
	}
	return a.client.Connect(ctx, opts, key)
}

func (a *Actor) handle(ctx context.Context, cmd Command) actor.Result[CommandReply] {
	switch cmd.Kind {
	case CommandConnect:
		if err := a.connect(ctx, events.KindMessagingConnected); err != nil {
			return actor.Result[CommandReply]{Err: err}
		}
		return actor.Result[CommandReply]{Value: CommandReply{Sent: true}}

	case CommandReconnect:
		if err := a.connect(ctx, events.KindMessagingReconnected); err != nil {
			return actor.Result[CommandReply]{Err: err}
		}
		return actor.Result[CommandReply]{Value: CommandReply{Sent: true}}

	case CommandSend:
		ok, err := a.client.Publish(cmd.Subject, cmd.Headers, cmd.Data)
		if err != nil {
			return actor.Result[CommandReply]{Err: err}
		}
		return actor.Result[CommandReply]{Value: CommandReply{Sent: ok}}

	case CommandRequest:
		resp, err := a.client.Request(ctx, cmd.Subject, cmd.Data)
		if err != nil {
			return actor.Result[CommandReply]{Err: err}
		}
		return actor.Result[CommandReply]{Value: CommandReply{Response: resp}}

	case CommandSubscriber:
		sub, cancel, err := a.client.ChanSubscribe(cmd.Subject)
		if err != nil {
			return actor.Result[CommandReply]{Err: err}
		}
		return actor.Result[CommandReply]{Value: CommandReply{Sub: sub, Cancel: cancel}}

	case CommandInitJetStream:
		js, err := a.client.InitJetStream()
		if err != nil {
			return actor.Result[CommandReply]{Err: err}
		}
		return actor.Result[CommandReply]{Value: CommandReply{JetStream: js}}

	default:
		return actor.Result[CommandReply]{Err: fmt.Errorf("messaging: unknown command kind %d", cmd.Kind)}
	}
}
