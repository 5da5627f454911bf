// Package settings implements SettingsActor: the key-value store fronting
// the agent's runtime configuration (app_services.config, notify.*,
// networking.*). Grounded on the teacher's internal/store BoltDB
// bucket.Get/Put-wrapped-in-db.View/db.Update access pattern, adapted from
// container-update settings to a generic key -> value store. Set publishes
// SettingsUpdated when it changes a value; Delete publishes nothing.
package settings

import (
	"context"
	"fmt"

	"github.com/mecha-agent/agent/internal/actor"
	"github.com/mecha-agent/agent/internal/events"
	"github.com/mecha-agent/agent/internal/metrics"
	"github.com/mecha-agent/agent/internal/settingsstore"
)

// CommandKind enumerates the requests SettingsActor answers.
type CommandKind int

const (
	CommandGet CommandKind = iota
	CommandSet
	CommandDelete
	CommandKeys
)

// Command is the payload sent on the actor's channel.
type Command struct {
	Kind  CommandKind
	Key   string
	Value string
}

// CommandReply carries whichever result field matches the Command Kind.
type CommandReply struct {
	Value string
	Found bool
	Keys  []string
	OK    bool
}

// Actor wraps a settingsstore.Store, publishing SettingsUpdated whenever a
// Set call changes a value.
type Actor struct {
	store    *settingsstore.Store
	bus      *events.Bus
	metrics  *metrics.Metrics
	commands chan actor.Envelope[Command, CommandReply]
}

// New creates a SettingsActor backed by store. reg may be nil, in which
// case settings writes are not counted.
func New(store *settingsstore.Store, bus *events.Bus, reg *metrics.Metrics) *Actor {
	return &Actor{
		store:    store,
		bus:      bus,
		metrics:  reg,
		commands: make(chan actor.Envelope[Command, CommandReply], 32),
	}
}

// Commands returns the channel other actors send requests on.
func (a *Actor) Commands() chan<- actor.Envelope[Command, CommandReply] {
	return a.commands
}

// Run processes commands until ctx is cancelled.
func (a *Actor) Run(ctx context.Context) error {
	for {
		select {
		case env, ok := <-a.commands:
			if !ok {
				return nil
			}
			env.Reply <- a.handle(env.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Actor) handle(cmd Command) actor.Result[CommandReply] {
	switch cmd.Kind {
	case CommandGet:
		value, found, err := a.store.Get(cmd.Key)
		if err != nil {
			return actor.Result[CommandReply]{Err: err}
		}
		return actor.Result[CommandReply]{Value: CommandReply{Value: value, Found: found}}

	case CommandSet:
		existing, existed, err := a.store.Set(cmd.Key, cmd.Value)
		if err != nil {
			return actor.Result[CommandReply]{Err: err}
		}
		if !existed || existing != cmd.Value {
			a.bus.Publish(events.Event{
				Kind: events.KindSettingsUpdated,
				Settings: events.SettingsUpdate{
					Key:      cmd.Key,
					Existing: existing,
					New:      cmd.Value,
				},
			})
		}
		if a.metrics != nil {
			a.metrics.SettingsWritesTotal.Inc()
		}
		return actor.Result[CommandReply]{Value: CommandReply{OK: true}}

	case CommandDelete:
		if err := a.store.Delete(cmd.Key); err != nil {
			return actor.Result[CommandReply]{Err: err}
		}
		return actor.Result[CommandReply]{Value: CommandReply{OK: true}}

	case CommandKeys:
		keys, err := a.store.Keys()
		if err != nil {
			return actor.Result[CommandReply]{Err: err}
		}
		return actor.Result[CommandReply]{Value: CommandReply{Keys: keys}}

	default:
		return actor.Result[CommandReply]{Err: fmt.Errorf("settings: unknown command kind %d", cmd.Kind)}
	}
}

// Get sends a Get request and awaits the reply.
func Get(ctx context.Context, commands chan<- actor.Envelope[Command, CommandReply], key string) (string, bool, error) {
	env := actor.NewEnvelope[Command, CommandReply](Command{Kind: CommandGet, Key: key})
	commands <- env
	reply, err := actor.Await(ctx, env.Reply)
	if err != nil {
		return "", false, err
	}
	return reply.Value, reply.Found, nil
}

// Set sends a Set request and awaits the reply.
func Set(ctx context.Context, commands chan<- actor.Envelope[Command, CommandReply], key, value string) error {
	env := actor.NewEnvelope[Command, CommandReply](Command{Kind: CommandSet, Key: key, Value: value})
	commands <- env
	_, err := actor.Await(ctx, env.Reply)
	return err
}
