// Package networking implements NetworkingActor: a thin settings-driven
// listener with no teacher equivalent beyond the shared command-actor
// scaffolding -- intentionally minimal, per spec.md's small share of the
// peripheral-actor budget.
package networking

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mecha-agent/agent/internal/events"
)

const settingsKey = "networking.config"

// Config is the parsed value of the networking.config setting.
type Config struct {
	MTU        int    `json:"mtu,omitempty"`
	ListenAddr string `json:"listen_addr,omitempty"`
}

// Actor holds the last Config it observed via Settings(Updated) events.
type Actor struct {
	bus *events.Bus
	log *slog.Logger

	mu      sync.RWMutex
	current Config
}

// New creates a NetworkingActor.
func New(bus *events.Bus, log *slog.Logger) *Actor {
	return &Actor{bus: bus, log: log}
}

// Current returns the most recently applied networking configuration.
func (a *Actor) Current() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Run reacts to Settings(Updated) events carrying networking.config until
// ctx is cancelled.
func (a *Actor) Run(ctx context.Context) error {
	busEvents, cancelSub := a.bus.Subscribe()
	defer cancelSub()

	for {
		select {
		case evt, ok := <-busEvents:
			if !ok {
				return nil
			}
			if evt.Kind == events.KindSettingsUpdated && evt.Settings.Key == settingsKey {
				var cfg Config
				if err := json.Unmarshal([]byte(evt.Settings.New), &cfg); err != nil {
					a.log.Error("parse networking.config failed", "error", err)
					continue
				}
				a.mu.Lock()
				a.current = cfg
				a.mu.Unlock()
			}
		case <-ctx.Done():
			return nil
		}
	}
}
