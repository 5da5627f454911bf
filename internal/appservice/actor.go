package appservice

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mecha-agent/agent/internal/actor"
	"github.com/mecha-agent/agent/internal/events"
	"github.com/mecha-agent/agent/internal/messaging"
	"github.com/mecha-agent/agent/internal/metrics"
)

const settingsConfigKey = "app_services.config"

// Actor reconfigures the tunnel subscription whenever app_services.config
// changes and runs the request/data handler loop while a subscription is
// active. Grounded on spec.md §4.6 and
// original_source/app-services/src/service.rs's subscribe_to_nats +
// process_message pair.
type Actor struct {
	bus               *events.Bus
	messagingCommands chan<- actor.Envelope[messaging.Command, messaging.CommandReply]
	metrics           *metrics.Metrics
	log               *slog.Logger

	priorDNSName string
	cancelTunnel func() error
	reqMap       *RequestMap
}

// New creates an AppServiceActor. reg may be nil, in which case tunnel
// requests are dispatched without being counted.
func New(bus *events.Bus, messagingCommands chan<- actor.Envelope[messaging.Command, messaging.CommandReply], reg *metrics.Metrics, log *slog.Logger) *Actor {
	return &Actor{
		bus:               bus,
		messagingCommands: messagingCommands,
		metrics:           reg,
		log:               log,
		reqMap:            NewRequestMap(),
	}
}

// Run reacts to Settings(Updated) events until ctx is cancelled.
func (a *Actor) Run(ctx context.Context) error {
	busEvents, cancelSub := a.bus.Subscribe()
	defer cancelSub()
	defer func() {
		if a.cancelTunnel != nil {
			a.cancelTunnel()
		}
	}()

	for {
		select {
		case evt, ok := <-busEvents:
			if !ok {
				return nil
			}
			if evt.Kind == events.KindSettingsUpdated && evt.Settings.Key == settingsConfigKey {
				a.reconfigure(ctx, evt.Settings.New)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Actor) reconfigure(ctx context.Context, rawSettings string) {
	if a.cancelTunnel != nil {
		if err := a.cancelTunnel(); err != nil {
			a.log.Error("cancel prior tunnel subscription failed", "error", err)
		}
		a.cancelTunnel = nil
	}

	var cfg Settings
	if err := json.Unmarshal([]byte(rawSettings), &cfg); err != nil {
		a.log.Error("parse app_services.config failed", "error", err)
		return
	}

	if cfg.DNSName == "" {
		a.reconnectMessaging(ctx)
		a.priorDNSName = ""
		return
	}

	if cfg.DNSName != a.priorDNSName {
		a.reconnectMessaging(ctx)
	}
	a.priorDNSName = cfg.DNSName

	localPort := ""
	if len(cfg.PortMapping) > 0 {
		localPort = cfg.PortMapping[0].LocalPort
	}

	env := actor.NewEnvelope[messaging.Command, messaging.CommandReply](messaging.Command{
		Kind:    messaging.CommandSubscriber,
		Subject: GatewaySubject(cfg.DNSName),
	})
	a.messagingCommands <- env
	reply, err := actor.Await(ctx, env.Reply)
	if err != nil {
		a.log.Error("subscribe to tunnel gateway failed", "error", err)
		return
	}
	a.cancelTunnel = reply.Cancel

	go a.serve(ctx, reply.Sub, localPort)
}

func (a *Actor) reconnectMessaging(ctx context.Context) {
	env := actor.NewEnvelope[messaging.Command, messaging.CommandReply](messaging.Command{Kind: messaging.CommandReconnect})
	a.messagingCommands <- env
	if _, err := actor.Await(ctx, env.Reply); err != nil {
		a.log.Error("messaging reconnect for tunnel reconfiguration failed", "error", err)
	}
}

func (a *Actor) serve(ctx context.Context, sub <-chan *nats.Msg, localPort string) {
	for {
		select {
		case msg, ok := <-sub:
			if !ok {
				return
			}
			a.handleMessage(msg, localPort)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Actor) handleMessage(msg *nats.Msg, localPort string) {
	headers := headerMapOf(msg.Header)
	start := time.Now()

	switch {
	case strings.HasSuffix(msg.Subject, ".req"):
		_, resp, err := HandleEnvelope(a.reqMap, msg.Data, localPort)
		if err != nil {
			a.log.Warn("tunnel envelope handling failed", "subject", msg.Subject, "error", err)
			a.recordOutcome("error", start)
			return
		}
		if resp != nil {
			a.publishResponse(headers, resp)
			a.recordOutcome("ok", start)
		}

	case strings.HasSuffix(msg.Subject, ".data"):
		_, resp, err := HandleDataChunk(a.reqMap, msg.Subject, msg.Data, localPort)
		if err != nil {
			a.log.Warn("tunnel chunk handling failed", "subject", msg.Subject, "error", err)
			a.recordOutcome("error", start)
			return
		}
		if resp != nil {
			a.publishResponse(headers, resp)
			a.recordOutcome("ok", start)
		}
	}
}

func (a *Actor) recordOutcome(outcome string, start time.Time) {
	if a.metrics == nil {
		return
	}
	a.metrics.TunnelRequestsTotal.WithLabelValues(outcome).Inc()
	a.metrics.TunnelRequestDuration.Observe(time.Since(start).Seconds())
}

func (a *Actor) publishResponse(headers map[string]string, resp *http.Response) {
	ackSubject, err := ExtractAckSubject(headers)
	if err != nil {
		a.log.Warn("tunnel response has no Ack-To header, dropping", "error", err)
		return
	}

	body, err := EncodeResponse(resp)
	if err != nil {
		a.log.Error("encode tunnel response failed", "error", err)
		return
	}

	env := actor.NewEnvelope[messaging.Command, messaging.CommandReply](messaging.Command{
		Kind:    messaging.CommandSend,
		Subject: ackSubject,
		Data:    body,
	})
	a.messagingCommands <- env
	if _, err := actor.Await(context.Background(), env.Reply); err != nil {
		a.log.Error("publish tunnel response failed", "subject", ackSubject, "error", err)
	}
}

func headerMapOf(h nats.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
