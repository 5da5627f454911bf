// Package messaging implements the authenticated broker connection
// (MessagingClient) and the actor that drives it (MessagingActor).
// MessagingClient is grounded on github.com/nats-io/nats.go, wired the
// way other_examples' jrepp-prism-data-layer patterns/nats/nats.go wires
// it: an options slice built from config, with reconnect/disconnect/error
// handlers installed at Connect time that publish lifecycle events onto
// the shared bus. Authentication is grounded on
// original_source/messaging/src/service.rs.
package messaging

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mecha-agent/agent/internal/events"
)

// ConnectOptions is the messaging connection descriptor: broker address,
// service URL, nonce/token endpoints, the event to emit on success
// (Connected vs Reconnected), and the resolved machine id. The private
// key is passed to Connect separately. MessagingActor builds a fresh
// ConnectOptions for each connect or reconnect.
type ConnectOptions struct {
	BrokerURL         string
	ServiceURL        string
	GetNonceURL       string
	IssueAuthTokenURL string
	MachineID         string
	EventOnSuccess    events.Kind // events.KindMessagingConnected or events.KindMessagingReconnected
}

// Client owns the broker connection. All broker operations fail with
// ErrNatsClientNotInitialized when invoked before a successful Connect.
type Client struct {
	bus        *events.Bus
	httpClient *http.Client

	mu   sync.RWMutex
	conn *nats.Conn
}

// NewClient creates a Client publishing lifecycle events onto bus.
func NewClient(bus *events.Bus) *Client {
	return &Client{bus: bus, httpClient: defaultHTTPClient}
}

// Connect authenticates against the backend, then opens a broker session
// under inbox prefix inbox.<sha256(machine_id)>. On success it publishes
// opts.EventOnSuccess.
func (c *Client) Connect(ctx context.Context, opts ConnectOptions, key *rsa.PrivateKey) error {
	token, err := authenticate(ctx, c.httpClient, opts.ServiceURL, opts.GetNonceURL, opts.IssueAuthTokenURL, opts.MachineID, key)
	if err != nil {
		return err
	}

	inboxPrefix := fmt.Sprintf("inbox.%x", sha256.Sum256([]byte(opts.MachineID)))

	natsOpts := []nats.Option{
		nats.Token(token),
		nats.CustomInboxPrefix(inboxPrefix),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.bus.Publish(events.Event{Kind: events.KindNatsConnected, MachineID: opts.MachineID, Timestamp: time.Now()})
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.bus.Publish(events.Event{Kind: events.KindNatsDisconnected, MachineID: opts.MachineID, Err: err, Timestamp: time.Now()})
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.bus.Publish(events.Event{Kind: events.KindNatsServerError, MachineID: opts.MachineID, Err: err, Timestamp: time.Now()})
		}),
	}

	conn, err := nats.Connect(opts.BrokerURL, natsOpts...)
	if err != nil {
		return &Error{Op: "connect", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	eventType := opts.EventOnSuccess
	if eventType == "" {
		eventType = events.KindMessagingConnected
	}
	c.bus.Publish(events.Event{Kind: eventType, MachineID: opts.MachineID, Timestamp: time.Now()})
	return nil
}

// Disconnect closes the broker session and publishes MessagingDisconnect.
func (c *Client) Disconnect(machineID string) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.bus.Publish(events.Event{Kind: events.KindMessagingDisconnect, MachineID: machineID, Timestamp: time.Now()})
}

func (c *Client) activeConn() (*nats.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, &Error{Op: "use connection", Err: ErrNatsClientNotInitialized}
	}
	return c.conn, nil
}

// Publish sends data to subject with optional headers.
func (c *Client) Publish(subject string, headers map[string]string, data []byte) (bool, error) {
	conn, err := c.activeConn()
	if err != nil {
		return false, err
	}

	msg := &nats.Msg{Subject: subject, Data: data}
	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}

	if err := conn.PublishMsg(msg); err != nil {
		return false, &Error{Op: fmt.Sprintf("publish %s", subject), Err: err}
	}
	return true, nil
}

// ChanSubscribe opens a subscription on subject, returning a receive-only
// channel of messages and a cancel function. The cancel function
// unsubscribes; after it returns, no further messages are dispatched
// (the cancellation handle semantics §5 requires).
func (c *Client) ChanSubscribe(subject string) (<-chan *nats.Msg, func() error, error) {
	conn, err := c.activeConn()
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *nats.Msg, 64)
	sub, err := conn.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, nil, &Error{Op: fmt.Sprintf("subscribe %s", subject), Err: err}
	}

	cancel := func() error {
		if err := sub.Unsubscribe(); err != nil {
			return &Error{Op: fmt.Sprintf("unsubscribe %s", subject), Err: err}
		}
		return nil
	}
	return ch, cancel, nil
}

// Request performs a broker request/reply, returning the reply payload.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	conn, err := c.activeConn()
	if err != nil {
		return nil, err
	}

	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, &Error{Op: fmt.Sprintf("request %s", subject), Err: err}
	}
	return msg.Data, nil
}

// InitJetStream returns a JetStream handle, obtained only so that
// out-of-core app-service code may later call it (§ glossary).
func (c *Client) InitJetStream() (nats.JetStreamContext, error) {
	conn, err := c.activeConn()
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		return nil, &Error{Op: "init jetstream", Err: err}
	}
	return js, nil
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}
