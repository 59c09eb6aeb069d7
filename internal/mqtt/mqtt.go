// Package mqtt wraps the paho client behind the narrow surface the rest of
// the service needs, and owns the connection lifecycle: one long-lived
// connection, reconnect handled by the transport, subscriptions replayed on
// every (re)connect since a clean-session broker forgets them.
package mqtt

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// ConnState is the lifecycle state observable by the rest of the service.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	ConnError
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ConnError:
		return "error"
	default:
		return "disconnected"
	}
}

const (
	connectTimeout = 15 * time.Second
	publishTimeout = 10 * time.Second
)

var ErrTimeout = errors.New("mqtt operation timed out")

// Message is the inbound message surface handlers see.
type Message interface {
	Topic() string
	Payload() []byte
	Retained() bool
}

type Handler func(Message)

// Publisher is the outbound surface. Command senders depend on this
// instead of the full client so they are trivially testable.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// clientAPI is the slice of the paho client this wrapper drives. Tests
// substitute a fake to exercise the lifecycle without a broker.
type clientAPI interface {
	Connect() paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Client owns the single broker connection. Lifecycle calls (Connect,
// Close) are not safe for concurrent use; main wiring serializes them.
// Publish and Subscribe may be called from any goroutine.
type Client struct {
	cli clientAPI

	mu    sync.RWMutex
	state ConnState
	subs  map[string]Handler
	watch []chan ConnState
}

// Connect dials the broker and blocks until the first connection attempt
// resolves. After that the transport reconnects on its own with backoff,
// and registered subscriptions are replayed on each reconnect.
func Connect(brokerURL, clientID string) (*Client, error) {
	c := &Client{subs: map[string]Handler{}}

	opts := paho.NewClientOptions()
	url := strings.TrimSpace(brokerURL)
	if strings.HasPrefix(url, "mqtt://") {
		url = "tcp://" + strings.TrimPrefix(url, "mqtt://")
	}
	opts.AddBroker(url)
	if strings.TrimSpace(clientID) == "" {
		clientID = "energy-hub-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	if strings.HasPrefix(url, "ssl://") || strings.HasPrefix(url, "tls://") {
		// TODO: tighten once the broker serves a real certificate.
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}

	opts.OnConnect = func(_ paho.Client) {
		slog.Info("mqtt connected", "broker", brokerURL)
		c.handleConnect()
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
		c.handleConnectionLost()
	}

	c.setState(Connecting)
	c.cli = paho.NewClient(opts)
	tok := c.cli.Connect()
	if ok := tok.WaitTimeout(connectTimeout); !ok {
		c.setState(ConnError)
		return nil, ErrTimeout
	}
	if err := tok.Error(); err != nil {
		c.setState(ConnError)
		return nil, err
	}
	return c, nil
}

// handleConnect runs on every successful (re)connect: the broker forgets
// clean-session subscriptions, so every registered topic is replayed.
func (c *Client) handleConnect() {
	c.setState(Connected)
	c.resubscribe()
}

func (c *Client) handleConnectionLost() {
	c.setState(Disconnected)
}

// State returns the current lifecycle state.
func (c *Client) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// StateUpdates returns a channel receiving every state transition in
// order. Callers waiting for "connected" watch this instead of polling.
func (c *Client) StateUpdates() <-chan ConnState {
	ch := make(chan ConnState, 4)
	c.mu.Lock()
	c.watch = append(c.watch, ch)
	c.mu.Unlock()
	return ch
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	watch := make([]chan ConnState, len(c.watch))
	copy(watch, c.watch)
	c.mu.Unlock()
	for _, ch := range watch {
		select {
		case ch <- s:
		default:
		}
	}
}

// Subscribe registers the handler and subscribes now if connected. The
// registration survives reconnects.
func (c *Client) Subscribe(t string, h Handler) error {
	c.mu.Lock()
	c.subs[t] = h
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.subscribe(t, h)
}

func (c *Client) subscribe(t string, h Handler) error {
	tok := c.cli.Subscribe(t, 1, func(_ paho.Client, m paho.Message) { h(m) })
	if ok := tok.WaitTimeout(publishTimeout); !ok {
		return ErrTimeout
	}
	if err := tok.Error(); err != nil {
		return err
	}
	slog.Info("mqtt subscribed", "topic", t)
	return nil
}

func (c *Client) resubscribe() {
	c.mu.RLock()
	subs := make(map[string]Handler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.RUnlock()
	for t, h := range subs {
		if err := c.subscribe(t, h); err != nil {
			slog.Error("mqtt resubscribe failed", "topic", t, "error", err)
		}
	}
}

// Publish sends one message at QoS 1, fire-and-forget with a bounded
// wait. Failures are logged by callers; no retry happens here.
func (c *Client) Publish(topic string, payload []byte) error {
	tok := c.cli.Publish(topic, 1, false, payload)
	if ok := tok.WaitTimeout(publishTimeout); !ok {
		return ErrTimeout
	}
	return tok.Error()
}

// Close disconnects best-effort; locally this always succeeds.
func (c *Client) Close() {
	if c == nil || c.cli == nil {
		return
	}
	c.cli.Disconnect(1000)
	c.setState(Disconnected)
}
