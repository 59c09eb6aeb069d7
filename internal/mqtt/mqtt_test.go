package mqtt

import (
	"errors"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken resolves immediately unless told otherwise.
type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.timeout {
		close(ch)
	}
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type subscribeCall struct {
	topic    string
	callback paho.MessageHandler
}

type fakeClient struct {
	subscribes   []subscribeCall
	publishes    []string
	subscribeTok *fakeToken
	publishTok   *fakeToken
}

func newFakeClient() *fakeClient {
	return &fakeClient{subscribeTok: &fakeToken{}, publishTok: &fakeToken{}}
}

func (f *fakeClient) Connect() paho.Token { return &fakeToken{} }
func (f *fakeClient) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	f.subscribes = append(f.subscribes, subscribeCall{topic: topic, callback: cb})
	return f.subscribeTok
}
func (f *fakeClient) Publish(topic string, _ byte, _ bool, _ interface{}) paho.Token {
	f.publishes = append(f.publishes, topic)
	return f.publishTok
}
func (f *fakeClient) Disconnect(uint) {}

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return m.retained }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func newTestClient(f *fakeClient) *Client {
	return &Client{cli: f, subs: map[string]Handler{}}
}

func TestSubscribeBeforeConnectReplaysOnConnect(t *testing.T) {
	f := newFakeClient()
	c := newTestClient(f)

	if err := c.Subscribe("dev/+/status", func(Message) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(f.subscribes) != 0 {
		t.Fatalf("subscribed while disconnected: %v", f.subscribes)
	}

	c.handleConnect()
	if c.State() != Connected {
		t.Fatalf("state = %v, want connected", c.State())
	}
	if len(f.subscribes) != 1 || f.subscribes[0].topic != "dev/+/status" {
		t.Fatalf("subscribes after connect = %v", f.subscribes)
	}
}

func TestRegistrationsReplayOnEveryReconnect(t *testing.T) {
	f := newFakeClient()
	c := newTestClient(f)
	c.handleConnect()

	if err := c.Subscribe("dev/+/status", func(Message) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Subscribe("dev/+/pzem/energy", func(Message) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(f.subscribes) != 2 {
		t.Fatalf("got %d subscribes while connected, want 2", len(f.subscribes))
	}

	c.handleConnectionLost()
	if c.State() != Disconnected {
		t.Fatalf("state after loss = %v, want disconnected", c.State())
	}

	c.handleConnect()
	if len(f.subscribes) != 4 {
		t.Fatalf("got %d subscribes after reconnect, want 4 (both topics replayed)", len(f.subscribes))
	}
	replayed := map[string]int{}
	for _, s := range f.subscribes {
		replayed[s.topic]++
	}
	if replayed["dev/+/status"] != 2 || replayed["dev/+/pzem/energy"] != 2 {
		t.Fatalf("replay counts = %v", replayed)
	}
}

func TestStateUpdatesDeliversTransitionsInOrder(t *testing.T) {
	f := newFakeClient()
	c := newTestClient(f)
	watch := c.StateUpdates()

	c.handleConnect()
	c.handleConnectionLost()
	c.handleConnect()

	want := []ConnState{Connected, Disconnected, Connected}
	for i, w := range want {
		select {
		case got := <-watch:
			if got != w {
				t.Fatalf("transition %d = %v, want %v", i, got, w)
			}
		default:
			t.Fatalf("transition %d never delivered", i)
		}
	}
}

func TestInboundMessagesReachTheHandler(t *testing.T) {
	f := newFakeClient()
	c := newTestClient(f)
	c.handleConnect()

	var got Message
	if err := c.Subscribe("dev/+/status", func(m Message) { got = m }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	f.subscribes[0].callback(nil, fakeMessage{topic: "dev/meter-1/status", payload: []byte("Online")})

	if got == nil {
		t.Fatal("handler never called")
	}
	if got.Topic() != "dev/meter-1/status" || string(got.Payload()) != "Online" {
		t.Errorf("handler saw %q %q", got.Topic(), got.Payload())
	}
}

func TestSubscribeErrorPropagates(t *testing.T) {
	f := newFakeClient()
	f.subscribeTok.err = errors.New("broker says no")
	c := newTestClient(f)
	c.handleConnect()

	if err := c.Subscribe("dev/+/status", func(Message) {}); err == nil {
		t.Fatal("expected subscribe error")
	}
}

func TestPublishTimeout(t *testing.T) {
	f := newFakeClient()
	f.publishTok.timeout = true
	c := newTestClient(f)
	c.handleConnect()

	if err := c.Publish("dev/meter-1/relay/commands", []byte("RELAY_ON")); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if len(f.publishes) != 1 {
		t.Fatalf("publishes = %v", f.publishes)
	}
}
