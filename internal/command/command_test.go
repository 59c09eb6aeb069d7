package command

import "testing"

type fakePublisher struct {
	topics   []string
	payloads []string
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, string(payload))
	return nil
}

func TestSetRelayOn(t *testing.T) {
	pub := &fakePublisher{}
	if err := SetRelay(pub, "", "devA", true); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(pub.topics) != 1 {
		t.Fatalf("expected exactly one publish, got %d", len(pub.topics))
	}
	if pub.topics[0] != "dev/devA/relay/commands" {
		t.Fatalf("unexpected topic %q", pub.topics[0])
	}
	if pub.payloads[0] != "RELAY_ON" {
		t.Fatalf("unexpected payload %q", pub.payloads[0])
	}
}

func TestSetRelayOff(t *testing.T) {
	pub := &fakePublisher{}
	if err := SetRelay(pub, "dev", "heater", false); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if pub.topics[0] != "dev/heater/relay/commands" || pub.payloads[0] != "RELAY_OFF" {
		t.Fatalf("unexpected publish %q %q", pub.topics[0], pub.payloads[0])
	}
}
