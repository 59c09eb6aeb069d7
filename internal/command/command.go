// Package command translates user intents into outbound device commands.
package command

import (
	"fmt"

	"energy-hub/internal/mqtt"
)

const (
	relayOn  = "RELAY_ON"
	relayOff = "RELAY_OFF"
)

// SetRelay publishes a relay command for one device. It deliberately does
// not touch local state: the relay field only moves when the device
// confirms over relay/state, so the UI shows device truth, not wishes.
func SetRelay(pub mqtt.Publisher, prefix, deviceID string, on bool) error {
	if prefix == "" {
		prefix = "dev"
	}
	cmd := relayOff
	if on {
		cmd = relayOn
	}
	return pub.Publish(fmt.Sprintf("%s/%s/relay/commands", prefix, deviceID), []byte(cmd))
}
