// Package pzem decodes the telemetry payloads published by the PZEM power
// meter firmware. All decoders are fail-soft: a malformed payload reports
// !ok and the caller keeps whatever value it already had. A single corrupt
// live sample must never take the service down.
package pzem

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Metrics is an instantaneous electrical reading from pzem/metrics.
type Metrics struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
	Power   float64 `json:"power"`
}

// Status is the device online state from the status topic.
type Status int

const (
	StatusOffline Status = iota
	StatusOnline
)

func (s Status) String() string {
	if s == StatusOnline {
		return "online"
	}
	return "offline"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON round-trips the cached snapshot form; anything but
// "online" is offline.
func (s *Status) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*s = DecodeStatus([]byte(v))
	return nil
}

// Relay is the relay switch state from relay/state.
type Relay int

const (
	RelayOff Relay = iota
	RelayOn
)

func (r Relay) String() string {
	if r == RelayOn {
		return "on"
	}
	return "off"
}

func (r Relay) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

func (r *Relay) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if v == "on" {
		*r = RelayOn
	} else {
		*r = RelayOff
	}
	return nil
}

// DecodeMetrics parses a pzem/metrics payload: UTF-8 JSON with three
// numeric fields. Missing fields are rejected, not zero-filled, so a
// truncated payload cannot masquerade as a zero reading.
func DecodeMetrics(payload []byte) (Metrics, bool) {
	var raw struct {
		Voltage *float64 `json:"voltage"`
		Current *float64 `json:"current"`
		Power   *float64 `json:"power"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Metrics{}, false
	}
	if raw.Voltage == nil || raw.Current == nil || raw.Power == nil {
		return Metrics{}, false
	}
	return Metrics{Voltage: *raw.Voltage, Current: *raw.Current, Power: *raw.Power}, true
}

// DecodeEnergy parses a pzem/energy payload: the cumulative kWh counter as
// bare float text.
func DecodeEnergy(payload []byte) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// DecodeStatus parses a status payload. Unrecognized text defaults to
// offline rather than erroring; absence of proof of life is offline.
func DecodeStatus(payload []byte) Status {
	if strings.EqualFold(strings.TrimSpace(string(payload)), "online") {
		return StatusOnline
	}
	return StatusOffline
}

// DecodeRelay parses a relay/state payload: "1" is on, anything else off.
// Firmware appends a trailing newline to some publishes, so trim first.
func DecodeRelay(payload []byte) Relay {
	if strings.TrimSpace(string(payload)) == "1" {
		return RelayOn
	}
	return RelayOff
}
