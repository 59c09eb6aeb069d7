// Package devstate holds the live per-device state assembled from inbound
// telemetry. Devices appear implicitly on their first message and are never
// retired; the broker has no topic for that. Each update merges exactly one
// field into a fresh copy of the record, so readers never see a
// half-updated device.
package devstate

import (
	"log/slog"
	"sync"
	"time"

	"energy-hub/internal/pzem"
	"energy-hub/internal/topic"
)

// Device is one device's state snapshot. Metrics and EnergyKwh are nil
// until the first valid sample arrives; zero values mean offline/off.
type Device struct {
	Status    pzem.Status   `json:"status"`
	Relay     pzem.Relay    `json:"relay"`
	Metrics   *pzem.Metrics `json:"metrics,omitempty"`
	EnergyKwh *float64      `json:"energy_kwh,omitempty"`
	LastSeen  time.Time     `json:"last_seen"`
}

// Snapshot is a point-in-time copy of the whole fleet.
type Snapshot map[string]Device

// Store is the single owner of all Device records. Writes are serialized
// on one mutex; the inbound message path is the only writer. Reads copy.
type Store struct {
	mu      sync.RWMutex
	devices Snapshot
	subs    []chan Snapshot
}

func New() *Store {
	return &Store{devices: Snapshot{}}
}

// Apply folds one routed message into the store. Returns true if a field
// was merged; false means the payload was dropped (unknown subtopic or
// undecodable content) and existing state is untouched.
func (s *Store) Apply(r topic.Route, payload []byte, receivedAt time.Time) bool {
	if len(r.Path) == 0 {
		return false
	}
	switch r.Path[0] {
	case "status":
		st := pzem.DecodeStatus(payload)
		s.merge(r.DeviceID, receivedAt, func(d *Device) { d.Status = st })
		return true
	case "relay":
		if len(r.Path) < 2 || r.Path[1] != "state" {
			return false
		}
		rs := pzem.DecodeRelay(payload)
		s.merge(r.DeviceID, receivedAt, func(d *Device) { d.Relay = rs })
		return true
	case "pzem":
		if len(r.Path) < 2 {
			return false
		}
		switch r.Path[1] {
		case "metrics":
			m, ok := pzem.DecodeMetrics(payload)
			if !ok {
				slog.Debug("pzem metrics decode failed, keeping last known", "device", r.DeviceID)
				return false
			}
			s.merge(r.DeviceID, receivedAt, func(d *Device) { d.Metrics = &m })
			return true
		case "energy":
			kwh, ok := pzem.DecodeEnergy(payload)
			if !ok {
				slog.Debug("pzem energy parse failed, keeping last known", "device", r.DeviceID)
				return false
			}
			s.merge(r.DeviceID, receivedAt, func(d *Device) { d.EnergyKwh = &kwh })
			return true
		}
	}
	return false
}

// merge copies the existing record (or a zero default), applies one field
// mutation, and republishes the map. Subscribers get the new snapshot.
func (s *Store) merge(deviceID string, receivedAt time.Time, mutate func(*Device)) {
	s.mu.Lock()
	d := s.devices[deviceID]
	mutate(&d)
	d.LastSeen = receivedAt
	next := make(Snapshot, len(s.devices)+1)
	for k, v := range s.devices {
		next[k] = v
	}
	next[deviceID] = d
	s.devices = next
	subs := make([]chan Snapshot, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, ch := range subs {
		notify(ch, next)
	}
}

// notify delivers the latest snapshot without ever blocking the writer.
// A slow subscriber loses intermediate versions, not ordering: the stale
// entry is drained and replaced by the newer one.
func notify(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Seed inserts a restored record for a device with no live state yet.
// Anything a broker message already wrote wins over the restore.
func (s *Store) Seed(deviceID string, d Device) {
	s.mu.Lock()
	if _, ok := s.devices[deviceID]; ok {
		s.mu.Unlock()
		return
	}
	next := make(Snapshot, len(s.devices)+1)
	for k, v := range s.devices {
		next[k] = v
	}
	next[deviceID] = d
	s.devices = next
	subs := make([]chan Snapshot, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, ch := range subs {
		notify(ch, next)
	}
}

// Get returns one device's state.
func (s *Store) Get(deviceID string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	return d, ok
}

// All returns a copy of the full mapping; callers own it.
func (s *Store) All() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Snapshot, len(s.devices))
	for k, v := range s.devices {
		out[k] = v
	}
	return out
}

// Subscribe returns a channel that receives the full mapping after every
// change. The channel is buffered; see notify for the slow-reader policy.
func (s *Store) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe.
func (s *Store) Unsubscribe(ch chan Snapshot) {
	s.mu.Lock()
	for i, sub := range s.subs {
		if sub == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}
