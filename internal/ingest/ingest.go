// Package ingest is the single inbound message path: broker message →
// topic route → device state fold, with energy counter samples persisted
// and merged snapshots mirrored to the state cache on the side.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"energy-hub/internal/devstate"
	"energy-hub/internal/mqtt"
	"energy-hub/internal/observability"
	"energy-hub/internal/pzem"
	"energy-hub/internal/store"
	"energy-hub/internal/topic"
)

// Topics is the fixed wildcard subscription set for one topic prefix.
func Topics(prefix string) []string {
	if prefix == "" {
		prefix = topic.DefaultPrefix
	}
	return []string{
		prefix + "/+/status",
		prefix + "/+/relay/state",
		prefix + "/+/pzem/metrics",
		prefix + "/+/pzem/energy",
	}
}

// SnapshotSource is the cache read surface Restore needs.
type SnapshotSource interface {
	All(ctx context.Context) (map[string][]byte, error)
}

// Restore seeds the state store from cached snapshots so a restart serves
// last-known device state before the broker says anything. Live messages
// always win over restored records; unreadable entries are skipped.
func Restore(ctx context.Context, cache SnapshotSource, states *devstate.Store) error {
	snaps, err := cache.All(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for id, raw := range snaps {
		var d devstate.Device
		if err := json.Unmarshal(raw, &d); err != nil {
			slog.Warn("cached snapshot unreadable, skipping", "device", id, "error", err)
			continue
		}
		states.Seed(id, d)
		restored++
	}
	if restored > 0 {
		slog.Info("device state restored from cache", "devices", restored)
	}
	return nil
}

// Ingestor folds broker messages into the device state store. Repo and
// Cache are optional side channels; a nil value disables that side effect.
type Ingestor struct {
	States       *devstate.Store
	Repo         *store.Repo
	Cache        *store.StateCache
	Prefix       string
	AllowRetains bool
}

// HandleMessage processes one inbound message. It never returns an error:
// everything that can go wrong here is a data-quality problem, and the
// policy is best-available-state, not failure.
func (i *Ingestor) HandleMessage(ctx context.Context, msg mqtt.Message, receivedAt time.Time) {
	raw := msg.Topic()
	if msg.Retained() && !i.AllowRetains {
		slog.Debug("ingest ignoring retained", "topic", raw)
		return
	}

	r, err := topic.Parse(i.Prefix, raw)
	if err != nil {
		if !errors.Is(err, topic.ErrUnsupported) {
			slog.Warn("ingest topic parse failed", "topic", raw, "error", err)
		}
		observability.CountIngest("other", "dropped")
		return
	}

	applied := i.States.Apply(r, msg.Payload(), receivedAt)
	outcome := "dropped"
	if applied {
		outcome = "applied"
	}
	observability.CountIngest(kind(r), outcome)
	if !applied {
		return
	}

	if isEnergy(r) && i.Repo != nil {
		if kwh, ok := pzem.DecodeEnergy(msg.Payload()); ok {
			p := &store.EnergyReading{ClientID: r.DeviceID, TS: receivedAt.UTC(), EnergyKwh: kwh}
			if err := i.Repo.InsertReading(ctx, p); err != nil {
				slog.Error("energy reading insert failed", "device", r.DeviceID, "error", err)
			}
		}
	}

	if i.Cache != nil {
		if d, ok := i.States.Get(r.DeviceID); ok {
			if b, err := json.Marshal(d); err == nil {
				if err := i.Cache.Set(ctx, r.DeviceID, b); err != nil {
					slog.Debug("state cache mirror failed", "device", r.DeviceID, "error", err)
				}
			}
		}
	}
}

func isEnergy(r topic.Route) bool {
	return len(r.Path) >= 2 && r.Path[0] == "pzem" && r.Path[1] == "energy"
}

func kind(r topic.Route) string {
	switch r.Path[0] {
	case "status":
		return "status"
	case "relay":
		return "relay"
	case "pzem":
		if isEnergy(r) {
			return "energy"
		}
		return "metrics"
	}
	return "other"
}
