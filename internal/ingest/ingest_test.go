package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"energy-hub/internal/devstate"
	"energy-hub/internal/pzem"
	"energy-hub/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeMsg struct {
	topic    string
	payload  []byte
	retained bool
}

func (m fakeMsg) Topic() string   { return m.topic }
func (m fakeMsg) Payload() []byte { return m.payload }
func (m fakeMsg) Retained() bool  { return m.retained }

func openRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:ingest_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestTopicsFixedSet(t *testing.T) {
	got := Topics("")
	want := []string{"dev/+/status", "dev/+/relay/state", "dev/+/pzem/metrics", "dev/+/pzem/energy"}
	if len(got) != len(want) {
		t.Fatalf("expected %d topics, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("topic %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestHandleMessageFoldsState(t *testing.T) {
	states := devstate.New()
	ing := &Ingestor{States: states}
	ing.HandleMessage(context.Background(), fakeMsg{topic: "dev/AB12/status", payload: []byte("Online")}, now)
	ing.HandleMessage(context.Background(), fakeMsg{topic: "dev/AB12/relay/state", payload: []byte("1")}, now)

	d, ok := states.Get("AB12")
	if !ok {
		t.Fatalf("expected device")
	}
	if d.Status != pzem.StatusOnline || d.Relay != pzem.RelayOn {
		t.Fatalf("unexpected state %+v", d)
	}
}

func TestHandleMessagePersistsEnergy(t *testing.T) {
	states := devstate.New()
	repo := openRepo(t)
	ing := &Ingestor{States: states, Repo: repo}

	ing.HandleMessage(context.Background(), fakeMsg{topic: "dev/AB12/pzem/energy", payload: []byte("42.7")}, now)
	ing.HandleMessage(context.Background(), fakeMsg{topic: "dev/AB12/pzem/energy", payload: []byte("45.1")}, now.Add(time.Hour))

	rows, err := repo.ListReadings(context.Background(), "AB12", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(rows))
	}
	if rows[0].EnergyKwh != 42.7 || rows[1].EnergyKwh != 45.1 {
		t.Fatalf("unexpected readings %v, %v", rows[0].EnergyKwh, rows[1].EnergyKwh)
	}
}

func TestHandleMessageDropsUnroutable(t *testing.T) {
	states := devstate.New()
	repo := openRepo(t)
	ing := &Ingestor{States: states, Repo: repo}

	for _, tc := range []string{"foo/bar", "dev/onlyid", "other/AB12/status"} {
		ing.HandleMessage(context.Background(), fakeMsg{topic: tc, payload: []byte("Online")}, now)
	}
	if len(states.All()) != 0 {
		t.Fatalf("unroutable topics must produce no state change")
	}
}

func TestHandleMessageBadEnergyNotPersisted(t *testing.T) {
	states := devstate.New()
	repo := openRepo(t)
	ing := &Ingestor{States: states, Repo: repo}

	ing.HandleMessage(context.Background(), fakeMsg{topic: "dev/AB12/pzem/energy", payload: []byte("banana")}, now)

	rows, err := repo.ListReadings(context.Background(), "AB12", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected 0 readings, got %d", len(rows))
	}
}

func TestHandleMessageSkipsRetained(t *testing.T) {
	states := devstate.New()
	ing := &Ingestor{States: states}
	ing.HandleMessage(context.Background(), fakeMsg{topic: "dev/AB12/status", payload: []byte("Online"), retained: true}, now)
	if len(states.All()) != 0 {
		t.Fatalf("retained messages must be skipped by default")
	}

	ing.AllowRetains = true
	ing.HandleMessage(context.Background(), fakeMsg{topic: "dev/AB12/status", payload: []byte("Online"), retained: true}, now)
	if len(states.All()) != 1 {
		t.Fatalf("retained messages must fold when allowed")
	}
}

type fakeSnapshotSource struct {
	snaps map[string][]byte
	err   error
}

func (f fakeSnapshotSource) All(context.Context) (map[string][]byte, error) {
	return f.snaps, f.err
}

func TestRestoreSeedsStateFromCache(t *testing.T) {
	states := devstate.New()
	kwh := 42.7
	cached, err := json.Marshal(devstate.Device{
		Status:    pzem.StatusOnline,
		Relay:     pzem.RelayOn,
		EnergyKwh: &kwh,
		LastSeen:  now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	src := fakeSnapshotSource{snaps: map[string][]byte{
		"AB12":   cached,
		"broken": []byte("{not json"),
	}}

	if err := Restore(context.Background(), src, states); err != nil {
		t.Fatalf("restore: %v", err)
	}

	d, ok := states.Get("AB12")
	if !ok {
		t.Fatal("restored device missing")
	}
	if d.Status != pzem.StatusOnline || d.Relay != pzem.RelayOn {
		t.Errorf("restored device = %+v", d)
	}
	if d.EnergyKwh == nil || *d.EnergyKwh != 42.7 {
		t.Errorf("restored energy = %v", d.EnergyKwh)
	}
	if _, ok := states.Get("broken"); ok {
		t.Error("unreadable snapshot was seeded")
	}
}

func TestRestoreNeverOverwritesLiveState(t *testing.T) {
	states := devstate.New()
	ing := &Ingestor{States: states}
	ing.HandleMessage(context.Background(), fakeMsg{topic: "dev/AB12/status", payload: []byte("Online")}, now)

	cached, err := json.Marshal(devstate.Device{Status: pzem.StatusOffline, LastSeen: now.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	src := fakeSnapshotSource{snaps: map[string][]byte{"AB12": cached}}
	if err := Restore(context.Background(), src, states); err != nil {
		t.Fatalf("restore: %v", err)
	}

	d, _ := states.Get("AB12")
	if d.Status != pzem.StatusOnline {
		t.Errorf("live state clobbered by restore: %+v", d)
	}
}
