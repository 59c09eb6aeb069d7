package pzem

import "testing"

func TestDecodeMetrics(t *testing.T) {
	m, ok := DecodeMetrics([]byte(`{"voltage":230.1,"current":0.43,"power":98.9}`))
	if !ok {
		t.Fatalf("expected ok")
	}
	if m.Voltage != 230.1 || m.Current != 0.43 || m.Power != 98.9 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestDecodeMetricsRejectsMalformed(t *testing.T) {
	for _, tc := range []string{
		`{not-json}`,
		``,
		`{"voltage":230.1,"current":0.43}`,
		`{"voltage":"230.1","current":0.43,"power":98.9}`,
		`[1,2,3]`,
	} {
		if _, ok := DecodeMetrics([]byte(tc)); ok {
			t.Fatalf("expected !ok for %q", tc)
		}
	}
}

func TestDecodeEnergy(t *testing.T) {
	v, ok := DecodeEnergy([]byte("42.7\n"))
	if !ok || v != 42.7 {
		t.Fatalf("expected 42.7, got %v ok=%v", v, ok)
	}
	if _, ok := DecodeEnergy([]byte("not-a-number")); ok {
		t.Fatalf("expected !ok for garbage")
	}
}

func TestDecodeStatus(t *testing.T) {
	if got := DecodeStatus([]byte("Online")); got != StatusOnline {
		t.Fatalf("expected online, got %v", got)
	}
	if got := DecodeStatus([]byte("OFFLINE")); got != StatusOffline {
		t.Fatalf("expected offline, got %v", got)
	}
	// Fail-safe: unrecognized text is offline, not an error.
	if got := DecodeStatus([]byte("rebooting")); got != StatusOffline {
		t.Fatalf("expected offline for unknown text, got %v", got)
	}
}

func TestDecodeRelay(t *testing.T) {
	if got := DecodeRelay([]byte("1")); got != RelayOn {
		t.Fatalf("expected on, got %v", got)
	}
	if got := DecodeRelay([]byte("1\n")); got != RelayOn {
		t.Fatalf("expected on for trailing newline, got %v", got)
	}
	for _, tc := range []string{"0", "on", "", "2"} {
		if got := DecodeRelay([]byte(tc)); got != RelayOff {
			t.Fatalf("expected off for %q, got %v", tc, got)
		}
	}
}
