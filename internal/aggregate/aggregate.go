// Package aggregate turns cumulative energy-counter samples into
// chartable consumption buckets and period totals. It is purely
// functional: callers hand in samples plus a reference time and get
// values back; nothing here owns state.
//
// Windows are trailing (anchored at now) with UTC boundaries; labels are
// rendered in the viewer's timezone so the chart reads naturally anywhere
// while the bucketing itself stays unambiguous.
package aggregate

import (
	"fmt"
	"sort"
	"time"
)

// TimestampFormat is the wire format for sample timestamps (UTC).
const TimestampFormat = "2006-01-02 15:04:05"

// Sample is one reading of a device's cumulative energy counter.
// The counter normally only grows; a reset shows up as a decrease and is
// clamped to zero consumption, never reported as negative.
type Sample struct {
	TS        time.Time
	EnergyKwh float64
}

// ParseSample builds a Sample from the wire timestamp format.
func ParseSample(ts string, kwh float64) (Sample, error) {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return Sample{}, fmt.Errorf("parse sample timestamp %q: %w", ts, err)
	}
	return Sample{TS: t.UTC(), EnergyKwh: kwh}, nil
}

// Period selects the chart window.
type Period int

const (
	Daily   Period = iota // trailing 24 h, hourly buckets
	Weekly                // trailing 7 d, daily buckets
	Monthly               // trailing 30 d, daily buckets
)

func (p Period) String() string {
	switch p {
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	default:
		return "daily"
	}
}

// ParsePeriod accepts both the chart names and the REST period aliases.
func ParsePeriod(s string) (Period, error) {
	switch s {
	case "daily", "day":
		return Daily, nil
	case "weekly", "week":
		return Weekly, nil
	case "monthly", "month":
		return Monthly, nil
	}
	return Daily, fmt.Errorf("unknown period %q", s)
}

func (p Period) layout() (count int, step time.Duration) {
	switch p {
	case Weekly:
		return 7, 24 * time.Hour
	case Monthly:
		return 30, 24 * time.Hour
	default:
		return 24, time.Hour
	}
}

// Window is the total trailing span covered by the period's buckets.
func (p Period) Window() time.Duration {
	n, step := p.layout()
	return time.Duration(n) * step
}

// Point is one chart bucket. The window is half-open [Start, End).
type Point struct {
	Label          string    `json:"label"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	ConsumptionKwh float64   `json:"consumption_kwh"`
}

// Aggregate buckets samples into the period's windows. Every bucket is
// emitted, empty ones as zero, so gaps chart as flat rather than vanish.
//
// Per bucket: consumption = max(0, last(ts<=end) - last(ts<=start)).
// The start-side sample is the carry-in baseline, which may sit in an
// earlier bucket. Fewer than two qualifying samples means zero.
func Aggregate(samples []Sample, p Period, now time.Time, loc *time.Location) []Point {
	if loc == nil {
		loc = time.Local
	}
	n, step := p.layout()
	sorted := sortedCopy(samples)

	start := now.UTC().Add(-p.Window())
	out := make([]Point, 0, n)
	for i := 0; i < n; i++ {
		bStart := start.Add(time.Duration(i) * step)
		bEnd := bStart.Add(step)
		si := lastAtOrBefore(sorted, bStart)
		ei := lastAtOrBefore(sorted, bEnd)
		var kwh float64
		if si >= 0 && ei > si {
			kwh = sorted[ei].EnergyKwh - sorted[si].EnergyKwh
			if kwh < 0 {
				kwh = 0
			}
		}
		out = append(out, Point{
			Label:          bucketLabel(p, bStart.In(loc)),
			Start:          bStart,
			End:            bEnd,
			ConsumptionKwh: kwh,
		})
	}
	return out
}

// Total is the period's overall consumption: clamped last minus first over
// samples inside the trailing window. By construction this equals the sum
// of the period's bucket values for a monotonic counter.
func Total(samples []Sample, p Period, now time.Time) float64 {
	start := now.UTC().Add(-p.Window())
	sorted := sortedCopy(samples)
	var first, last *Sample
	for i := range sorted {
		s := sorted[i]
		if s.TS.Before(start) || s.TS.After(now.UTC()) {
			continue
		}
		if first == nil {
			first = &sorted[i]
		}
		last = &sorted[i]
	}
	if first == nil || last == nil || first == last {
		return 0
	}
	total := last.EnergyKwh - first.EnergyKwh
	if total < 0 {
		return 0
	}
	return total
}

// Consumption sums the positive deltas between consecutive samples.
// Unlike Total it survives a counter reset mid-sequence: the negative
// jump is skipped and accumulation continues from the new baseline.
// Fewer than two samples yields zero.
func Consumption(samples []Sample) float64 {
	sorted := sortedCopy(samples)
	if len(sorted) < 2 {
		return 0
	}
	var sum float64
	prev := sorted[0].EnergyKwh
	for _, s := range sorted[1:] {
		if d := s.EnergyKwh - prev; d > 0 {
			sum += d
		}
		prev = s.EnergyKwh
	}
	return sum
}

// Bill prices a consumption total. pricePerKwh comes from configuration.
func Bill(consumptionKwh, pricePerKwh float64) float64 {
	return consumptionKwh * pricePerKwh
}

func sortedCopy(samples []Sample) []Sample {
	out := append([]Sample(nil), samples...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out
}

// lastAtOrBefore returns the index of the last sample with TS <= t,
// or -1 when none qualifies. Input must be sorted ascending.
func lastAtOrBefore(sorted []Sample, t time.Time) int {
	return sort.Search(len(sorted), func(i int) bool { return sorted[i].TS.After(t) }) - 1
}

func bucketLabel(p Period, local time.Time) string {
	switch p {
	case Weekly:
		return local.Format("Mon")
	case Monthly:
		return fmt.Sprintf("%d/%d", int(local.Month()), local.Day())
	default:
		return fmt.Sprintf("%02d:00", local.Hour())
	}
}
