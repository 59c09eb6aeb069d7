// Package scheduler is the enforcement loop behind the stored automation
// rules. Stored schedules switch the relay at their start and end times,
// one-shot timers switch it off when they expire, and armed thresholds cut
// power when a period's consumption reaches the limit. One minute ticker
// drives all three; every action goes out as a relay command, so the
// device's own relay/state message stays the single source of truth.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"energy-hub/internal/aggregate"
	"energy-hub/internal/command"
	"energy-hub/internal/mqtt"
	"energy-hub/internal/store"
)

const tickInterval = time.Minute

type Scheduler struct {
	repo   *store.Repo
	pub    mqtt.Publisher
	prefix string
	loc    *time.Location

	lastMinute string
}

func New(repo *store.Repo, pub mqtt.Publisher, prefix string, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{repo: repo, pub: pub, prefix: prefix, loc: loc}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	slog.Info("scheduler started", "interval", tickInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case now := <-t.C:
			s.tick(ctx, now)
		}
	}
}

// tick runs one enforcement pass. Schedule windows fire at most once per
// wall-clock minute even if ticks bunch up after a stall.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	local := now.In(s.loc)
	minute := local.Format("2006-01-02 15:04")
	if minute != s.lastMinute {
		s.lastMinute = minute
		s.runSchedules(ctx, local)
	}
	s.checkThresholds(ctx, now)
}

func (s *Scheduler) runSchedules(ctx context.Context, local time.Time) {
	rows, err := s.repo.EnabledSchedules(ctx)
	if err != nil {
		slog.Error("schedule load failed", "error", err)
		return
	}
	hhmm := local.Format("15:04")
	for _, sc := range rows {
		switch sc.ScheduleType {
		case "daily":
			if !dayMatches(sc.DaysOfWeek, local.Weekday()) {
				continue
			}
			if sc.StartTime == hhmm {
				slog.Info("schedule window opens", "schedule", sc.ID, "device", sc.ClientID)
				s.setRelay(sc.ClientID, true)
			}
			if sc.EndTime == hhmm {
				slog.Info("schedule window closes", "schedule", sc.ID, "device", sc.ClientID)
				s.setRelay(sc.ClientID, false)
			}
		case "timer":
			due := sc.CreatedAt.Add(time.Duration(sc.DurationSeconds) * time.Second)
			if local.Before(due) {
				continue
			}
			slog.Info("timer expired", "schedule", sc.ID, "device", sc.ClientID)
			s.setRelay(sc.ClientID, false)
			// Timers are one-shot; the row goes with the firing.
			if err := s.repo.DeleteSchedule(ctx, sc.ID); err != nil {
				slog.Error("timer cleanup failed", "schedule", sc.ID, "error", err)
			}
		}
	}
}

func (s *Scheduler) checkThresholds(ctx context.Context, now time.Time) {
	rows, err := s.repo.EnabledThresholds(ctx)
	if err != nil {
		slog.Error("threshold load failed", "error", err)
		return
	}
	for _, th := range rows {
		start := periodStart(now.In(s.loc), th.ResetPeriod)
		readings, err := s.repo.ListReadings(ctx, th.ClientID, start.UTC(), now.UTC())
		if err != nil {
			slog.Error("threshold readings query failed", "device", th.ClientID, "error", err)
			continue
		}
		samples := make([]aggregate.Sample, 0, len(readings))
		for _, rr := range readings {
			samples = append(samples, aggregate.Sample{TS: rr.TS, EnergyKwh: rr.EnergyKwh})
		}
		used := aggregate.Consumption(samples)
		if used < th.LimitKwh {
			continue
		}
		slog.Warn("threshold exceeded, cutting power", "device", th.ClientID, "consumption_kwh", used, "limit_kwh", th.LimitKwh)
		s.setRelay(th.ClientID, false)
		s.publishAlert(th.ClientID, used, th.LimitKwh, now)
		if err := s.repo.DisableThreshold(ctx, th.ClientID); err != nil {
			slog.Error("threshold disable failed", "device", th.ClientID, "error", err)
		}
	}
}

func (s *Scheduler) setRelay(clientID string, on bool) {
	if err := command.SetRelay(s.pub, s.prefix, clientID, on); err != nil {
		slog.Error("relay command publish failed", "device", clientID, "error", err)
	}
}

func (s *Scheduler) publishAlert(clientID string, used, limit float64, now time.Time) {
	payload, err := json.Marshal(map[string]any{
		"consumption_kwh": math.Round(used*1000) / 1000,
		"limit_kwh":       limit,
		"exceeded_at":     now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/%s/threshold/alert", s.prefix, clientID)
	if err := s.pub.Publish(topic, payload); err != nil {
		slog.Error("threshold alert publish failed", "device", clientID, "error", err)
	}
}

// dayMatches reports whether a schedule's days_of_week list covers the
// weekday. An empty or unreadable list means every day.
func dayMatches(days []byte, wd time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	var names []string
	if err := json.Unmarshal(days, &names); err != nil || len(names) == 0 {
		return true
	}
	want := strings.ToLower(wd.String()[:3])
	for _, n := range names {
		if strings.ToLower(strings.TrimSpace(n)) == want {
			return true
		}
	}
	return false
}

// periodStart is the calendar-aligned start of the threshold's reset
// period: local midnight, the Monday of the current week, or the first of
// the month.
func periodStart(local time.Time, resetPeriod string) time.Time {
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	switch resetPeriod {
	case "weekly":
		sinceMonday := (int(local.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -sinceMonday)
	case "monthly":
		return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, local.Location())
	default:
		return midnight
	}
}
