// Package httpapi serves the REST surface: the merged device list, energy
// history with period aggregates and chart buckets, relay commands, and
// the schedule/threshold resources.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"energy-hub/internal/aggregate"
	"energy-hub/internal/command"
	"energy-hub/internal/devstate"
	"energy-hub/internal/mqtt"
	"energy-hub/internal/store"
)

// ConnStater reports the broker connection state; satisfied by the mqtt
// client and trivially fakeable in tests.
type ConnStater interface {
	State() mqtt.ConnState
}

type Server struct {
	repo        *store.Repo
	states      *devstate.Store
	pub         mqtt.Publisher
	conn        ConnStater
	prefix      string
	pricePerKwh float64
	labelTZ     *time.Location

	now func() time.Time
}

func New(repo *store.Repo, states *devstate.Store, pub mqtt.Publisher, conn ConnStater, prefix string, pricePerKwh float64, labelTZ *time.Location) *Server {
	return &Server{
		repo:        repo,
		states:      states,
		pub:         pub,
		conn:        conn,
		prefix:      prefix,
		pricePerKwh: pricePerKwh,
		labelTZ:     labelTZ,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/devices", s.handleDeviceList)
	mux.HandleFunc("/api/devices/", s.handleDeviceSub)
	mux.HandleFunc("/api/energy/", s.handleEnergy)
	mux.HandleFunc("/api/schedules", s.handleScheduleCollection)
	mux.HandleFunc("/api/schedules/", s.handleScheduleItem)
	mux.HandleFunc("/api/thresholds/", s.handleThreshold)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "connection": s.conn.State().String()})
}

// --- devices ---

type deviceDTO struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	devstate.Device
}

type deviceListResponse struct {
	Connection string      `json:"connection"`
	Devices    []deviceDTO `json:"devices"`
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	names, err := s.repo.Names(r.Context())
	if err != nil {
		slog.Error("device names query failed", "error", err)
		http.Error(w, "could not query device names", http.StatusInternalServerError)
		return
	}
	snap := s.states.All()
	devices := make([]deviceDTO, 0, len(snap))
	for id, d := range snap {
		name := names[id]
		if name == "" {
			name = id
		}
		devices = append(devices, deviceDTO{ClientID: id, Name: name, Device: d})
	}
	writeJSON(w, http.StatusOK, deviceListResponse{Connection: s.conn.State().String(), Devices: devices})
}

func (s *Server) handleDeviceSub(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	clientID, action := parts[0], parts[1]
	switch {
	case action == "relay" && r.Method == http.MethodPost:
		s.handleRelayCommand(w, r, clientID)
	case action == "name" && r.Method == http.MethodPut:
		s.handleRename(w, r, clientID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleRelayCommand(w http.ResponseWriter, r *http.Request, clientID string) {
	var req struct {
		On *bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.On == nil {
		http.Error(w, "body must be {\"on\": bool}", http.StatusBadRequest)
		return
	}
	if err := command.SetRelay(s.pub, s.prefix, clientID, *req.On); err != nil {
		slog.Error("relay command publish failed", "device", clientID, "error", err)
		http.Error(w, "could not publish command", http.StatusBadGateway)
		return
	}
	// The device confirms over relay/state; nothing changes locally yet.
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent", "client_id": clientID})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, clientID string) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		http.Error(w, "body must be {\"name\": string}", http.StatusBadRequest)
		return
	}
	if err := s.repo.UpsertName(r.Context(), clientID, strings.TrimSpace(req.Name)); err != nil {
		slog.Error("device rename failed", "device", clientID, "error", err)
		http.Error(w, "could not save name", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "renamed", "client_id": clientID, "name": strings.TrimSpace(req.Name)})
}

// --- energy ---

type aggregateResponse struct {
	ClientID       string  `json:"client_id"`
	Period         string  `json:"period"`
	ConsumptionKwh float64 `json:"consumption_kwh"`
	Bill           float64 `json:"bill"`
	PricePerKwh    float64 `json:"price_per_kwh"`
}

type graphResponse struct {
	ClientID string            `json:"client_id"`
	Period   string            `json:"period"`
	Points   []aggregate.Point `json:"points"`
}

type readingsResponse struct {
	ClientID string                `json:"client_id"`
	Readings []store.EnergyReading `json:"readings"`
}

func (s *Server) handleEnergy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/energy/"), "/")
	if clientID == "" || strings.Contains(clientID, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	switch {
	case q.Get("period") != "":
		s.handleEnergyAggregate(w, r, clientID, q.Get("period"))
	case q.Get("graph") != "":
		s.handleEnergyGraph(w, r, clientID, q.Get("graph"))
	default:
		s.handleEnergyReadings(w, r, clientID, q.Get("limit"))
	}
}

func (s *Server) periodSamples(r *http.Request, clientID string, p aggregate.Period, now time.Time) ([]aggregate.Sample, error) {
	// Fetch one extra day before the window so the first bucket has a
	// baseline sample to difference against.
	from := now.Add(-p.Window() - 24*time.Hour)
	rows, err := s.repo.ListReadings(r.Context(), clientID, from, now)
	if err != nil {
		return nil, err
	}
	samples := make([]aggregate.Sample, 0, len(rows))
	for _, row := range rows {
		samples = append(samples, aggregate.Sample{TS: row.TS, EnergyKwh: row.EnergyKwh})
	}
	return samples, nil
}

func (s *Server) handleEnergyAggregate(w http.ResponseWriter, r *http.Request, clientID, periodStr string) {
	p, err := aggregate.ParsePeriod(periodStr)
	if err != nil {
		http.Error(w, "invalid period, use day|week|month", http.StatusBadRequest)
		return
	}
	now := s.now()
	samples, err := s.periodSamples(r, clientID, p, now)
	if err != nil {
		slog.Error("energy query failed", "device", clientID, "error", err)
		http.Error(w, "could not query energy readings", http.StatusInternalServerError)
		return
	}
	total := aggregate.Total(samples, p, now)
	writeJSON(w, http.StatusOK, aggregateResponse{
		ClientID:       clientID,
		Period:         periodStr,
		ConsumptionKwh: total,
		Bill:           aggregate.Bill(total, s.pricePerKwh),
		PricePerKwh:    s.pricePerKwh,
	})
}

func (s *Server) handleEnergyGraph(w http.ResponseWriter, r *http.Request, clientID, periodStr string) {
	p, err := aggregate.ParsePeriod(periodStr)
	if err != nil {
		http.Error(w, "invalid graph period, use daily|weekly|monthly", http.StatusBadRequest)
		return
	}
	now := s.now()
	samples, err := s.periodSamples(r, clientID, p, now)
	if err != nil {
		slog.Error("energy query failed", "device", clientID, "error", err)
		http.Error(w, "could not query energy readings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, graphResponse{
		ClientID: clientID,
		Period:   p.String(),
		Points:   aggregate.Aggregate(samples, p, now, s.labelTZ),
	})
}

func (s *Server) handleEnergyReadings(w http.ResponseWriter, r *http.Request, clientID, limitStr string) {
	limit := 100
	if v := strings.TrimSpace(limitStr); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	rows, err := s.repo.RecentReadings(r.Context(), clientID, limit)
	if err != nil {
		slog.Error("energy query failed", "device", clientID, "error", err)
		http.Error(w, "could not query energy readings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, readingsResponse{ClientID: clientID, Readings: rows})
}

// --- schedules ---

type scheduleRequest struct {
	ClientID        string          `json:"client_id"`
	ScheduleType    string          `json:"schedule_type"`
	StartTime       string          `json:"start_time"`
	EndTime         string          `json:"end_time"`
	DaysOfWeek      json.RawMessage `json:"days_of_week"`
	DurationSeconds int             `json:"duration_seconds"`
	Enabled         *bool           `json:"enabled"`
}

func (req *scheduleRequest) validate(requireClient bool) error {
	if requireClient && strings.TrimSpace(req.ClientID) == "" {
		return errors.New("client_id is required")
	}
	switch req.ScheduleType {
	case "daily":
		if req.StartTime == "" || req.EndTime == "" {
			return errors.New("daily schedule needs start_time and end_time")
		}
	case "timer":
		if req.DurationSeconds <= 0 {
			return errors.New("timer schedule needs duration_seconds > 0")
		}
	default:
		return errors.New("schedule_type must be daily or timer")
	}
	return nil
}

func (req *scheduleRequest) apply(s *store.Schedule) {
	s.ScheduleType = req.ScheduleType
	s.StartTime = req.StartTime
	s.EndTime = req.EndTime
	if len(req.DaysOfWeek) > 0 {
		s.DaysOfWeek = append([]byte(nil), req.DaysOfWeek...)
	}
	s.DurationSeconds = req.DurationSeconds
	if req.Enabled != nil {
		s.Enabled = *req.Enabled
	}
}

func (s *Server) handleScheduleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rows, err := s.repo.ListSchedules(r.Context(), strings.TrimSpace(r.URL.Query().Get("client_id")))
		if err != nil {
			slog.Error("schedule list failed", "error", err)
			http.Error(w, "could not query schedules", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"schedules": rows})
	case http.MethodPost:
		var req scheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := req.validate(true); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sched := store.Schedule{ClientID: strings.TrimSpace(req.ClientID), Enabled: true}
		req.apply(&sched)
		if err := s.repo.CreateSchedule(r.Context(), &sched); err != nil {
			slog.Error("schedule create failed", "error", err)
			http.Error(w, "could not create schedule", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, sched)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// The item path is overloaded the way the original API was: GET takes a
// client id and lists that device's schedules, PUT/DELETE take the numeric
// schedule id.
func (s *Server) handleScheduleItem(w http.ResponseWriter, r *http.Request) {
	idStr := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/schedules/"), "/")
	if idStr == "" || strings.Contains(idStr, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method == http.MethodGet {
		rows, err := s.repo.ListSchedules(r.Context(), idStr)
		if err != nil {
			slog.Error("schedule list failed", "device", idStr, "error", err)
			http.Error(w, "could not query schedules", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"client_id": idStr, "schedules": rows})
		return
	}
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		http.Error(w, "invalid schedule id", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodPut:
		sched, err := s.repo.GetSchedule(r.Context(), uint(id))
		if err != nil {
			slog.Error("schedule get failed", "id", id, "error", err)
			http.Error(w, "could not query schedule", http.StatusInternalServerError)
			return
		}
		if sched == nil {
			http.Error(w, "schedule not found", http.StatusNotFound)
			return
		}
		var req scheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := req.validate(false); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.apply(sched)
		if err := s.repo.UpdateSchedule(r.Context(), sched); err != nil {
			slog.Error("schedule update failed", "id", id, "error", err)
			http.Error(w, "could not update schedule", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, sched)
	case http.MethodDelete:
		if err := s.repo.DeleteSchedule(r.Context(), uint(id)); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				http.Error(w, "schedule not found", http.StatusNotFound)
				return
			}
			slog.Error("schedule delete failed", "id", id, "error", err)
			http.Error(w, "could not delete schedule", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- thresholds ---

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	clientID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/thresholds/"), "/")
	if clientID == "" || strings.Contains(clientID, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		t, err := s.repo.GetThreshold(r.Context(), clientID)
		if err != nil {
			slog.Error("threshold get failed", "device", clientID, "error", err)
			http.Error(w, "could not query threshold", http.StatusInternalServerError)
			return
		}
		if t == nil {
			http.Error(w, "threshold not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, t)
	case http.MethodPut:
		var req struct {
			LimitKwh    float64 `json:"limit_kwh"`
			ResetPeriod string  `json:"reset_period"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LimitKwh <= 0 {
			http.Error(w, "body must be {\"limit_kwh\": >0, \"reset_period\": string}", http.StatusBadRequest)
			return
		}
		switch req.ResetPeriod {
		case "daily", "weekly", "monthly":
		default:
			http.Error(w, "reset_period must be daily|weekly|monthly", http.StatusBadRequest)
			return
		}
		t := store.Threshold{ClientID: clientID, LimitKwh: req.LimitKwh, ResetPeriod: req.ResetPeriod}
		if err := s.repo.PutThreshold(r.Context(), &t); err != nil {
			slog.Error("threshold put failed", "device", clientID, "error", err)
			http.Error(w, "could not save threshold", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, t)
	case http.MethodDelete:
		if err := s.repo.DeleteThreshold(r.Context(), clientID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				http.Error(w, "threshold not found", http.StatusNotFound)
				return
			}
			slog.Error("threshold delete failed", "device", clientID, "error", err)
			http.Error(w, "could not delete threshold", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "client_id": clientID})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
