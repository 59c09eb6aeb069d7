package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// EnergyReading is one sampled value of a device's cumulative energy
// counter, persisted from the live pzem/energy stream.
type EnergyReading struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ClientID   string    `gorm:"index:idx_client_ts,priority:1" json:"client_id"`
	TS         time.Time `gorm:"index:idx_client_ts,priority:2" json:"ts"`
	EnergyKwh  float64   `json:"energy_kwh"`
	IngestedAt time.Time `json:"ingested_at"`
}

// DeviceName is a durable user-chosen nickname overriding the raw client
// id in device listings.
type DeviceName struct {
	ClientID  string    `gorm:"primaryKey" json:"client_id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedule is a relay automation rule: either a daily window with
// weekdays, or a one-shot countdown timer.
type Schedule struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	ClientID        string         `gorm:"index" json:"client_id"`
	ScheduleType    string         `json:"schedule_type"` // "daily" or "timer"
	StartTime       string         `json:"start_time,omitempty"`
	EndTime         string         `json:"end_time,omitempty"`
	DaysOfWeek      datatypes.JSON `json:"days_of_week,omitempty"`
	DurationSeconds int            `json:"duration_seconds,omitempty"`
	Enabled         bool           `json:"enabled"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Threshold is a per-device consumption limit; one row per device. A
// tripped threshold is disabled rather than deleted, so it stops firing
// until the user re-arms it with another PUT.
type Threshold struct {
	ClientID    string    `gorm:"primaryKey" json:"client_id"`
	LimitKwh    float64   `json:"limit_kwh"`
	ResetPeriod string    `json:"reset_period"` // "daily", "weekly", "monthly"
	Enabled     bool      `json:"enabled"`
	UpdatedAt   time.Time `json:"updated_at"`
}
