package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&EnergyReading{}, &DeviceName{}, &Schedule{}, &Threshold{}); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// --- energy readings ---

func (r *Repo) InsertReading(ctx context.Context, p *EnergyReading) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.IngestedAt.IsZero() {
		p.IngestedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(p).Error
}

// ListReadings returns a device's readings within [from, to], ascending.
// Zero bounds mean unbounded on that side.
func (r *Repo) ListReadings(ctx context.Context, clientID string, from, to time.Time) ([]EnergyReading, error) {
	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "client_id"}, Value: clientID},
	}
	if !from.IsZero() {
		exprs = append(exprs, clause.Gte{Column: clause.Column{Name: "ts"}, Value: from})
	}
	if !to.IsZero() {
		exprs = append(exprs, clause.Lte{Column: clause.Column{Name: "ts"}, Value: to})
	}
	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "ts"}},
		{Column: clause.Column{Name: "id"}},
	}}
	var rows []EnergyReading
	if err := r.db.WithContext(ctx).Clauses(clause.Where{Exprs: exprs}, order).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// RecentReadings returns a device's most recent readings, newest first.
func (r *Repo) RecentReadings(ctx context.Context, clientID string, limit int) ([]EnergyReading, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 10000 {
		limit = 10000
	}
	var rows []EnergyReading
	err := r.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("ts DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// --- device names ---

func (r *Repo) UpsertName(ctx context.Context, clientID, name string) error {
	n := DeviceName{ClientID: clientID, Name: name, UpdatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).Save(&n).Error
}

func (r *Repo) Names(ctx context.Context) (map[string]string, error) {
	var rows []DeviceName
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, n := range rows {
		out[n.ClientID] = n.Name
	}
	return out, nil
}

// --- schedules ---

func (r *Repo) CreateSchedule(ctx context.Context, s *Schedule) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) UpdateSchedule(ctx context.Context, s *Schedule) error {
	s.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Save(s).Error
}

func (r *Repo) GetSchedule(ctx context.Context, id uint) (*Schedule, error) {
	var s Schedule
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *Repo) ListSchedules(ctx context.Context, clientID string) ([]Schedule, error) {
	q := r.db.WithContext(ctx).Order("id")
	if clientID != "" {
		q = q.Where("client_id = ?", clientID)
	}
	var rows []Schedule
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// EnabledSchedules returns every schedule the enforcement loop should
// consider, across all devices.
func (r *Repo) EnabledSchedules(ctx context.Context) ([]Schedule, error) {
	var rows []Schedule
	if err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) DeleteSchedule(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&Schedule{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// --- thresholds ---

func (r *Repo) GetThreshold(ctx context.Context, clientID string) (*Threshold, error) {
	var t Threshold
	if err := r.db.WithContext(ctx).First(&t, "client_id = ?", clientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// PutThreshold saves the limit and re-arms it. A previously tripped
// threshold goes live again on every PUT.
func (r *Repo) PutThreshold(ctx context.Context, t *Threshold) error {
	t.Enabled = true
	t.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Save(t).Error
}

// EnabledThresholds returns every armed threshold.
func (r *Repo) EnabledThresholds(ctx context.Context) ([]Threshold, error) {
	var rows []Threshold
	if err := r.db.WithContext(ctx).Where("enabled = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// DisableThreshold marks a tripped threshold so it does not fire again
// until re-armed.
func (r *Repo) DisableThreshold(ctx context.Context, clientID string) error {
	return r.db.WithContext(ctx).Model(&Threshold{}).
		Where("client_id = ?", clientID).
		Updates(map[string]any{"enabled": false, "updated_at": time.Now().UTC()}).Error
}

func (r *Repo) DeleteThreshold(ctx context.Context, clientID string) error {
	res := r.db.WithContext(ctx).Delete(&Threshold{}, "client_id = ?", clientID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
