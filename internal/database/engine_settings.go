package database

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MaxOnCallCacheTTLSeconds bounds how stale on-call data may be served
const MaxOnCallCacheTTLSeconds = 60

// EngineSettings controls grouping windows and scheduler cadence
type EngineSettings struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	FlapWindowMinutes     int       `gorm:"default:10" json:"flap_window_minutes"`
	GroupingWindowMinutes int       `gorm:"default:5" json:"grouping_window_minutes"`
	TickIntervalSeconds   int       `gorm:"default:30" json:"tick_interval_seconds"`
	OnCallCacheTTLSeconds int       `gorm:"default:60" json:"oncall_cache_ttl_seconds"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func (EngineSettings) TableName() string {
	return "engine_settings"
}

// NewDefaultEngineSettings returns settings with default values
func NewDefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		FlapWindowMinutes:     10,
		GroupingWindowMinutes: 5,
		TickIntervalSeconds:   30,
		OnCallCacheTTLSeconds: 60,
	}
}

// FlapWindow returns the flap window as a duration
func (s *EngineSettings) FlapWindow() time.Duration {
	return time.Duration(s.FlapWindowMinutes) * time.Minute
}

// GroupingWindow returns the grouping window as a duration
func (s *EngineSettings) GroupingWindow() time.Duration {
	return time.Duration(s.GroupingWindowMinutes) * time.Minute
}

// TickInterval returns the SLA tick period
func (s *EngineSettings) TickInterval() time.Duration {
	if s.TickIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TickIntervalSeconds) * time.Second
}

// OnCallCacheTTL returns the resolver cache TTL, never more than one minute
func (s *EngineSettings) OnCallCacheTTL() time.Duration {
	secs := s.OnCallCacheTTLSeconds
	if secs <= 0 || secs > MaxOnCallCacheTTLSeconds {
		secs = MaxOnCallCacheTTLSeconds
	}
	return time.Duration(secs) * time.Second
}

// GetOrCreateEngineSettings retrieves or creates the engine settings singleton.
// Accepts a db parameter so callers can pass a transaction or a test database.
func GetOrCreateEngineSettings(db *gorm.DB) (*EngineSettings, error) {
	var settings EngineSettings
	result := db.First(&settings)
	if result.Error == nil {
		return &settings, nil
	}
	if result.Error != gorm.ErrRecordNotFound {
		return nil, result.Error
	}

	// concurrent first callers race on the fixed id; the loser re-reads
	defaults := NewDefaultEngineSettings()
	defaults.ID = 1
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(defaults).Error; err != nil {
		return nil, err
	}
	if err := db.First(&settings).Error; err != nil {
		return nil, err
	}
	return &settings, nil
}

// UpdateEngineSettings saves engine settings
func UpdateEngineSettings(db *gorm.DB, settings *EngineSettings) error {
	return db.Save(settings).Error
}

// GetCheckpoint returns the scheduler checkpoint, or nil if no tick ever completed
func GetCheckpoint(db *gorm.DB) (*SchedulerCheckpoint, error) {
	var cp SchedulerCheckpoint
	err := db.First(&cp).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// SaveCheckpoint records the time of the last completed tick
func SaveCheckpoint(db *gorm.DB, at time.Time) error {
	cp, err := GetCheckpoint(db)
	if err != nil {
		return err
	}
	if cp == nil {
		return db.Create(&SchedulerCheckpoint{LastTickAt: at}).Error
	}
	return db.Model(cp).Update("last_tick_at", at).Error
}
