package jobs

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/services"
)

// SLAMonitor drives the SLA tracker's periodic tick and records a checkpoint
// after every successful pass.
type SLAMonitor struct {
	db  *gorm.DB
	sla *services.SLATracker
	now func() time.Time
}

// NewSLAMonitor creates a new SLA monitor
func NewSLAMonitor(db *gorm.DB, sla *services.SLATracker) *SLAMonitor {
	return &SLAMonitor{db: db, sla: sla, now: time.Now}
}

// SetClock replaces the time source
func (m *SLAMonitor) SetClock(now func() time.Time) {
	m.now = now
}

// CheckAndTick evaluates all due clocks and returns the number of breaches raised
func (m *SLAMonitor) CheckAndTick() (int, error) {
	now := m.now()
	breaches, err := m.sla.Tick(now)
	if err != nil {
		return 0, err
	}
	if err := database.SaveCheckpoint(m.db, now); err != nil {
		log.Printf("SLA monitor: failed to save checkpoint: %v", err)
	}
	return breaches, nil
}

// Reconcile catches up after downtime. A gap of more than two tick periods
// since the last checkpoint is logged before the catch-up tick runs.
func (m *SLAMonitor) Reconcile(interval time.Duration) (time.Duration, int, error) {
	checkpoint, err := database.GetCheckpoint(m.db)
	if err != nil {
		return 0, 0, err
	}

	var gap time.Duration
	if checkpoint != nil {
		gap = m.now().Sub(checkpoint.LastTickAt)
		if gap > 2*interval {
			log.Printf("SLA monitor: ClockReconciliationGap of %s since last tick at %s, catching up",
				gap.Round(time.Second), checkpoint.LastTickAt.Format(time.RFC3339))
		}
	}

	breaches, err := m.CheckAndTick()
	if err != nil {
		return gap, 0, err
	}
	if breaches > 0 {
		log.Printf("SLA monitor: reconciliation raised %d breaches", breaches)
	}
	return gap, breaches, nil
}

// Start begins the periodic tick. The interval follows engine settings changes.
func (m *SLAMonitor) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			breaches, err := m.CheckAndTick()
			if err != nil {
				log.Printf("SLA monitor error: %v", err)
			} else if breaches > 0 {
				log.Printf("SLA monitor: raised %d breaches", breaches)
			}

			if settings, err := database.GetOrCreateEngineSettings(m.db); err == nil && settings.TickInterval() != interval {
				interval = settings.TickInterval()
				ticker.Reset(interval)
				log.Printf("SLA monitor: tick interval changed to %s", interval)
			}
		case <-stop:
			log.Println("SLA monitor stopped")
			return
		}
	}
}
