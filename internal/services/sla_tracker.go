package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/akmatori/escalator/internal/config"
	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/events"
	"github.com/akmatori/escalator/internal/metrics"
)

const tickParallelism = 8

// SLATracker owns TTA/TTR deadlines and emits one breach per missed deadline
type SLATracker struct {
	db       *gorm.DB
	outbox   *events.Outbox
	policies *config.PolicyStore
	locks    *KeyedMutex
}

// NewSLATracker creates an SLA tracker reading thresholds from policies
func NewSLATracker(db *gorm.DB, outbox *events.Outbox, policies *config.PolicyStore, locks *KeyedMutex) *SLATracker {
	return &SLATracker{
		db:       db,
		outbox:   outbox,
		policies: policies,
		locks:    locks,
	}
}

// StartClocks computes both deadlines once from the severity table. It runs
// inside the transaction that creates the alert.
func (s *SLATracker) StartClocks(tx *gorm.DB, alertID string, severity database.Severity, createdAt time.Time) error {
	th := s.policies.Get().Threshold(severity)
	clock := &database.SLAClock{
		AlertID:     alertID,
		TTADeadline: createdAt.Add(th.TTA),
		TTRDeadline: createdAt.Add(th.TTR),
		TTAActive:   true,
		TTRActive:   true,
	}
	if err := tx.Create(clock).Error; err != nil {
		return fmt.Errorf("failed to start sla clocks: %w", err)
	}
	return nil
}

// Clock returns the SLA clock of an alert
func (s *SLATracker) Clock(alertID string) (*database.SLAClock, error) {
	var clock database.SLAClock
	if err := s.db.Where("alert_id = ?", alertID).First(&clock).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no sla clock for %s", ErrAlertNotFound, alertID)
		}
		return nil, err
	}
	return &clock, nil
}

// OnTransition stops clocks: acknowledgment stops TTA, resolution stops both.
// Stopping is idempotent so replays and reordering are harmless.
func (s *SLATracker) OnTransition(e events.AlertTransitioned) {
	updates := stopUpdates(e.To)
	if updates == nil {
		return
	}
	if err := s.db.Model(&database.SLAClock{}).Where("alert_id = ?", e.AlertID).Updates(updates).Error; err != nil {
		// Tick re-reads alert state, so a missed stop is caught there
		log.Printf("SLATracker: failed to stop clocks for %s: %v", e.AlertID, err)
	}
}

func stopUpdates(state database.AlertState) map[string]interface{} {
	switch state {
	case database.AlertStateAcknowledged, database.AlertStateInvestigating:
		return map[string]interface{}{"tta_active": false}
	case database.AlertStateResolved:
		return map[string]interface{}{"tta_active": false, "ttr_active": false}
	}
	return nil
}

// Tick evaluates every active clock whose deadline has passed and returns
// the number of breaches emitted. Per-alert failures are logged and retried
// on the next tick, and so are breaches whose escalation never completed.
func (s *SLATracker) Tick(now time.Time) (int, error) {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	// runs before the scan so breaches raised by this tick are delivered once
	if err := s.redeliverUnhandled(); err != nil {
		log.Printf("SLATracker: failed to redeliver unhandled breaches: %v", err)
	}

	var due []database.SLAClock
	err := s.db.Where(
		"(tta_active = ? AND tta_breached = ? AND tta_deadline < ?) OR (ttr_active = ? AND ttr_breached = ? AND ttr_deadline < ?)",
		true, false, now, true, false, now,
	).Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("failed to scan sla clocks: %w", err)
	}

	results := make([]int, len(due))
	var g errgroup.Group
	g.SetLimit(tickParallelism)
	for i := range due {
		i := i
		alertID := due[i].AlertID
		g.Go(func() error {
			n, err := s.evaluate(alertID, now)
			if err != nil {
				log.Printf("SLATracker: failed to evaluate %s: %v", alertID, err)
				return nil
			}
			results[i] = n
			return nil
		})
	}
	_ = g.Wait()

	breaches := 0
	for _, n := range results {
		breaches += n
	}

	var active int64
	if err := s.db.Model(&database.Alert{}).Where("state <> ?", database.AlertStateResolved).Count(&active).Error; err == nil {
		metrics.ActiveAlerts.Set(float64(active))
	}

	if breaches > 0 {
		s.outbox.Deliver()
	}
	return breaches, nil
}

// evaluate re-reads the alert and clock under the alert lock, so a breach is
// never raised for an alert whose acknowledgment or resolution has committed.
func (s *SLATracker) evaluate(alertID string, now time.Time) (int, error) {
	unlock := s.locks.Lock(alertKey(alertID))
	defer unlock()

	var (
		breaches []events.SLABreached
		severity database.Severity
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		alert, err := loadAlert(tx, alertID)
		if err != nil {
			return err
		}
		var clock database.SLAClock
		if err := tx.Where("alert_id = ?", alertID).First(&clock).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{}
		if stop := stopUpdates(alert.State); stop != nil {
			for k, v := range stop {
				updates[k] = v
			}
			clock.TTAActive = false
			if alert.State == database.AlertStateResolved {
				clock.TTRActive = false
			}
		}

		severity = alert.Severity
		breaches = nil
		if clock.TTAActive && !clock.TTABreached && now.After(clock.TTADeadline) {
			updates["tta_breached"] = true
			updates["tta_breached_at"] = now
			breaches = append(breaches, events.SLABreached{
				AlertID: alertID, Kind: database.BreachKindTTA, At: now, Deadline: clock.TTADeadline,
			})
		}
		if clock.TTRActive && !clock.TTRBreached && now.After(clock.TTRDeadline) {
			updates["ttr_breached"] = true
			updates["ttr_breached_at"] = now
			breaches = append(breaches, events.SLABreached{
				AlertID: alertID, Kind: database.BreachKindTTR, At: now, Deadline: clock.TTRDeadline,
			})
		}

		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(&database.SLAClock{}).Where("alert_id = ?", alertID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update clock: %w", err)
		}
		for _, b := range breaches {
			if err := s.outbox.Enqueue(tx, events.Breached(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, b := range breaches {
		metrics.Breaches.WithLabelValues(string(b.Kind), string(severity)).Inc()
		log.Printf("SLATracker: %s breach for alert %s (deadline %s)", b.Kind, alertID, b.Deadline.Format(time.RFC3339))
	}
	return len(breaches), nil
}

// redeliverUnhandled publishes again every breach whose escalation failed
// after its event was delivered. The escalation service records each handled
// breach, so a breach that did get through is skipped there.
func (s *SLATracker) redeliverUnhandled() error {
	const unrecorded = "NOT EXISTS (SELECT 1 FROM breach_records br WHERE br.alert_id = sla_clocks.alert_id AND br.kind = ?)"

	var clocks []database.SLAClock
	err := s.db.Model(&database.SLAClock{}).
		Joins("JOIN alerts ON alerts.id = sla_clocks.alert_id").
		Where("alerts.state <> ?", database.AlertStateResolved).
		Where("(sla_clocks.tta_breached = ? AND "+unrecorded+") OR (sla_clocks.ttr_breached = ? AND "+unrecorded+")",
			true, database.BreachKindTTA, true, database.BreachKindTTR).
		Find(&clocks).Error
	if err != nil || len(clocks) == 0 {
		return err
	}

	ids := make([]string, 0, len(clocks))
	for _, c := range clocks {
		ids = append(ids, c.AlertID)
	}
	var records []database.BreachRecord
	if err := s.db.Where("alert_id IN ?", ids).Find(&records).Error; err != nil {
		return err
	}
	handled := make(map[string]bool, len(records))
	for _, r := range records {
		handled[r.AlertID+"/"+string(r.Kind)] = true
	}

	bus := s.outbox.Bus()
	for _, c := range clocks {
		if c.TTABreached && !handled[c.AlertID+"/"+string(database.BreachKindTTA)] {
			log.Printf("SLATracker: redelivering unhandled TTA breach for alert %s", c.AlertID)
			bus.Publish(events.Breached(events.SLABreached{
				AlertID: c.AlertID, Kind: database.BreachKindTTA, At: breachedAt(c.TTABreachedAt, c.TTADeadline), Deadline: c.TTADeadline,
			}))
		}
		if c.TTRBreached && !handled[c.AlertID+"/"+string(database.BreachKindTTR)] {
			log.Printf("SLATracker: redelivering unhandled TTR breach for alert %s", c.AlertID)
			bus.Publish(events.Breached(events.SLABreached{
				AlertID: c.AlertID, Kind: database.BreachKindTTR, At: breachedAt(c.TTRBreachedAt, c.TTRDeadline), Deadline: c.TTRDeadline,
			}))
		}
	}
	return nil
}

func breachedAt(at *time.Time, deadline time.Time) time.Time {
	if at != nil {
		return *at
	}
	return deadline
}
