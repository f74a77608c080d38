package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/events"
	"github.com/akmatori/escalator/internal/metrics"
)

// SystemActor is recorded for transitions nobody requested explicitly
const SystemActor = "system"

// allowedTransitions lists every legal edge of the alert lifecycle
var allowedTransitions = map[database.AlertState][]database.AlertState{
	database.AlertStateNew:           {database.AlertStateAcknowledged, database.AlertStateResolved},
	database.AlertStateAcknowledged:  {database.AlertStateInvestigating, database.AlertStateResolved},
	database.AlertStateInvestigating: {database.AlertStateResolved},
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to database.AlertState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine owns every mutation of an alert's lifecycle
type StateMachine struct {
	db       *gorm.DB
	outbox   *events.Outbox
	locks    *KeyedMutex
	sla      *SLATracker
	grouping *GroupingEngine
	now      func() time.Time
}

// NewStateMachine creates a state machine. Use NewEngine to get one wired to
// the grouping engine and SLA tracker.
func NewStateMachine(db *gorm.DB, outbox *events.Outbox, locks *KeyedMutex, sla *SLATracker) *StateMachine {
	return &StateMachine{
		db:     db,
		outbox: outbox,
		locks:  locks,
		sla:    sla,
		now:    time.Now,
	}
}

// Get returns a snapshot of an alert
func (m *StateMachine) Get(alertID string) (*database.Alert, error) {
	return loadAlert(m.db, alertID)
}

// AlertFilter narrows List results
type AlertFilter struct {
	States      []database.AlertState
	Severity    database.Severity
	Fingerprint string
}

// List returns alerts matching filter, newest first, and the total match count
func (m *StateMachine) List(filter AlertFilter, offset, limit int) ([]database.Alert, int64, error) {
	query := m.db.Model(&database.Alert{})
	if len(filter.States) > 0 {
		query = query.Where("state IN ?", filter.States)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Fingerprint != "" {
		query = query.Where("fingerprint = ?", filter.Fingerprint)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var alerts []database.Alert
	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&alerts).Error; err != nil {
		return nil, 0, err
	}
	return alerts, total, nil
}

// Acknowledge moves a New alert to Acknowledged and halts escalation
func (m *StateMachine) Acknowledge(alertID, actor string) (*database.Alert, error) {
	return m.transition(alertID, database.AlertStateAcknowledged, actor)
}

// StartInvestigating moves an Acknowledged alert to Investigating
func (m *StateMachine) StartInvestigating(alertID, actor string) (*database.Alert, error) {
	return m.transition(alertID, database.AlertStateInvestigating, actor)
}

// Resolve closes an alert and releases its group
func (m *StateMachine) Resolve(alertID, actor string) (*database.Alert, error) {
	return m.transition(alertID, database.AlertStateResolved, actor)
}

// Reopen creates a new alert for the fingerprint of a resolved alert. The
// resolved alert itself is never modified.
func (m *StateMachine) Reopen(alertID, actor string) (*database.Alert, error) {
	if m.grouping == nil {
		return nil, errors.New("state machine has no grouping engine")
	}
	return m.grouping.reopen(alertID, actor)
}

// AdvanceTier raises the escalation tier by one, up to maxTier. It reports
// whether the tier changed. Halted alerts keep their tier.
func (m *StateMachine) AdvanceTier(alertID string, maxTier int) (int, bool, error) {
	unlock := m.locks.Lock(alertKey(alertID))
	defer unlock()

	var tier int
	var advanced bool
	err := m.db.Transaction(func(tx *gorm.DB) error {
		alert, err := loadAlert(tx, alertID)
		if err != nil {
			return err
		}
		tier, advanced, err = advanceTierTx(tx, alert, alert.EscalationTier+1, maxTier)
		return err
	})
	return tier, advanced, err
}

// advanceTierTx moves alert to target (bounded by maxTier) inside tx
func advanceTierTx(tx *gorm.DB, alert *database.Alert, target, maxTier int) (int, bool, error) {
	if !alert.IsActive() {
		return alert.EscalationTier, false, ErrAlertResolved
	}
	if alert.EscalationHalted {
		return alert.EscalationTier, false, nil
	}
	if target > maxTier {
		target = maxTier
	}
	if target <= alert.EscalationTier {
		return alert.EscalationTier, false, nil
	}
	if err := tx.Model(&database.Alert{}).Where("id = ?", alert.ID).
		Update("escalation_tier", target).Error; err != nil {
		return alert.EscalationTier, false, fmt.Errorf("failed to advance tier: %w", err)
	}
	alert.EscalationTier = target
	return target, true, nil
}

func (m *StateMachine) transition(alertID string, to database.AlertState, actor string) (*database.Alert, error) {
	if actor == "" {
		actor = SystemActor
	}

	current, err := loadAlert(m.db, alertID)
	if err != nil {
		return nil, err
	}

	// resolution touches the group, so it takes the fingerprint lock first
	var unlockFP func()
	if to == database.AlertStateResolved {
		unlockFP = m.locks.Lock(fingerprintKey(current.Fingerprint))
	}
	unlock := m.locks.Lock(alertKey(alertID))

	var snapshot *database.Alert
	var from database.AlertState
	changed := false
	err = m.db.Transaction(func(tx *gorm.DB) error {
		alert, err := loadAlert(tx, alertID)
		if err != nil {
			return err
		}
		from = alert.State
		if alert.State == to {
			snapshot = alert
			return nil
		}
		if !CanTransition(alert.State, to) {
			return &TransitionError{AlertID: alertID, From: alert.State, To: to}
		}

		now := m.now()
		updates := map[string]interface{}{"state": to}
		switch to {
		case database.AlertStateAcknowledged:
			updates["acknowledged_at"] = now
			updates["acknowledged_by"] = actor
			updates["escalation_halted"] = true
		case database.AlertStateInvestigating:
			updates["investigating_at"] = now
		case database.AlertStateResolved:
			updates["resolved_at"] = now
			updates["resolved_by"] = actor
		}
		if err := tx.Model(&database.Alert{}).Where("id = ?", alertID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update alert: %w", err)
		}

		if to == database.AlertStateResolved {
			if err := releaseGroupTx(tx, alert, now); err != nil {
				return err
			}
		}

		if err := m.outbox.Enqueue(tx, events.Transitioned(events.AlertTransitioned{
			AlertID:     alertID,
			Fingerprint: alert.Fingerprint,
			Severity:    alert.Severity,
			From:        alert.State,
			To:          to,
			At:          now,
			Actor:       actor,
		})); err != nil {
			return err
		}

		snapshot, err = loadAlert(tx, alertID)
		if err != nil {
			return err
		}
		changed = true
		return nil
	})

	unlock()
	if unlockFP != nil {
		unlockFP()
	}
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
		log.Printf("StateMachine: alert %s %s -> %s by %s", alertID, from, to, actor)
		m.outbox.Deliver()
	}
	return snapshot, nil
}

// newAlertParams describes an alert about to be created by the grouping engine
type newAlertParams struct {
	Fingerprint  string
	Severity     database.Severity
	Source       string
	Category     string
	GroupID      uint
	IsReopen     bool
	ReopenedFrom string
	Actor        string
}

// createAlertTx inserts a New alert, starts its SLA clocks and records the
// creation event, all inside tx.
func (m *StateMachine) createAlertTx(tx *gorm.DB, p newAlertParams, now time.Time) (*database.Alert, error) {
	category := p.Category
	if category == "" {
		category = "default"
	}
	alert := &database.Alert{
		ID:           uuid.New().String(),
		Fingerprint:  p.Fingerprint,
		Severity:     p.Severity,
		Source:       p.Source,
		Category:     category,
		State:        database.AlertStateNew,
		GroupID:      p.GroupID,
		IsReopen:     p.IsReopen,
		ReopenedFrom: p.ReopenedFrom,
		CreatedAt:    now,
	}
	if err := tx.Create(alert).Error; err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}

	if err := m.sla.StartClocks(tx, alert.ID, alert.Severity, now); err != nil {
		return nil, err
	}

	actor := p.Actor
	if actor == "" {
		actor = SystemActor
	}
	if err := m.outbox.Enqueue(tx, events.Transitioned(events.AlertTransitioned{
		AlertID:     alert.ID,
		Fingerprint: alert.Fingerprint,
		Severity:    alert.Severity,
		To:          database.AlertStateNew,
		At:          now,
		Actor:       actor,
		IsReopen:    alert.IsReopen,
	})); err != nil {
		return nil, err
	}
	return alert, nil
}

// releaseGroupTx marks the alert's group dormant and anchors the flap window
// at the resolution time.
func releaseGroupTx(tx *gorm.DB, alert *database.Alert, resolvedAt time.Time) error {
	var group database.AlertGroup
	if err := tx.Where("fingerprint = ?", alert.Fingerprint).First(&group).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load group: %w", err)
	}
	if group.OpenAlertID == nil || *group.OpenAlertID != alert.ID {
		return nil
	}

	windowEnd := group.WindowEnd
	if resolvedAt.After(windowEnd) {
		windowEnd = resolvedAt
	}
	return tx.Model(&database.AlertGroup{}).Where("id = ?", group.ID).Updates(map[string]interface{}{
		"open_alert_id": nil,
		"last_alert_id": alert.ID,
		"window_end":    windowEnd,
	}).Error
}

func loadAlert(db *gorm.DB, alertID string) (*database.Alert, error) {
	var alert database.Alert
	if err := db.Where("id = ?", alertID).First(&alert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
		}
		return nil, fmt.Errorf("failed to load alert %s: %w", alertID, err)
	}
	return &alert, nil
}
