package services

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/events"
	"github.com/akmatori/escalator/internal/metrics"
)

// IngestEvent is one raw detection event
type IngestEvent struct {
	Fingerprint string    `json:"fingerprint"`
	Severity    string    `json:"severity"`
	Source      string    `json:"source"`
	Timestamp   time.Time `json:"timestamp"`
	Category    string    `json:"category,omitempty"`
}

// IngestResult tells the caller which alert absorbed the event
type IngestResult struct {
	AlertID    string `json:"alert_id"`
	IsNew      bool   `json:"is_new"`
	IsReopen   bool   `json:"is_reopen"`
	EventCount int    `json:"event_count"`
}

// GroupingEngine folds bursts of events with the same fingerprint into one alert
type GroupingEngine struct {
	db     *gorm.DB
	outbox *events.Outbox
	locks  *KeyedMutex
	states *StateMachine
	now    func() time.Time
}

// NewGroupingEngine creates a grouping engine that creates alerts through states
func NewGroupingEngine(db *gorm.DB, outbox *events.Outbox, locks *KeyedMutex, states *StateMachine) *GroupingEngine {
	g := &GroupingEngine{
		db:     db,
		outbox: outbox,
		locks:  locks,
		states: states,
		now:    time.Now,
	}
	states.grouping = g
	return g
}

// Ingest records an event and returns the alert it belongs to
func (g *GroupingEngine) Ingest(ev IngestEvent) (*IngestResult, error) {
	fingerprint := strings.TrimSpace(ev.Fingerprint)
	if fingerprint == "" {
		metrics.EventsIngested.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: fingerprint is required", ErrInvalidEvent)
	}
	severity, ok := database.ParseSeverity(ev.Severity)
	if !ok {
		metrics.EventsIngested.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, ev.Severity)
	}

	settings, err := database.GetOrCreateEngineSettings(g.db)
	if err != nil {
		return nil, fmt.Errorf("failed to load engine settings: %w", err)
	}

	unlock := g.locks.Lock(fingerprintKey(fingerprint))

	now := g.now()
	eventAt := ev.Timestamp
	if eventAt.IsZero() {
		eventAt = now
	}

	var result IngestResult
	err = g.db.Transaction(func(tx *gorm.DB) error {
		group, err := loadGroup(tx, fingerprint)
		if err != nil {
			return err
		}

		if group != nil && !group.IsDormant() {
			open, err := loadAlert(tx, *group.OpenAlertID)
			if err != nil && !errors.Is(err, ErrAlertNotFound) {
				return err
			}
			if open != nil && open.IsActive() {
				return g.absorbTx(tx, group, open, eventAt, now, settings, &result)
			}
			// a group pointing at a missing or resolved alert is treated as dormant
			log.Printf("Grouping: group %s pointed at inactive alert, releasing", fingerprint)
			group.OpenAlertID = nil
		}

		params := newAlertParams{
			Fingerprint: fingerprint,
			Severity:    severity,
			Source:      ev.Source,
			Category:    ev.Category,
			Actor:       ev.Source,
		}
		if group != nil && now.Sub(group.WindowEnd) <= settings.FlapWindow() && group.LastAlertID != "" {
			params.IsReopen = true
			params.ReopenedFrom = group.LastAlertID
			if params.Category == "" {
				if prev, err := loadAlert(tx, group.LastAlertID); err == nil {
					params.Category = prev.Category
				}
			}
		}
		alert, err := g.openAlertTx(tx, group, params, eventAt, now, settings)
		if err != nil {
			return err
		}
		result = IngestResult{AlertID: alert.ID, IsNew: true, IsReopen: alert.IsReopen, EventCount: 1}
		return nil
	})
	unlock()

	if err != nil {
		return nil, err
	}

	switch {
	case result.IsReopen:
		metrics.EventsIngested.WithLabelValues("reopened").Inc()
		log.Printf("Grouping: fingerprint %s flapped, reopened as alert %s", fingerprint, result.AlertID)
	case result.IsNew:
		metrics.EventsIngested.WithLabelValues("new").Inc()
		log.Printf("Grouping: created alert %s for fingerprint %s (%s)", result.AlertID, fingerprint, severity)
	default:
		metrics.EventsIngested.WithLabelValues("grouped").Inc()
	}
	if result.IsNew {
		g.outbox.Deliver()
	}
	return &result, nil
}

// Group returns the group for a fingerprint, or nil
func (g *GroupingEngine) Group(fingerprint string) (*database.AlertGroup, error) {
	return loadGroup(g.db, fingerprint)
}

// absorbTx folds an event into the currently open alert
func (g *GroupingEngine) absorbTx(tx *gorm.DB, group *database.AlertGroup, open *database.Alert, eventAt, now time.Time, settings *database.EngineSettings, result *IngestResult) error {
	count := group.EventCount + 1
	windowEnd := now.Add(settings.GroupingWindow())
	if group.WindowEnd.After(windowEnd) {
		windowEnd = group.WindowEnd
	}
	if err := tx.Model(&database.AlertGroup{}).Where("id = ?", group.ID).Updates(map[string]interface{}{
		"event_count":   count,
		"window_end":    windowEnd,
		"last_event_at": eventAt,
	}).Error; err != nil {
		return fmt.Errorf("failed to update group: %w", err)
	}
	*result = IngestResult{AlertID: open.ID, EventCount: count}
	return nil
}

// openAlertTx creates a new alert and points the group at it, resetting the window
func (g *GroupingEngine) openAlertTx(tx *gorm.DB, group *database.AlertGroup, p newAlertParams, eventAt, now time.Time, settings *database.EngineSettings) (*database.Alert, error) {
	if group == nil {
		group = &database.AlertGroup{
			Fingerprint: p.Fingerprint,
			Severity:    p.Severity,
			WindowStart: now,
			WindowEnd:   now.Add(settings.GroupingWindow()),
			EventCount:  0,
		}
		if err := tx.Create(group).Error; err != nil {
			return nil, fmt.Errorf("failed to create group: %w", err)
		}
	}
	p.GroupID = group.ID

	alert, err := g.states.createAlertTx(tx, p, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Model(&database.AlertGroup{}).Where("id = ?", group.ID).Updates(map[string]interface{}{
		"severity":      p.Severity,
		"window_start":  now,
		"window_end":    now.Add(settings.GroupingWindow()),
		"event_count":   1,
		"open_alert_id": alert.ID,
		"last_alert_id": alert.ID,
		"last_event_at": eventAt,
	}).Error; err != nil {
		return nil, fmt.Errorf("failed to update group: %w", err)
	}
	return alert, nil
}

// reopen backs StateMachine.Reopen: a fresh alert inheriting the resolved
// alert's fingerprint, severity, source and category.
func (g *GroupingEngine) reopen(alertID, actor string) (*database.Alert, error) {
	if actor == "" {
		actor = SystemActor
	}
	resolved, err := loadAlert(g.db, alertID)
	if err != nil {
		return nil, err
	}
	if resolved.State != database.AlertStateResolved {
		return nil, &TransitionError{AlertID: alertID, From: resolved.State, To: database.AlertStateNew}
	}

	settings, err := database.GetOrCreateEngineSettings(g.db)
	if err != nil {
		return nil, fmt.Errorf("failed to load engine settings: %w", err)
	}

	unlock := g.locks.Lock(fingerprintKey(resolved.Fingerprint))

	var result *database.Alert
	created := false
	err = g.db.Transaction(func(tx *gorm.DB) error {
		group, err := loadGroup(tx, resolved.Fingerprint)
		if err != nil {
			return err
		}
		if group != nil && !group.IsDormant() {
			open, err := loadAlert(tx, *group.OpenAlertID)
			if err != nil && !errors.Is(err, ErrAlertNotFound) {
				return err
			}
			if open != nil && open.IsActive() {
				if open.ReopenedFrom == alertID {
					result = open
					return nil
				}
				return &TransitionError{AlertID: alertID, From: resolved.State, To: database.AlertStateNew}
			}
		}

		now := g.now()
		alert, err := g.openAlertTx(tx, group, newAlertParams{
			Fingerprint:  resolved.Fingerprint,
			Severity:     resolved.Severity,
			Source:       resolved.Source,
			Category:     resolved.Category,
			IsReopen:     true,
			ReopenedFrom: alertID,
			Actor:        actor,
		}, now, now, settings)
		if err != nil {
			return err
		}
		result = alert
		created = true
		return nil
	})
	unlock()

	if err != nil {
		return nil, err
	}
	if created {
		metrics.EventsIngested.WithLabelValues("reopened").Inc()
		log.Printf("Grouping: alert %s reopened as %s by %s", alertID, result.ID, actor)
		g.outbox.Deliver()
	}
	return result, nil
}

func loadGroup(db *gorm.DB, fingerprint string) (*database.AlertGroup, error) {
	var group database.AlertGroup
	if err := db.Where("fingerprint = ?", fingerprint).First(&group).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load group %s: %w", fingerprint, err)
	}
	return &group, nil
}
