package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/akmatori/escalator/internal/config"
	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/events"
	"github.com/akmatori/escalator/internal/metrics"
)

// EscalationEngine turns creations and SLA breaches into notification tasks,
// walking the alert's escalation policy one tier per unacknowledged breach.
type EscalationEngine struct {
	db       *gorm.DB
	outbox   *events.Outbox
	policies *config.PolicyStore
	locks    *KeyedMutex
	resolver *OnCallResolver
	now      func() time.Time
	onQueued func()
}

// NewEscalationEngine creates an escalation engine
func NewEscalationEngine(db *gorm.DB, outbox *events.Outbox, policies *config.PolicyStore, locks *KeyedMutex, resolver *OnCallResolver) *EscalationEngine {
	return &EscalationEngine{
		db:       db,
		outbox:   outbox,
		policies: policies,
		locks:    locks,
		resolver: resolver,
		now:      time.Now,
	}
}

// OnTaskQueued registers a callback run after new tasks are committed
func (e *EscalationEngine) OnTaskQueued(fn func()) {
	e.onQueued = fn
}

// Subscribe wires the engine to lifecycle and breach events
func (e *EscalationEngine) Subscribe(bus *events.Bus) {
	bus.OnTransition(func(t events.AlertTransitioned) {
		var err error
		switch {
		case t.IsCreation():
			err = e.NotifyInitial(t.AlertID)
		case t.To == database.AlertStateAcknowledged:
			_, err = e.OnAcknowledge(t.AlertID)
		case t.To == database.AlertStateResolved:
			_, err = e.OnResolve(t.AlertID)
		}
		if err != nil && !errors.Is(err, ErrAlertResolved) {
			log.Printf("Escalation: failed to handle %s -> %s for %s: %v", t.From, t.To, t.AlertID, err)
		}
	})
	bus.OnBreach(func(b events.SLABreached) {
		err := e.OnBreach(b)
		if err != nil && !errors.Is(err, ErrDuplicateBreach) && !errors.Is(err, ErrAlertResolved) {
			log.Printf("Escalation: failed to handle %s breach for %s: %v", b.Kind, b.AlertID, err)
		}
	})
}

// GetPolicy returns the escalation policy for an alert's category
func (e *EscalationEngine) GetPolicy(alert *database.Alert) config.EscalationPolicy {
	return e.policies.Get().EscalationPolicyFor(alert.Category)
}

// tierPick is the tier that will be paged and who holds its role
type tierPick struct {
	tier   int
	role   string
	delay  time.Duration
	person *Person
}

// pickTier resolves tiers from..last at instant at and returns the first
// with coverage. Tiers without coverage are reported as gaps. When no tier
// has coverage the pick has a nil person and points at from.
func (e *EscalationEngine) pickTier(policy config.EscalationPolicy, from int, at time.Time, alertID string) (tierPick, []events.ConfigurationGap, error) {
	var gaps []events.ConfigurationGap
	for t := from; t <= policy.LastTier(); t++ {
		tier := policy.Tiers[t]
		person, err := e.resolver.WhoIsOnCall(tier.Role, at)
		if err == nil {
			return tierPick{tier: t, role: tier.Role, delay: tier.Delay, person: person}, gaps, nil
		}
		if !errors.Is(err, ErrNoCoverage) {
			return tierPick{}, gaps, err
		}
		log.Printf("Escalation: configuration gap, nobody holds %s (tier %d) for alert %s", tier.Role, t, alertID)
		metrics.ConfigurationGaps.WithLabelValues(tier.Role).Inc()
		gaps = append(gaps, events.ConfigurationGap{AlertID: alertID, Tier: t, Role: tier.Role, At: at})
	}
	first := policy.Tier(from)
	return tierPick{tier: from, role: first.Role, delay: first.Delay}, gaps, nil
}

// NotifyInitial pages tier 0 for a freshly created alert. Safe to call more than once.
func (e *EscalationEngine) NotifyInitial(alertID string) error {
	unlock := e.locks.Lock(alertKey(alertID))

	alert, err := loadAlert(e.db, alertID)
	if err != nil {
		unlock()
		return err
	}
	if !alert.IsActive() {
		unlock()
		return ErrAlertResolved
	}
	if alert.EscalationHalted {
		unlock()
		return nil
	}
	var existing int64
	if err := e.db.Model(&database.NotificationTask{}).
		Where("alert_id = ? AND reason = ?", alertID, database.NotificationReasonInitial).
		Count(&existing).Error; err != nil {
		unlock()
		return err
	}
	if existing > 0 {
		unlock()
		return nil
	}

	policy := e.GetPolicy(alert)
	from := alert.EscalationTier
	if from > policy.LastTier() {
		from = policy.LastTier()
	}
	pick, gaps, err := e.pickTier(policy, from, alert.CreatedAt, alertID)
	if err != nil {
		unlock()
		return err
	}

	err = e.db.Transaction(func(tx *gorm.DB) error {
		if pick.tier > alert.EscalationTier {
			if _, _, err := advanceTierTx(tx, alert, pick.tier, policy.LastTier()); err != nil {
				return err
			}
		}
		return e.queueTaskTx(tx, alert, pick, database.NotificationReasonInitial, alert.CreatedAt)
	})
	unlock()

	e.afterCommit(gaps, err == nil)
	return err
}

// OnBreach escalates an alert whose deadline passed. Each (alert, kind) is
// handled at most once; repeats return ErrDuplicateBreach.
func (e *EscalationEngine) OnBreach(b events.SLABreached) error {
	unlock := e.locks.Lock(alertKey(b.AlertID))

	alert, err := loadAlert(e.db, b.AlertID)
	if err != nil {
		unlock()
		return err
	}
	if !alert.IsActive() {
		unlock()
		metrics.Escalations.WithLabelValues("cancelled").Inc()
		return ErrAlertResolved
	}

	var seen int64
	if err := e.db.Model(&database.BreachRecord{}).
		Where("alert_id = ? AND kind = ?", b.AlertID, b.Kind).Count(&seen).Error; err != nil {
		unlock()
		return err
	}
	if seen > 0 {
		unlock()
		metrics.Escalations.WithLabelValues("duplicate").Inc()
		return ErrDuplicateBreach
	}

	policy := e.GetPolicy(alert)
	last := policy.LastTier()
	current := alert.EscalationTier
	if current > last {
		current = last
	}

	var reason database.NotificationReason
	advance := false
	from := current
	result := "advanced"

	acknowledged := alert.EscalationHalted || alert.State != database.AlertStateNew
	switch {
	case acknowledged && b.Kind == database.BreachKindTTR:
		reason = database.NotificationReasonTTRBreach
		result = "ttr_notice"
	case acknowledged:
		result = "halted"
	default:
		reason = database.NotificationReasonTTABreach
		if b.Kind == database.BreachKindTTR {
			reason = database.NotificationReasonTTRBreach
		}
		advance = true
		if current >= last {
			result = "last_tier"
		} else {
			from = current + 1
		}
	}

	var pick tierPick
	var gaps []events.ConfigurationGap
	if reason != "" {
		pick, gaps, err = e.pickTier(policy, from, b.At, b.AlertID)
		if err != nil {
			unlock()
			return err
		}
	}

	tierAfter := alert.EscalationTier
	err = e.db.Transaction(func(tx *gorm.DB) error {
		if advance && pick.tier > alert.EscalationTier {
			tier, _, err := advanceTierTx(tx, alert, pick.tier, last)
			if err != nil {
				return err
			}
			tierAfter = tier
		}

		record := &database.BreachRecord{AlertID: b.AlertID, Kind: b.Kind, TierAfter: tierAfter, HandledAt: e.now()}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(record)
		if res.Error != nil {
			return fmt.Errorf("failed to record breach: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrDuplicateBreach
		}

		if reason == "" {
			return nil
		}
		return e.queueTaskTx(tx, alert, pick, reason, b.At)
	})
	unlock()

	if errors.Is(err, ErrDuplicateBreach) {
		metrics.Escalations.WithLabelValues("duplicate").Inc()
		return err
	}
	if err == nil {
		metrics.Escalations.WithLabelValues(result).Inc()
		log.Printf("Escalation: %s breach on alert %s handled (%s), tier now %d", b.Kind, b.AlertID, result, tierAfter)
	}
	e.afterCommit(gaps, err == nil && reason != "")
	return err
}

// OnAcknowledge cancels pending escalation pages. The tier is frozen by the
// halt flag written in the acknowledge transaction.
func (e *EscalationEngine) OnAcknowledge(alertID string) (int64, error) {
	return e.cancelPending(alertID, []database.NotificationReason{
		database.NotificationReasonInitial,
		database.NotificationReasonTTABreach,
	})
}

// OnResolve cancels every pending page for the alert
func (e *EscalationEngine) OnResolve(alertID string) (int64, error) {
	return e.cancelPending(alertID, nil)
}

func (e *EscalationEngine) cancelPending(alertID string, reasons []database.NotificationReason) (int64, error) {
	query := e.db.Model(&database.NotificationTask{}).
		Where("alert_id = ? AND status = ?", alertID, database.NotificationStatusPending)
	if len(reasons) > 0 {
		query = query.Where("reason IN ?", reasons)
	}
	res := query.Updates(map[string]interface{}{
		"status":       database.NotificationStatusCancelled,
		"completed_at": e.now(),
	})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to cancel notifications for %s: %w", alertID, res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("Escalation: cancelled %d pending notifications for alert %s", res.RowsAffected, alertID)
	}
	return res.RowsAffected, nil
}

// queueTaskTx stores the page for pick, due at base + tier delay. A pick
// without a person is stored as failed so the gap stays visible.
func (e *EscalationEngine) queueTaskTx(tx *gorm.DB, alert *database.Alert, pick tierPick, reason database.NotificationReason, base time.Time) error {
	task := &database.NotificationTask{
		AlertID: alert.ID,
		Tier:    pick.tier,
		Role:    pick.role,
		Reason:  reason,
		Status:  database.NotificationStatusPending,
		DueAt:   base.Add(pick.delay),
	}
	if pick.person != nil {
		task.Person = pick.person.Name
		task.Email = pick.person.Email
		task.SlackID = pick.person.SlackID
	} else {
		now := e.now()
		task.Status = database.NotificationStatusFailed
		task.LastError = ErrNoCoverage.Error()
		task.CompletedAt = &now
		metrics.Notifications.WithLabelValues(string(reason), string(database.NotificationStatusFailed)).Inc()
		log.Printf("Escalation: no tier of alert %s has coverage, recorded failed %s notification", alert.ID, reason)
	}
	if err := tx.Create(task).Error; err != nil {
		return fmt.Errorf("failed to queue notification: %w", err)
	}
	return nil
}

func (e *EscalationEngine) afterCommit(gaps []events.ConfigurationGap, queued bool) {
	bus := e.outbox.Bus()
	for _, g := range gaps {
		bus.Publish(events.Gap(g))
	}
	if queued && e.onQueued != nil {
		e.onQueued()
	}
}
