package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/events"
	"github.com/akmatori/escalator/internal/metrics"
	"github.com/akmatori/escalator/internal/notify"
)

const (
	maxNotificationAttempts = 3
	notificationRetention   = 24 * time.Hour
	dispatchBatchSize       = 100
	sendTimeout             = 10 * time.Second
)

// NotificationDispatcher delivers due notification tasks
type NotificationDispatcher struct {
	db       *gorm.DB
	notifier notify.Notifier
	outbox   *events.Outbox
	now      func() time.Time
	kick     chan struct{}
}

// NewNotificationDispatcher creates a dispatcher. outbox may be nil, in which
// case delivered domain events are not pruned.
func NewNotificationDispatcher(db *gorm.DB, notifier notify.Notifier, outbox *events.Outbox) *NotificationDispatcher {
	return &NotificationDispatcher{
		db:       db,
		notifier: notifier,
		outbox:   outbox,
		now:      time.Now,
		kick:     make(chan struct{}, 1),
	}
}

// SetClock replaces the time source
func (d *NotificationDispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Kick asks the running loop to dispatch without waiting for the next tick
func (d *NotificationDispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run sends every pending task due at or before now and returns how many were sent
func (d *NotificationDispatcher) Run(ctx context.Context, now time.Time) (int, error) {
	var tasks []database.NotificationTask
	err := d.db.Where("status = ? AND due_at <= ?", database.NotificationStatusPending, now).
		Order("due_at, id").Limit(dispatchBatchSize).Find(&tasks).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load due notifications: %w", err)
	}

	sent := 0
	for i := range tasks {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		ok, err := d.dispatch(ctx, &tasks[i])
		if err != nil {
			log.Printf("Dispatcher: task %d for alert %s: %v", tasks[i].ID, tasks[i].AlertID, err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (d *NotificationDispatcher) dispatch(ctx context.Context, task *database.NotificationTask) (bool, error) {
	var alert database.Alert
	if err := d.db.Where("id = ?", task.AlertID).First(&alert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, d.finish(task, database.NotificationStatusCancelled, "alert not found")
		}
		return false, err
	}

	// acknowledgment or resolution may have committed after the task was due
	if !alert.IsActive() {
		return false, d.finish(task, database.NotificationStatusCancelled, "")
	}
	if alert.EscalationHalted && task.Reason != database.NotificationReasonTTRBreach {
		return false, d.finish(task, database.NotificationStatusCancelled, "")
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := d.notifier.Notify(sendCtx, notify.Notification{Task: *task, Alert: alert})
	cancel()

	attempts := task.Attempts + 1
	if err == nil {
		if err := d.db.Model(&database.NotificationTask{}).Where("id = ?", task.ID).Updates(map[string]interface{}{
			"status":       database.NotificationStatusSent,
			"attempts":     attempts,
			"last_error":   "",
			"completed_at": d.now(),
		}).Error; err != nil {
			return false, err
		}
		metrics.Notifications.WithLabelValues(string(task.Reason), string(database.NotificationStatusSent)).Inc()
		log.Printf("Dispatcher: sent %s notification for alert %s to %s via %s", task.Reason, task.AlertID, task.Person, d.notifier.Name())
		return true, nil
	}

	if attempts >= maxNotificationAttempts {
		task.Attempts = attempts
		log.Printf("Dispatcher: giving up on task %d after %d attempts: %v", task.ID, attempts, err)
		return false, d.finish(task, database.NotificationStatusFailed, err.Error())
	}
	return false, d.db.Model(&database.NotificationTask{}).Where("id = ?", task.ID).Updates(map[string]interface{}{
		"attempts":   attempts,
		"last_error": err.Error(),
	}).Error
}

func (d *NotificationDispatcher) finish(task *database.NotificationTask, status database.NotificationStatus, reason string) error {
	updates := map[string]interface{}{
		"status":       status,
		"attempts":     task.Attempts,
		"completed_at": d.now(),
	}
	if reason != "" {
		updates["last_error"] = reason
	}
	if err := d.db.Model(&database.NotificationTask{}).Where("id = ?", task.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to mark task %s: %w", status, err)
	}
	metrics.Notifications.WithLabelValues(string(task.Reason), string(status)).Inc()
	return nil
}

// Prune removes sent and cancelled tasks and delivered domain events older than a day
func (d *NotificationDispatcher) Prune() (int64, error) {
	cutoff := d.now().Add(-notificationRetention)
	res := d.db.Where("status IN ? AND completed_at < ?",
		[]database.NotificationStatus{database.NotificationStatusSent, database.NotificationStatusCancelled}, cutoff).
		Delete(&database.NotificationTask{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune notifications: %w", res.Error)
	}
	pruned := res.RowsAffected

	if d.outbox != nil {
		n, err := d.outbox.Prune(notificationRetention)
		if err != nil {
			return pruned, fmt.Errorf("failed to prune domain events: %w", err)
		}
		pruned += n
	}
	return pruned, nil
}

// Start begins periodic dispatch. Kick wakes the loop early.
func (d *NotificationDispatcher) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(time.Hour)
	defer pruneTicker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	run := func() {
		sent, err := d.Run(ctx, d.now())
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Notification dispatcher error: %v", err)
		} else if sent > 0 {
			log.Printf("Notification dispatcher: sent %d notifications", sent)
		}
	}

	for {
		select {
		case <-ticker.C:
			run()
		case <-d.kick:
			run()
		case <-pruneTicker.C:
			if n, err := d.Prune(); err != nil {
				log.Printf("Notification dispatcher prune error: %v", err)
			} else if n > 0 {
				log.Printf("Notification dispatcher: pruned %d rows", n)
			}
		case <-stop:
			log.Println("Notification dispatcher stopped")
			return
		}
	}
}
