package events

import (
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/escalator/internal/database"
)

const deliverBatchSize = 100

// Outbox persists events in the same transaction as the state change that
// produced them and publishes them on the bus once that transaction commits.
type Outbox struct {
	db  *gorm.DB
	bus *Bus
	now func() time.Time

	mu         sync.Mutex
	delivering bool
	dirty      bool
}

// NewOutbox creates an outbox writing to db and publishing on bus
func NewOutbox(db *gorm.DB, bus *Bus) *Outbox {
	return &Outbox{db: db, bus: bus, now: time.Now}
}

// Bus returns the bus events are published on
func (o *Outbox) Bus() *Bus {
	return o.bus
}

// Enqueue records e inside tx. The event reaches subscribers on the next Deliver.
func (o *Outbox) Enqueue(tx *gorm.DB, e Event) error {
	row, err := toRow(e)
	if err != nil {
		return err
	}
	if err := tx.Create(row).Error; err != nil {
		return fmt.Errorf("failed to enqueue %s event: %w", e.Kind, err)
	}
	return nil
}

// Deliver publishes every undelivered event in insertion order. Calls made
// while a delivery is already running (including from inside a handler) are
// folded into the running delivery, which keeps going until the outbox is empty.
func (o *Outbox) Deliver() {
	o.mu.Lock()
	if o.delivering {
		o.dirty = true
		o.mu.Unlock()
		return
	}
	o.delivering = true
	o.mu.Unlock()

	for {
		n, err := o.deliverBatch()
		if err != nil {
			log.Printf("Outbox: delivery failed, will retry: %v", err)
		}
		if n > 0 && err == nil {
			continue
		}
		o.mu.Lock()
		if !o.dirty || err != nil {
			o.delivering = false
			o.dirty = false
			o.mu.Unlock()
			return
		}
		o.dirty = false
		o.mu.Unlock()
	}
}

// ReplayPending delivers events left undelivered by a previous process
func (o *Outbox) ReplayPending() (int, error) {
	var count int64
	if err := o.db.Model(&database.DomainEvent{}).Where("delivered = ?", false).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	if count > 0 {
		log.Printf("Outbox: replaying %d undelivered events", count)
		o.Deliver()
	}
	return int(count), nil
}

// Prune removes delivered events older than the cutoff
func (o *Outbox) Prune(olderThan time.Duration) (int64, error) {
	cutoff := o.now().Add(-olderThan)
	result := o.db.Where("delivered = ? AND delivered_at < ?", true, cutoff).Delete(&database.DomainEvent{})
	return result.RowsAffected, result.Error
}

func (o *Outbox) deliverBatch() (int, error) {
	var rows []database.DomainEvent
	if err := o.db.Where("delivered = ?", false).Order("id ASC").Limit(deliverBatchSize).Find(&rows).Error; err != nil {
		return 0, err
	}

	for _, row := range rows {
		e, err := fromRow(row)
		if err != nil {
			// undecodable rows would block the outbox forever
			log.Printf("Outbox: dropping event %d: %v", row.ID, err)
		} else {
			o.bus.Publish(e)
		}
		now := o.now()
		if err := o.db.Model(&database.DomainEvent{}).Where("id = ?", row.ID).
			Updates(map[string]interface{}{"delivered": true, "delivered_at": now}).Error; err != nil {
			return 0, fmt.Errorf("failed to mark event %d delivered: %w", row.ID, err)
		}
	}
	return len(rows), nil
}

// SetClock replaces the clock used for delivery timestamps
func (o *Outbox) SetClock(now func() time.Time) {
	o.now = now
}
