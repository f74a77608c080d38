package services

import (
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/escalator/internal/config"
	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/events"
)

// Engine bundles the alert lifecycle components sharing one lock table,
// one outbox and one clock.
type Engine struct {
	DB         *gorm.DB
	Policies   *config.PolicyStore
	Bus        *events.Bus
	Outbox     *events.Outbox
	Locks      *KeyedMutex
	Grouping   *GroupingEngine
	States     *StateMachine
	SLA        *SLATracker
	OnCall     *OnCallResolver
	Escalation *EscalationEngine
}

// EngineOption customizes NewEngine
type EngineOption func(*engineOptions)

type engineOptions struct {
	now      func() time.Time
	cacheTTL time.Duration
}

// WithClock makes every component read time from now
func WithClock(now func() time.Time) EngineOption {
	return func(o *engineOptions) { o.now = now }
}

// WithOnCallCacheTTL sets how long override lookups are cached
func WithOnCallCacheTTL(ttl time.Duration) EngineOption {
	return func(o *engineOptions) { o.cacheTTL = ttl }
}

// NewEngine builds and wires all components. Subscribers are registered on
// bus in order: SLA clocks stop before escalation reacts to a transition.
func NewEngine(db *gorm.DB, policies *config.PolicyStore, bus *events.Bus, opts ...EngineOption) *Engine {
	o := &engineOptions{now: time.Now, cacheTTL: database.MaxOnCallCacheTTLSeconds * time.Second}
	for _, opt := range opts {
		opt(o)
	}

	outbox := events.NewOutbox(db, bus)
	outbox.SetClock(o.now)
	locks := NewKeyedMutex()

	sla := NewSLATracker(db, outbox, policies, locks)
	states := NewStateMachine(db, outbox, locks, sla)
	states.now = o.now
	grouping := NewGroupingEngine(db, outbox, locks, states)
	grouping.now = o.now
	resolver := NewOnCallResolver(db, policies, o.cacheTTL)
	resolver.now = o.now
	resolver.overrides.SetClock(o.now)
	escalation := NewEscalationEngine(db, outbox, policies, locks, resolver)
	escalation.now = o.now

	bus.OnTransition(sla.OnTransition)
	escalation.Subscribe(bus)

	return &Engine{
		DB:         db,
		Policies:   policies,
		Bus:        bus,
		Outbox:     outbox,
		Locks:      locks,
		Grouping:   grouping,
		States:     states,
		SLA:        sla,
		OnCall:     resolver,
		Escalation: escalation,
	}
}

// Stop releases background resources
func (e *Engine) Stop() {
	e.OnCall.Stop()
}
