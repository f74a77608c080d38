package services

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/metrics"
)

func breachCount(t *testing.T, kind, severity string) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.Breaches.WithLabelValues(kind, severity).Write(&m); err != nil {
		t.Fatalf("failed to read breach counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestSLATracker_DeadlinesFromSeverity(t *testing.T) {
	h := newHarness(t, testPolicy)
	id := h.ingest("api-latency", "critical").AlertID

	clock, err := h.engine.SLA.Clock(id)
	if err != nil {
		t.Fatalf("Clock() error = %v", err)
	}
	if !clock.TTADeadline.Equal(t0.Add(5 * time.Minute)) {
		t.Errorf("tta deadline = %s", clock.TTADeadline)
	}
	if !clock.TTRDeadline.Equal(t0.Add(30 * time.Minute)) {
		t.Errorf("ttr deadline = %s", clock.TTRDeadline)
	}
	if !clock.TTADeadline.Before(clock.TTRDeadline) {
		t.Error("tta deadline must precede ttr deadline")
	}
	if !clock.TTAActive || !clock.TTRActive || clock.TTABreached || clock.TTRBreached {
		t.Errorf("unexpected initial clock %+v", clock)
	}
}

func TestSLATracker_BreachStrictlyAfterDeadlineAndOnce(t *testing.T) {
	h := newHarness(t, testPolicy)
	id := h.ingest("api-latency", "critical").AlertID

	if n := h.tick(t0.Add(5 * time.Minute)); n != 0 {
		t.Fatalf("tick at the deadline emitted %d breaches", n)
	}
	if n := h.tick(t0.Add(5*time.Minute + time.Second)); n != 1 {
		t.Fatalf("expected one TTA breach, got %d", n)
	}
	if n := h.tick(t0.Add(6 * time.Minute)); n != 0 {
		t.Fatalf("breach fired again: %d", n)
	}

	clock, _ := h.engine.SLA.Clock(id)
	if !clock.TTABreached || clock.TTABreachedAt == nil || clock.TTRBreached {
		t.Errorf("unexpected clock after TTA breach %+v", clock)
	}

	if n := h.tick(t0.Add(31 * time.Minute)); n != 1 {
		t.Fatalf("expected one TTR breach, got %d", n)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.breaches) != 2 {
		t.Fatalf("expected 2 breach events, got %d", len(h.breaches))
	}
	if h.breaches[0].Kind != database.BreachKindTTA || h.breaches[1].Kind != database.BreachKindTTR {
		t.Errorf("unexpected breach order %+v", h.breaches)
	}
	if !h.breaches[0].Deadline.Equal(t0.Add(5 * time.Minute)) {
		t.Errorf("breach deadline = %s", h.breaches[0].Deadline)
	}
}

func TestSLATracker_AcknowledgeStopsOnlyTTA(t *testing.T) {
	h := newHarness(t, testPolicy)
	id := h.ingest("api-latency", "critical").AlertID

	h.clock.Set(t0.Add(2 * time.Minute))
	if _, err := h.engine.States.Acknowledge(id, "alice"); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	clock, _ := h.engine.SLA.Clock(id)
	if clock.TTAActive || !clock.TTRActive {
		t.Fatalf("expected only TTA stopped, got %+v", clock)
	}

	if n := h.tick(t0.Add(10 * time.Minute)); n != 0 {
		t.Errorf("acknowledged alert breached TTA: %d", n)
	}
	if n := h.tick(t0.Add(31 * time.Minute)); n != 1 {
		t.Errorf("expected TTR breach on acknowledged alert, got %d", n)
	}
}

func TestSLATracker_ResolvedAlertNeverBreaches(t *testing.T) {
	h := newHarness(t, testPolicy)
	id := h.ingest("api-latency", "critical").AlertID

	if _, err := h.engine.States.Resolve(id, "alice"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if n := h.tick(t0.Add(2 * time.Hour)); n != 0 {
		t.Errorf("resolved alert breached: %d", n)
	}
	clock, _ := h.engine.SLA.Clock(id)
	if clock.TTAActive || clock.TTRActive || clock.TTABreached || clock.TTRBreached {
		t.Errorf("unexpected clock %+v", clock)
	}
}

func TestSLATracker_TickReadsCommittedStateNotClockFlags(t *testing.T) {
	h := newHarness(t, testPolicy)
	id := h.ingest("api-latency", "critical").AlertID

	// resolution committed but its event not yet delivered
	if err := h.db.Model(&database.Alert{}).Where("id = ?", id).
		Update("state", database.AlertStateResolved).Error; err != nil {
		t.Fatal(err)
	}

	if n := h.tick(t0.Add(time.Hour)); n != 0 {
		t.Errorf("expected no breach for resolved alert, got %d", n)
	}
	clock, _ := h.engine.SLA.Clock(id)
	if clock.TTAActive || clock.TTRActive {
		t.Errorf("expected stale clocks to be deactivated, got %+v", clock)
	}
}

func TestSLATracker_RolledBackBreachIsNotCounted(t *testing.T) {
	h := newHarness(t, testPolicy)
	id := h.ingest("api-latency", "critical").AlertID
	before := breachCount(t, "TTA", "critical")

	// enqueueing the breach fails, so the whole evaluation rolls back
	if err := h.db.Migrator().DropTable(&database.DomainEvent{}); err != nil {
		t.Fatalf("DropTable() error = %v", err)
	}
	if n := h.tick(t0.Add(6 * time.Minute)); n != 0 {
		t.Fatalf("rolled back breach reported as emitted: %d", n)
	}
	if got := breachCount(t, "TTA", "critical"); got != before {
		t.Errorf("breach counter moved on rollback: %v -> %v", before, got)
	}
	clock, _ := h.engine.SLA.Clock(id)
	if clock.TTABreached {
		t.Fatal("clock flag survived the rollback")
	}

	if err := h.db.AutoMigrate(&database.DomainEvent{}); err != nil {
		t.Fatalf("AutoMigrate() error = %v", err)
	}
	if n := h.tick(t0.Add(7 * time.Minute)); n != 1 {
		t.Fatalf("expected the breach on the next tick, got %d", n)
	}
	if got := breachCount(t, "TTA", "critical"); got != before+1 {
		t.Errorf("breach counter = %v, want %v", got, before+1)
	}
	if tier := h.alert(id).EscalationTier; tier != 1 {
		t.Errorf("expected tier 1, got %d", tier)
	}
}
