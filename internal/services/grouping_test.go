package services

import (
	"errors"
	"testing"
	"time"

	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/testhelpers"
)

func TestGrouping_BurstBecomesOneAlert(t *testing.T) {
	h := newHarness(t, testPolicy)

	var first *IngestResult
	for i := 0; i < 50; i++ {
		h.clock.Advance(time.Second)
		res := h.ingest("disk-full-host7", "critical")
		if first == nil {
			first = res
			continue
		}
		if res.AlertID != first.AlertID || res.IsNew {
			t.Fatalf("event %d created a new alert", i)
		}
	}

	var alerts int64
	h.db.Model(&database.Alert{}).Count(&alerts)
	if alerts != 1 {
		t.Errorf("expected 1 alert, got %d", alerts)
	}
	group, err := h.engine.Grouping.Group("disk-full-host7")
	if err != nil || group == nil {
		t.Fatalf("Group() = %v, %v", group, err)
	}
	if group.EventCount != 50 {
		t.Errorf("expected 50 grouped events, got %d", group.EventCount)
	}
	if group.OpenAlertID == nil || *group.OpenAlertID != first.AlertID {
		t.Errorf("expected group to point at %s", first.AlertID)
	}
	if h.transitionsTo(first.AlertID, database.AlertStateNew) != 1 {
		t.Error("expected exactly one creation event")
	}
}

func TestGrouping_SeverityAliases(t *testing.T) {
	h := newHarness(t, testPolicy)
	res := h.ingest("svc-a", "P1")
	if sev := h.alert(res.AlertID).Severity; sev != database.SeverityCritical {
		t.Errorf("expected P1 to map to critical, got %s", sev)
	}
}

func TestGrouping_RejectsInvalidEvents(t *testing.T) {
	h := newHarness(t, testPolicy)
	tests := []IngestEvent{
		{Fingerprint: "", Severity: "critical"},
		{Fingerprint: "   ", Severity: "critical"},
		{Fingerprint: "fp", Severity: "catastrophic"},
	}
	for _, ev := range tests {
		if _, err := h.engine.Grouping.Ingest(ev); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("Ingest(%+v) error = %v, want ErrInvalidEvent", ev, err)
		}
	}
}

func TestGrouping_FlapReopensWithinWindow(t *testing.T) {
	h := newHarness(t, testPolicy)
	first := h.ingest("flappy", "high")

	h.clock.Set(t0.Add(time.Minute))
	if _, err := h.engine.States.Resolve(first.AlertID, "alice"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	h.clock.Set(t0.Add(2 * time.Minute))
	second := h.ingest("flappy", "high")
	if !second.IsNew || !second.IsReopen {
		t.Fatalf("expected reopened alert, got %+v", second)
	}
	reopened := h.alert(second.AlertID)
	if reopened.ReopenedFrom != first.AlertID || reopened.State != database.AlertStateNew {
		t.Errorf("unexpected reopened alert: %+v", reopened)
	}
	if old := h.alert(first.AlertID); old.State != database.AlertStateResolved {
		t.Errorf("expected original alert to stay resolved, got %s", old.State)
	}

	if _, err := h.engine.States.Resolve(second.AlertID, "alice"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	// group window ends at 2m+5m, the flap window is 10m after that
	h.clock.Set(t0.Add(20 * time.Minute))
	third := h.ingest("flappy", "high")
	if !third.IsNew || third.IsReopen {
		t.Errorf("expected fresh alert after flap window, got %+v", third)
	}
}

func TestStateMachine_TransitionRules(t *testing.T) {
	h := newHarness(t, testPolicy)
	res := h.ingest("rules", "medium")

	_, err := h.engine.States.StartInvestigating(res.AlertID, "alice")
	var te *TransitionError
	if !errors.As(err, &te) || !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if te.From != database.AlertStateNew || te.To != database.AlertStateInvestigating {
		t.Errorf("unexpected transition error: %+v", te)
	}

	if _, err := h.engine.States.Acknowledge(res.AlertID, "alice"); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	again, err := h.engine.States.Acknowledge(res.AlertID, "bob")
	if err != nil {
		t.Fatalf("repeated Acknowledge() error = %v", err)
	}
	if again.AcknowledgedBy != "alice" {
		t.Errorf("expected repeated acknowledge to be a no-op, got %s", again.AcknowledgedBy)
	}

	h.clock.Set(t0.Add(3 * time.Minute))
	resolved, err := h.engine.States.Resolve(res.AlertID, "alice")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	h.clock.Set(t0.Add(4 * time.Minute))
	again, err = h.engine.States.Resolve(res.AlertID, "bob")
	if err != nil {
		t.Fatalf("repeated Resolve() error = %v", err)
	}
	if !again.ResolvedAt.Equal(*resolved.ResolvedAt) || again.ResolvedBy != "alice" {
		t.Errorf("expected repeated resolve to keep first resolution, got %+v", again)
	}
	if h.transitionsTo(res.AlertID, database.AlertStateResolved) != 1 {
		t.Error("expected exactly one resolved event")
	}

	if _, err := h.engine.States.Acknowledge(res.AlertID, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected acknowledging a resolved alert to fail, got %v", err)
	}
	if _, err := h.engine.States.Acknowledge("missing", "alice"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("expected ErrAlertNotFound, got %v", err)
	}
}

func TestStateMachine_Reopen(t *testing.T) {
	h := newHarness(t, testPolicy)
	res := h.ingest("reopen-me", "low")

	if _, err := h.engine.States.Reopen(res.AlertID, "alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected reopening an open alert to fail, got %v", err)
	}

	if _, err := h.engine.States.Resolve(res.AlertID, "alice"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	reopened, err := h.engine.States.Reopen(res.AlertID, "alice")
	if err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}
	if reopened.ID == res.AlertID || reopened.ReopenedFrom != res.AlertID || !reopened.IsReopen {
		t.Errorf("unexpected reopened alert: %+v", reopened)
	}

	again, err := h.engine.States.Reopen(res.AlertID, "bob")
	if err != nil || again.ID != reopened.ID {
		t.Errorf("expected repeated reopen to return %s, got %v, %v", reopened.ID, again, err)
	}

	if len(h.tasks(reopened.ID)) != 1 {
		t.Error("expected reopened alert to page tier 0")
	}
}

func TestStateMachine_ConcurrentCommands(t *testing.T) {
	h := newHarness(t, testPolicy)
	res := h.ingest("storm", "critical")

	commands := []func(string, string) (*database.Alert, error){
		h.engine.States.Acknowledge,
		h.engine.States.StartInvestigating,
		h.engine.States.Resolve,
	}

	testhelpers.ConcurrentTest(t, 30, func(worker int) {
		_, err := commands[worker%len(commands)](res.AlertID, "worker")
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	if _, err := h.engine.States.Resolve(res.AlertID, "worker"); err != nil {
		t.Fatalf("final Resolve() error = %v", err)
	}
	for _, state := range []database.AlertState{database.AlertStateAcknowledged, database.AlertStateResolved} {
		if n := h.transitionsTo(res.AlertID, state); n > 1 {
			t.Errorf("expected at most one transition into %s, got %d", state, n)
		}
	}
	if h.engine.Locks.Len() != 0 {
		t.Errorf("expected all locks released, %d held", h.engine.Locks.Len())
	}
}

func TestGrouping_ConcurrentBurstBecomesOneAlert(t *testing.T) {
	h := newHarness(t, testPolicy)

	ids := make([]string, 20)
	testhelpers.ConcurrentTest(t, len(ids), func(worker int) {
		res, err := h.engine.Grouping.Ingest(IngestEvent{Fingerprint: "disk-full-host9", Severity: "high"})
		if err != nil {
			t.Errorf("Ingest() error = %v", err)
			return
		}
		ids[worker] = res.AlertID
	})

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent events opened more than one alert: %v", ids)
		}
	}
	group, err := h.engine.Grouping.Group("disk-full-host9")
	if err != nil {
		t.Fatal(err)
	}
	if group.EventCount != len(ids) {
		t.Errorf("event_count = %d, want %d", group.EventCount, len(ids))
	}
}

func TestStateMachine_List(t *testing.T) {
	h := newHarness(t, testPolicy)
	a := h.ingest("list-a", "critical")
	h.clock.Advance(time.Second)
	h.ingest("list-b", "low")
	if _, err := h.engine.States.Acknowledge(a.AlertID, "alice"); err != nil {
		t.Fatal(err)
	}

	alerts, total, err := h.engine.States.List(AlertFilter{States: []database.AlertState{database.AlertStateAcknowledged}}, 0, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 1 || len(alerts) != 1 || alerts[0].ID != a.AlertID {
		t.Errorf("expected only the acknowledged alert, got %d/%v", total, alerts)
	}

	alerts, total, _ = h.engine.States.List(AlertFilter{}, 0, 1)
	if total != 2 || len(alerts) != 1 || alerts[0].Fingerprint != "list-b" {
		t.Errorf("expected newest alert first with total 2, got %d/%v", total, alerts)
	}
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	if k.Len() != 2 {
		t.Errorf("expected 2 held keys, got %d", k.Len())
	}

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()

	if k.Len() != 0 {
		t.Errorf("expected keys to be forgotten, %d left", k.Len())
	}
}
