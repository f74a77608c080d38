package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/escalator/internal/config"
	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/events"
	"github.com/akmatori/escalator/internal/services"
	"github.com/akmatori/escalator/internal/testhelpers"
)

var t0 = time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)

func setupEngine(t *testing.T) (*gorm.DB, *services.Engine, *testhelpers.FakeClock) {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	doc := testhelpers.NewPolicyBuilder().
		WithThreshold(database.SeverityCritical, 5*time.Minute, 30*time.Minute).
		WithTier("primary", 0).
		WithTier("secondary", 2*time.Minute).
		WithDailySchedule("sre", "primary", start, "alice").
		WithDailySchedule("backup", "secondary", start, "carol").
		WithSlackID("alice", "U_ALICE").
		YAML()
	p, err := config.ParsePolicy([]byte(doc))
	if err != nil {
		t.Fatalf("ParsePolicy() error = %v", err)
	}

	db := testhelpers.NewTestDB(t)
	clock := testhelpers.NewFakeClock(t0)
	engine := services.NewEngine(db, config.NewPolicyStore(p), events.NewBus(), services.WithClock(clock.Now))
	t.Cleanup(engine.Stop)
	return db, engine, clock
}

func ingest(t *testing.T, engine *services.Engine, fp string) string {
	t.Helper()
	res, err := engine.Grouping.Ingest(services.IngestEvent{Fingerprint: fp, Severity: "critical", Source: "test"})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	return res.AlertID
}

func taskStatuses(t *testing.T, db *gorm.DB, alertID string) []database.NotificationStatus {
	t.Helper()
	var tasks []database.NotificationTask
	if err := db.Where("alert_id = ?", alertID).Order("id").Find(&tasks).Error; err != nil {
		t.Fatal(err)
	}
	out := make([]database.NotificationStatus, len(tasks))
	for i, task := range tasks {
		out[i] = task.Status
	}
	return out
}

func TestSLAMonitor_TickSavesCheckpoint(t *testing.T) {
	db, engine, clock := setupEngine(t)
	ingest(t, engine, "disk")

	monitor := NewSLAMonitor(db, engine.SLA)
	monitor.SetClock(clock.Now)

	clock.Set(t0.Add(5*time.Minute + time.Second))
	breaches, err := monitor.CheckAndTick()
	if err != nil {
		t.Fatalf("CheckAndTick() error = %v", err)
	}
	if breaches != 1 {
		t.Errorf("expected 1 breach, got %d", breaches)
	}

	cp, err := database.GetCheckpoint(db)
	if err != nil || cp == nil {
		t.Fatalf("GetCheckpoint() = %v, %v", cp, err)
	}
	if !cp.LastTickAt.Equal(clock.Now()) {
		t.Errorf("expected checkpoint at %v, got %v", clock.Now(), cp.LastTickAt)
	}
}

func TestSLAMonitor_ReconcileCatchesUpAfterDowntime(t *testing.T) {
	db, engine, clock := setupEngine(t)
	alertID := ingest(t, engine, "db")

	if err := database.SaveCheckpoint(db, t0); err != nil {
		t.Fatal(err)
	}

	monitor := NewSLAMonitor(db, engine.SLA)
	monitor.SetClock(clock.Now)
	clock.Set(t0.Add(time.Hour))

	gap, breaches, err := monitor.Reconcile(30 * time.Second)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if gap != time.Hour {
		t.Errorf("expected 1h gap, got %s", gap)
	}
	if breaches != 2 {
		t.Errorf("expected TTA and TTR breaches on catch-up, got %d", breaches)
	}

	alert, _ := engine.States.Get(alertID)
	if alert.EscalationTier != 1 {
		t.Errorf("expected tier 1 after catch-up, got %d", alert.EscalationTier)
	}
}

func TestSLAMonitor_ReconcileWithoutCheckpoint(t *testing.T) {
	db, engine, clock := setupEngine(t)
	monitor := NewSLAMonitor(db, engine.SLA)
	monitor.SetClock(clock.Now)

	gap, breaches, err := monitor.Reconcile(30 * time.Second)
	if err != nil || gap != 0 || breaches != 0 {
		t.Errorf("Reconcile() = %s, %d, %v", gap, breaches, err)
	}
}

func TestSLAMonitor_StartStops(t *testing.T) {
	db, engine, _ := setupEngine(t)
	monitor := NewSLAMonitor(db, engine.SLA)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		monitor.Start(10*time.Millisecond, stop)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	close(stop)

	testhelpers.MustCompleteWithin(t, time.Second, func() { <-done })
}

func TestDispatcher_SendsDueTasks(t *testing.T) {
	db, engine, clock := setupEngine(t)
	alertID := ingest(t, engine, "api")

	notifier := testhelpers.NewFakeNotifier()
	d := NewNotificationDispatcher(db, notifier, engine.Outbox)
	d.SetClock(clock.Now)

	sent, err := d.Run(context.Background(), clock.Now())
	if err != nil || sent != 1 {
		t.Fatalf("Run() = %d, %v; want 1 sent", sent, err)
	}
	n := notifier.Sent()[0]
	if n.Task.Person != "alice" || n.Alert.ID != alertID {
		t.Errorf("unexpected notification: %+v", n.Task)
	}

	// the secondary page is due two minutes after the breach
	clock.Set(t0.Add(5*time.Minute + time.Second))
	if _, err := engine.SLA.Tick(clock.Now()); err != nil {
		t.Fatal(err)
	}
	if sent, _ := d.Run(context.Background(), clock.Now()); sent != 0 {
		t.Errorf("expected delayed tier not to be sent yet, got %d", sent)
	}
	clock.Advance(2 * time.Minute)
	if sent, _ := d.Run(context.Background(), clock.Now()); sent != 1 {
		t.Errorf("expected delayed tier to be sent, got %d", sent)
	}

	got := taskStatuses(t, db, alertID)
	if len(got) != 2 || got[0] != database.NotificationStatusSent || got[1] != database.NotificationStatusSent {
		t.Errorf("unexpected task statuses: %v", got)
	}
}

func TestDispatcher_CancelsTasksOfResolvedAlerts(t *testing.T) {
	db, engine, clock := setupEngine(t)
	alertID := ingest(t, engine, "cache")

	// simulate a resolve that committed but whose event was never delivered
	if err := db.Model(&database.Alert{}).Where("id = ?", alertID).Update("state", database.AlertStateResolved).Error; err != nil {
		t.Fatal(err)
	}

	notifier := testhelpers.NewFakeNotifier()
	d := NewNotificationDispatcher(db, notifier, nil)
	d.SetClock(clock.Now)
	if sent, err := d.Run(context.Background(), clock.Now()); err != nil || sent != 0 {
		t.Fatalf("Run() = %d, %v", sent, err)
	}
	if notifier.Count() != 0 {
		t.Error("expected no notification for a resolved alert")
	}
	if got := taskStatuses(t, db, alertID); got[0] != database.NotificationStatusCancelled {
		t.Errorf("expected cancelled task, got %v", got)
	}
}

func TestDispatcher_RetriesThenFails(t *testing.T) {
	db, engine, clock := setupEngine(t)
	alertID := ingest(t, engine, "queue")

	notifier := testhelpers.NewFakeNotifier()
	notifier.FailWith(errors.New("slack unavailable"))
	d := NewNotificationDispatcher(db, notifier, nil)
	d.SetClock(clock.Now)

	for i := 0; i < maxNotificationAttempts; i++ {
		if _, err := d.Run(context.Background(), clock.Now()); err != nil {
			t.Fatal(err)
		}
	}
	if notifier.Count() != maxNotificationAttempts {
		t.Errorf("expected %d attempts, got %d", maxNotificationAttempts, notifier.Count())
	}

	var task database.NotificationTask
	db.Where("alert_id = ?", alertID).First(&task)
	if task.Status != database.NotificationStatusFailed || task.Attempts != maxNotificationAttempts || task.LastError != "slack unavailable" {
		t.Errorf("unexpected task after retries: %+v", task)
	}

	d.Run(context.Background(), clock.Now())
	if notifier.Count() != maxNotificationAttempts {
		t.Error("expected failed task not to be retried")
	}
}

func TestDispatcher_Prune(t *testing.T) {
	db, engine, clock := setupEngine(t)
	alertID := ingest(t, engine, "old")

	d := NewNotificationDispatcher(db, testhelpers.NewFakeNotifier(), engine.Outbox)
	d.SetClock(clock.Now)
	if _, err := d.Run(context.Background(), clock.Now()); err != nil {
		t.Fatal(err)
	}

	clock.Advance(23 * time.Hour)
	if n, _ := d.Prune(); n != 0 {
		t.Errorf("expected nothing pruned within retention, got %d", n)
	}
	clock.Advance(2 * time.Hour)
	if _, err := d.Prune(); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if got := taskStatuses(t, db, alertID); len(got) != 0 {
		t.Errorf("expected sent task to be pruned, got %v", got)
	}
}

func TestDispatcher_KickDoesNotBlock(t *testing.T) {
	d := NewNotificationDispatcher(nil, testhelpers.NewFakeNotifier(), nil)
	testhelpers.MustCompleteWithin(t, time.Second, func() {
		d.Kick()
		d.Kick()
	})
}
