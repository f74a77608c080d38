package database

import (
	"encoding/json"
	"testing"
	"time"

	"gorm.io/gorm/logger"
)

func TestJSONB_Scan(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		wantErr bool
	}{
		{
			name:    "nil value",
			input:   nil,
			wantErr: false,
		},
		{
			name:    "valid JSON bytes",
			input:   []byte(`{"key": "value"}`),
			wantErr: false,
		},
		{
			name:    "valid JSON string",
			input:   `{"key": "value"}`,
			wantErr: false,
		},
		{
			name:    "invalid JSON",
			input:   []byte(`not json`),
			wantErr: true,
		},
		{
			name:    "wrong type",
			input:   42,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var j JSONB
			err := j.Scan(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Scan() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJSONB_Value(t *testing.T) {
	var nilJSONB JSONB
	v, err := nilJSONB.Value()
	if err != nil || v != nil {
		t.Errorf("nil JSONB: got (%v, %v), want (nil, nil)", v, err)
	}

	j := JSONB{"tier": 1.0}
	v, err = j.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	var back map[string]interface{}
	if err := json.Unmarshal(v.([]byte), &back); err != nil {
		t.Fatalf("Value() produced invalid JSON: %v", err)
	}
	if back["tier"] != 1.0 {
		t.Errorf("expected tier 1, got %v", back["tier"])
	}
}

func TestSeverity_IsValid(t *testing.T) {
	for _, s := range ValidSeverities() {
		if !s.IsValid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if Severity("sev1").IsValid() {
		t.Error("expected sev1 to be invalid")
	}
}

func TestAlertState_IsValid(t *testing.T) {
	for _, s := range append(ActiveAlertStates(), AlertStateResolved) {
		if !s.IsValid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if AlertState("closed").IsValid() {
		t.Error("expected closed to be invalid")
	}
}

func TestAlert_IsActive(t *testing.T) {
	tests := []struct {
		state AlertState
		want  bool
	}{
		{AlertStateNew, true},
		{AlertStateAcknowledged, true},
		{AlertStateInvestigating, true},
		{AlertStateResolved, false},
	}
	for _, tt := range tests {
		a := Alert{State: tt.state}
		if got := a.IsActive(); got != tt.want {
			t.Errorf("IsActive(%s) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestAlertGroup_IsDormant(t *testing.T) {
	g := AlertGroup{}
	if !g.IsDormant() {
		t.Error("expected group with nil open alert to be dormant")
	}
	empty := ""
	g.OpenAlertID = &empty
	if !g.IsDormant() {
		t.Error("expected group with empty open alert to be dormant")
	}
	id := "a-1"
	g.OpenAlertID = &id
	if g.IsDormant() {
		t.Error("expected group with open alert not to be dormant")
	}
}

func TestOnCallOverride_Covers(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	o := OnCallOverride{StartsAt: start, EndsAt: start.Add(time.Hour)}

	if !o.Covers(start) {
		t.Error("expected start to be covered")
	}
	if !o.Covers(start.Add(30 * time.Minute)) {
		t.Error("expected midpoint to be covered")
	}
	if o.Covers(start.Add(time.Hour)) {
		t.Error("expected end to be exclusive")
	}
	if o.Covers(start.Add(-time.Second)) {
		t.Error("expected instant before start not to be covered")
	}
}

func TestSlackSettings_State(t *testing.T) {
	s := SlackSettings{}
	if s.IsActive() {
		t.Error("expected empty settings to be inactive")
	}
	s.BotToken = "xoxb-test"
	s.Enabled = true
	if !s.IsActive() {
		t.Error("expected enabled settings with token to be active")
	}
	if s.HasSocketMode() {
		t.Error("expected socket mode to need an app token")
	}
	s.AppToken = "xapp-test"
	if !s.HasSocketMode() {
		t.Error("expected socket mode with app token")
	}
}

func TestTableNames(t *testing.T) {
	tests := []struct {
		model interface{ TableName() string }
		want  string
	}{
		{Alert{}, "alerts"},
		{AlertGroup{}, "alert_groups"},
		{SLAClock{}, "sla_clocks"},
		{BreachRecord{}, "breach_records"},
		{NotificationTask{}, "notification_tasks"},
		{DomainEvent{}, "domain_events"},
		{OnCallOverride{}, "oncall_overrides"},
		{SchedulerCheckpoint{}, "scheduler_checkpoints"},
		{EngineSettings{}, "engine_settings"},
		{SlackSettings{}, "slack_settings"},
	}
	for _, tt := range tests {
		if got := tt.model.TableName(); got != tt.want {
			t.Errorf("TableName() = %q, want %q", got, tt.want)
		}
	}
}

func TestEngineSettings_Defaults(t *testing.T) {
	s := NewDefaultEngineSettings()
	if s.FlapWindow() != 10*time.Minute {
		t.Errorf("expected flap window 10m, got %v", s.FlapWindow())
	}
	if s.GroupingWindow() != 5*time.Minute {
		t.Errorf("expected grouping window 5m, got %v", s.GroupingWindow())
	}
	if s.TickInterval() != 30*time.Second {
		t.Errorf("expected tick 30s, got %v", s.TickInterval())
	}
	if s.OnCallCacheTTL() != time.Minute {
		t.Errorf("expected cache ttl 60s, got %v", s.OnCallCacheTTL())
	}
}

func TestEngineSettings_OnCallCacheTTLIsCapped(t *testing.T) {
	s := &EngineSettings{OnCallCacheTTLSeconds: 600}
	if s.OnCallCacheTTL() != time.Minute {
		t.Errorf("expected ttl capped at 60s, got %v", s.OnCallCacheTTL())
	}
	s.OnCallCacheTTLSeconds = 15
	if s.OnCallCacheTTL() != 15*time.Second {
		t.Errorf("expected ttl 15s, got %v", s.OnCallCacheTTL())
	}
}

func openTestDB(t *testing.T) {
	t.Helper()
	db, err := Open("sqlite://:memory:", logger.Silent)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	prev := DB
	DB = db
	t.Cleanup(func() {
		_ = Close()
		DB = prev
	})
}

func TestGetOrCreateEngineSettings(t *testing.T) {
	openTestDB(t)

	s, err := GetOrCreateEngineSettings(DB)
	if err != nil {
		t.Fatalf("GetOrCreateEngineSettings() error = %v", err)
	}
	if s.ID == 0 {
		t.Fatal("expected settings to be persisted")
	}

	s.FlapWindowMinutes = 20
	if err := UpdateEngineSettings(DB, s); err != nil {
		t.Fatalf("UpdateEngineSettings() error = %v", err)
	}

	again, err := GetOrCreateEngineSettings(DB)
	if err != nil {
		t.Fatalf("GetOrCreateEngineSettings() error = %v", err)
	}
	if again.ID != s.ID {
		t.Errorf("expected singleton id %d, got %d", s.ID, again.ID)
	}
	if again.FlapWindowMinutes != 20 {
		t.Errorf("expected flap window 20, got %d", again.FlapWindowMinutes)
	}
}

func TestCheckpoint(t *testing.T) {
	openTestDB(t)

	cp, err := GetCheckpoint(DB)
	if err != nil {
		t.Fatalf("GetCheckpoint() error = %v", err)
	}
	if cp != nil {
		t.Fatal("expected no checkpoint on a fresh database")
	}

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := SaveCheckpoint(DB, first); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}
	second := first.Add(30 * time.Second)
	if err := SaveCheckpoint(DB, second); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	var count int64
	DB.Model(&SchedulerCheckpoint{}).Count(&count)
	if count != 1 {
		t.Errorf("expected one checkpoint row, got %d", count)
	}
	cp, _ = GetCheckpoint(DB)
	if !cp.LastTickAt.Equal(second) {
		t.Errorf("expected last tick %v, got %v", second, cp.LastTickAt)
	}
}

func TestInitializeDefaults(t *testing.T) {
	openTestDB(t)

	if err := InitializeDefaults(); err != nil {
		t.Fatalf("InitializeDefaults() error = %v", err)
	}
	if err := InitializeDefaults(); err != nil {
		t.Fatalf("second InitializeDefaults() error = %v", err)
	}

	var count int64
	DB.Model(&SlackSettings{}).Count(&count)
	if count != 1 {
		t.Errorf("expected one slack settings row, got %d", count)
	}
	DB.Model(&EngineSettings{}).Count(&count)
	if count != 1 {
		t.Errorf("expected one engine settings row, got %d", count)
	}
}

func TestBreachRecordUniqueness(t *testing.T) {
	openTestDB(t)

	rec := BreachRecord{AlertID: "a-1", Kind: BreachKindTTA, HandledAt: time.Now()}
	if err := DB.Create(&rec).Error; err != nil {
		t.Fatalf("first insert error = %v", err)
	}
	dup := BreachRecord{AlertID: "a-1", Kind: BreachKindTTA, HandledAt: time.Now()}
	if err := DB.Create(&dup).Error; err == nil {
		t.Error("expected duplicate (alert, kind) insert to fail")
	}
	other := BreachRecord{AlertID: "a-1", Kind: BreachKindTTR, HandledAt: time.Now()}
	if err := DB.Create(&other).Error; err != nil {
		t.Errorf("expected TTR record for same alert to succeed, got %v", err)
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in     string
		want   Severity
		wantOK bool
	}{
		{"critical", SeverityCritical, true},
		{" CRIT ", SeverityCritical, true},
		{"P2", SeverityHigh, true},
		{"warning", SeverityMedium, true},
		{"info", SeverityLow, true},
		{"bogus", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseSeverity(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseSeverity(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
