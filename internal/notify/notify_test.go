package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"github.com/akmatori/escalator/internal/database"
)

type fakePoster struct {
	channels []string
	err      error
}

func (f *fakePoster) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.channels = append(f.channels, channelID)
	return channelID, "1700000000.000100", f.err
}

func testNotification() Notification {
	return Notification{
		Task: database.NotificationTask{
			AlertID: "a-1",
			Tier:    1,
			Role:    "secondary",
			Person:  "bob",
			SlackID: "U_BOB",
			Reason:  database.NotificationReasonTTABreach,
		},
		Alert: database.Alert{
			ID:          "a-1",
			Fingerprint: "disk-full-host7",
			Severity:    database.SeverityCritical,
			State:       database.AlertStateNew,
			Source:      "prometheus",
			CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func newTestSlackNotifier(poster *fakePoster, fallback string) *SlackNotifier {
	return &SlackNotifier{
		client:   func() messagePoster { return poster },
		fallback: func() string { return fallback },
	}
}

func TestSlackNotifier_DirectMessage(t *testing.T) {
	poster := &fakePoster{}
	n := newTestSlackNotifier(poster, "#ops")

	if err := n.Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if len(poster.channels) != 1 || poster.channels[0] != "U_BOB" {
		t.Errorf("expected DM to U_BOB, got %v", poster.channels)
	}
}

func TestSlackNotifier_FallbackChannel(t *testing.T) {
	poster := &fakePoster{}
	n := newTestSlackNotifier(poster, "#ops")

	notification := testNotification()
	notification.Task.SlackID = ""
	if err := n.Notify(context.Background(), notification); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if poster.channels[0] != "#ops" {
		t.Errorf("expected fallback channel, got %v", poster.channels)
	}
}

func TestSlackNotifier_FallbackChannelResolved(t *testing.T) {
	poster := &fakePoster{}
	n := newTestSlackNotifier(poster, "#ops")
	n.resolve = func(_ context.Context, name string) (string, error) {
		if name != "#ops" {
			t.Errorf("expected #ops to be resolved, got %s", name)
		}
		return "C0000000OPS", nil
	}

	notification := testNotification()
	notification.Task.SlackID = ""
	if err := n.Notify(context.Background(), notification); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if poster.channels[0] != "C0000000OPS" {
		t.Errorf("expected resolved channel id, got %v", poster.channels)
	}

	n.resolve = func(context.Context, string) (string, error) { return "", errors.New("channel 'ops' not found") }
	if err := n.Notify(context.Background(), notification); err == nil {
		t.Error("expected resolve error to be returned")
	}
	if len(poster.channels) != 1 {
		t.Errorf("expected no post after resolve failure, got %v", poster.channels)
	}
}

func TestSlackNotifier_NoRecipient(t *testing.T) {
	n := newTestSlackNotifier(&fakePoster{}, "")
	notification := testNotification()
	notification.Task.SlackID = ""

	err := n.Notify(context.Background(), notification)
	if !errors.Is(err, ErrNoRecipient) {
		t.Errorf("expected ErrNoRecipient, got %v", err)
	}
}

func TestSlackNotifier_PostError(t *testing.T) {
	n := newTestSlackNotifier(&fakePoster{err: errors.New("rate_limited")}, "")
	if err := n.Notify(context.Background(), testNotification()); err == nil {
		t.Error("expected post error to be returned")
	}
}

func TestSlackNotifier_Inactive(t *testing.T) {
	n := &SlackNotifier{client: func() messagePoster { return nil }, fallback: func() string { return "" }}
	if n.Active() {
		t.Error("expected notifier without client to be inactive")
	}
	if err := n.Notify(context.Background(), testNotification()); err == nil {
		t.Error("expected error without client")
	}
}

func TestAlertBlocks_Buttons(t *testing.T) {
	tests := []struct {
		name        string
		state       database.AlertState
		wantActions []string
	}{
		{"new alert", database.AlertStateNew, []string{ActionAcknowledge, ActionResolve}},
		{"acknowledged alert", database.AlertStateAcknowledged, []string{ActionResolve}},
		{"resolved alert", database.AlertStateResolved, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := testNotification()
			n.Alert.State = tt.state

			var got []string
			for _, b := range AlertBlocks(n) {
				actions, ok := b.(*slack.ActionBlock)
				if !ok {
					continue
				}
				for _, el := range actions.Elements.ElementSet {
					btn := el.(*slack.ButtonBlockElement)
					if btn.Value != "a-1" {
						t.Errorf("expected button value a-1, got %s", btn.Value)
					}
					got = append(got, btn.ActionID)
				}
			}
			if strings.Join(got, ",") != strings.Join(tt.wantActions, ",") {
				t.Errorf("expected actions %v, got %v", tt.wantActions, got)
			}
		})
	}
}

func TestAlertBlocks_OpenFor(t *testing.T) {
	n := testNotification()
	n.Task.DueAt = n.Alert.CreatedAt.Add(7*time.Minute + 30*time.Second)

	section := AlertBlocks(n)[0].(*slack.SectionBlock)
	last := section.Fields[len(section.Fields)-1].Text
	if !strings.Contains(last, "7m 30s") {
		t.Errorf("expected open-for field, got %q", last)
	}

	n.Task.Reason = database.NotificationReasonInitial
	section = AlertBlocks(n)[0].(*slack.SectionBlock)
	for _, f := range section.Fields {
		if strings.Contains(f.Text, "Open for") {
			t.Error("initial pages should not carry an open-for field")
		}
	}
}

func TestSummaryText_TruncatesFingerprint(t *testing.T) {
	n := testNotification()
	n.Alert.Fingerprint = strings.Repeat("x", 200)
	text := SummaryText(n)
	if strings.Contains(text, strings.Repeat("x", 81)) {
		t.Errorf("expected fingerprint to be truncated, got %q", text)
	}
	if !strings.Contains(text, "...") {
		t.Errorf("expected ellipsis in %q", text)
	}
}

func TestSummaryText(t *testing.T) {
	text := SummaryText(testNotification())
	for _, want := range []string{"Not acknowledged in time", "CRITICAL", "disk-full-host7", "secondary"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in %q", want, text)
		}
	}
}

type countingNotifier struct{ calls int }

func (c *countingNotifier) Name() string { return "counting" }
func (c *countingNotifier) Notify(context.Context, Notification) error {
	c.calls++
	return nil
}

func TestRouter(t *testing.T) {
	fallback := &countingNotifier{}

	inactive := &SlackNotifier{client: func() messagePoster { return nil }, fallback: func() string { return "" }}
	r := NewRouter(inactive, fallback)
	if r.Name() != "counting" {
		t.Errorf("expected fallback name, got %s", r.Name())
	}
	_ = r.Notify(context.Background(), testNotification())
	if fallback.calls != 1 {
		t.Errorf("expected fallback to be used, got %d calls", fallback.calls)
	}

	poster := &fakePoster{}
	r = NewRouter(newTestSlackNotifier(poster, ""), fallback)
	if r.Name() != "slack" {
		t.Errorf("expected slack name, got %s", r.Name())
	}
	_ = r.Notify(context.Background(), testNotification())
	if len(poster.channels) != 1 || fallback.calls != 1 {
		t.Error("expected slack to be used while active")
	}
}

func TestSlackManager_IdleByDefault(t *testing.T) {
	m := NewSlackManager()
	if m.IsRunning() || m.GetClient() != nil || m.FallbackChannel() != "" {
		t.Error("expected new manager to be idle")
	}
	m.TriggerReload()
	m.TriggerReload() // second trigger coalesces
	m.Stop()
}
