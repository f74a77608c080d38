package notify

import (
	"context"
	"log"

	"github.com/akmatori/escalator/internal/database"
)

// Notification is one page to deliver: the task plus the alert it is about
type Notification struct {
	Task  database.NotificationTask
	Alert database.Alert
}

// Notifier delivers notifications to people
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Name() string
}

// LogNotifier writes notifications to the log. Used when no transport is configured.
type LogNotifier struct{}

// NewLogNotifier creates a log notifier
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (LogNotifier) Name() string {
	return "log"
}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	log.Printf("Notify: [%s] paging %s (%s, tier %d) for %s alert %s %s",
		n.Task.Reason, n.Task.Person, n.Task.Role, n.Task.Tier, n.Alert.Severity, n.Alert.ID, n.Alert.Fingerprint)
	return nil
}

// Router sends through Slack while it is active and falls back to the log otherwise
type Router struct {
	slack    *SlackNotifier
	fallback Notifier
}

// NewRouter creates a router. slack may be nil.
func NewRouter(slack *SlackNotifier, fallback Notifier) *Router {
	if fallback == nil {
		fallback = NewLogNotifier()
	}
	return &Router{slack: slack, fallback: fallback}
}

func (r *Router) Name() string {
	if r.slack != nil && r.slack.Active() {
		return r.slack.Name()
	}
	return r.fallback.Name()
}

func (r *Router) Notify(ctx context.Context, n Notification) error {
	if r.slack != nil && r.slack.Active() {
		return r.slack.Notify(ctx, n)
	}
	return r.fallback.Notify(ctx, n)
}
