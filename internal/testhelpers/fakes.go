package testhelpers

import (
	"context"
	"sync"

	"github.com/akmatori/escalator/internal/notify"
)

// FakeNotifier records notifications instead of delivering them
type FakeNotifier struct {
	mu    sync.Mutex
	sent  []notify.Notification
	Err   error
	Label string
}

// NewFakeNotifier creates a notifier that accepts everything
func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{Label: "fake"}
}

// Name implements notify.Notifier
func (f *FakeNotifier) Name() string {
	return f.Label
}

// Notify implements notify.Notifier. The attempt is recorded even when Err is set.
func (f *FakeNotifier) Notify(_ context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.Err
}

// FailWith makes every later Notify return err
func (f *FakeNotifier) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

// Sent returns a copy of recorded notifications
func (f *FakeNotifier) Sent() []notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notify.Notification, len(f.sent))
	copy(out, f.sent)
	return out
}

// Count returns how many notifications were attempted
func (f *FakeNotifier) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
