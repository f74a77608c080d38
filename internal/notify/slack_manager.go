package notify

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/akmatori/escalator/internal/database"
)

// SlackManager owns the Slack clients and rebuilds them when settings change
type SlackManager struct {
	mu sync.RWMutex

	client       *slack.Client
	socketClient *socketmode.Client
	channels     *ChannelResolver
	settings     *database.SlackSettings

	stopChan   chan struct{}
	doneChan   chan struct{}
	reloadChan chan struct{}

	// Called with fresh clients whenever Socket Mode (re)connects
	eventHandler func(*socketmode.Client, *slack.Client)

	running bool
}

// NewSlackManager creates an idle manager
func NewSlackManager() *SlackManager {
	return &SlackManager{
		reloadChan: make(chan struct{}, 1),
	}
}

// GetClient returns the current Slack client (nil when Slack is disabled)
func (m *SlackManager) GetClient() *slack.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// ResolveChannel resolves a channel name to an id with the current client.
// Ids pass through untouched.
func (m *SlackManager) ResolveChannel(ctx context.Context, nameOrID string) (string, error) {
	m.mu.RLock()
	resolver := m.channels
	m.mu.RUnlock()
	if resolver == nil {
		return nameOrID, nil
	}
	return resolver.ResolveChannel(ctx, nameOrID)
}

// FallbackChannel returns the channel used for people without a Slack id
func (m *SlackManager) FallbackChannel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return ""
	}
	return m.settings.FallbackChannel
}

// IsRunning returns true while a client is configured
func (m *SlackManager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// SetEventHandler sets the Socket Mode event handler
func (m *SlackManager) SetEventHandler(handler func(*socketmode.Client, *slack.Client)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventHandler = handler
}

// Start connects using the stored settings. Disabled Slack is not an error.
func (m *SlackManager) Start(ctx context.Context) error {
	settings, err := database.GetSlackSettings()
	if err != nil {
		log.Printf("SlackManager: Could not load Slack settings: %v", err)
		return nil
	}
	if !settings.IsActive() {
		log.Printf("SlackManager: Slack is disabled (not configured or not enabled)")
		return nil
	}
	return m.startWithSettings(ctx, settings)
}

func (m *SlackManager) startWithSettings(ctx context.Context, settings *database.SlackSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.stopLocked()
	}

	options := []slack.Option{slack.OptionDebug(false)}
	if settings.AppToken != "" {
		options = append(options, slack.OptionAppLevelToken(settings.AppToken))
	}
	m.client = slack.New(settings.BotToken, options...)
	m.channels = NewChannelResolver(m.client)
	m.settings = settings
	m.stopChan = make(chan struct{})
	m.doneChan = make(chan struct{})
	m.running = true

	if !settings.HasSocketMode() {
		// outbound only, buttons will not be delivered back
		close(m.doneChan)
		log.Printf("SlackManager: Slack notifications ACTIVE (no app token, interactive buttons disabled)")
		return nil
	}

	m.socketClient = socketmode.New(
		m.client,
		socketmode.OptionDebug(false),
		socketmode.OptionLog(log.New(os.Stdout, "socketmode: ", log.Lshortfile|log.LstdFlags)),
	)
	if m.eventHandler != nil {
		m.eventHandler(m.socketClient, m.client)
	}

	socketClient, stopChan, doneChan := m.socketClient, m.stopChan, m.doneChan
	go func() {
		defer close(doneChan)
		log.Printf("SlackManager: Starting Socket Mode connection...")
		if err := socketClient.RunContext(ctx); err != nil {
			select {
			case <-stopChan:
				log.Printf("SlackManager: Socket Mode stopped gracefully")
			default:
				log.Printf("SlackManager: Socket Mode error: %v", err)
			}
		}
	}()

	log.Printf("SlackManager: Slack integration is ACTIVE")
	return nil
}

// Stop disconnects
func (m *SlackManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *SlackManager) stopLocked() {
	if !m.running {
		return
	}
	close(m.stopChan)
	select {
	case <-m.doneChan:
		log.Printf("SlackManager: Slack connection stopped")
	default:
		log.Printf("SlackManager: Slack stop signal sent")
	}
	m.running = false
	m.client = nil
	m.channels = nil
	m.socketClient = nil
	m.settings = nil
}

// Reload re-reads settings and reconnects
func (m *SlackManager) Reload(ctx context.Context) error {
	settings, err := database.GetSlackSettings()
	if err != nil {
		m.Stop()
		return err
	}
	if !settings.IsActive() {
		log.Printf("SlackManager: Slack is now disabled, stopping connection")
		m.Stop()
		return nil
	}
	return m.startWithSettings(ctx, settings)
}

// TriggerReload asks WatchForReloads to reload (non-blocking)
func (m *SlackManager) TriggerReload() {
	select {
	case m.reloadChan <- struct{}{}:
		log.Printf("SlackManager: Reload triggered")
	default:
		log.Printf("SlackManager: Reload already pending")
	}
}

// WatchForReloads processes reload requests until ctx is done
func (m *SlackManager) WatchForReloads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reloadChan:
			if err := m.Reload(ctx); err != nil {
				log.Printf("SlackManager: Reload failed: %v", err)
			}
		}
	}
}
