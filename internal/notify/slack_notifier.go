package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/utils"
)

// Action ids carried by the alert message buttons
const (
	ActionAcknowledge = "escalator_acknowledge"
	ActionResolve     = "escalator_resolve"
)

// ErrNoRecipient is returned when neither a Slack id nor a fallback channel is known
var ErrNoRecipient = errors.New("no slack recipient")

// messagePoster is the part of *slack.Client the notifier needs
type messagePoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts alert pages as Block Kit messages
type SlackNotifier struct {
	client   func() messagePoster
	fallback func() string
	// resolve turns a fallback channel name into an id; nil posts the name as-is
	resolve func(ctx context.Context, nameOrID string) (string, error)
}

// NewSlackNotifier posts through the manager's current client
func NewSlackNotifier(manager *SlackManager) *SlackNotifier {
	return &SlackNotifier{
		client: func() messagePoster {
			if c := manager.GetClient(); c != nil {
				return c
			}
			return nil
		},
		fallback: manager.FallbackChannel,
		resolve:  manager.ResolveChannel,
	}
}

func (s *SlackNotifier) Name() string {
	return "slack"
}

// Active reports whether a Slack client is available
func (s *SlackNotifier) Active() bool {
	return s.client() != nil
}

// Notify sends a direct message to the person, or posts in the fallback
// channel mentioning the role when the person has no Slack id.
func (s *SlackNotifier) Notify(ctx context.Context, n Notification) error {
	client := s.client()
	if client == nil {
		return errors.New("slack is not configured")
	}

	channel := n.Task.SlackID
	if channel == "" {
		channel = s.fallback()
		if channel == "" {
			return fmt.Errorf("%w for %s", ErrNoRecipient, n.Task.Person)
		}
		if s.resolve != nil {
			id, err := s.resolve(ctx, channel)
			if err != nil {
				return fmt.Errorf("failed to resolve fallback channel: %w", err)
			}
			channel = id
		}
	}

	_, _, err := client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(SummaryText(n), false),
		slack.MsgOptionBlocks(AlertBlocks(n)...),
	)
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	return nil
}

// maxFingerprintText keeps push notification previews readable
const maxFingerprintText = 80

// SummaryText is the plain-text fallback shown in notifications
func SummaryText(n Notification) string {
	return fmt.Sprintf("%s %s alert %s: %s", reasonLabel(n.Task.Reason), strings.ToUpper(string(n.Alert.Severity)),
		utils.TruncateText(n.Alert.Fingerprint, maxFingerprintText), n.Task.Role)
}

// AlertBlocks renders a page with Acknowledge and Resolve buttons
func AlertBlocks(n Notification) []slack.Block {
	header := fmt.Sprintf("%s *%s* %s\n*%s*",
		severityEmoji(n.Alert.Severity), reasonLabel(n.Task.Reason), strings.ToUpper(string(n.Alert.Severity)), n.Alert.Fingerprint)

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*State*\n%s", n.Alert.State), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Tier*\n%d (%s)", n.Task.Tier, n.Task.Role), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*On call*\n%s", n.Task.Person), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Opened*\n%s", n.Alert.CreatedAt.UTC().Format(time.RFC822)), false, false),
	}
	if n.Task.Reason != database.NotificationReasonInitial && !n.Task.DueAt.IsZero() {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Open for*\n%s", utils.FormatDuration(n.Task.DueAt.Sub(n.Alert.CreatedAt))), false, false))
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, header, false, false), fields, nil),
	}
	if n.Alert.Source != "" || n.Alert.IsReopen {
		ctx := fmt.Sprintf("source: %s", n.Alert.Source)
		if n.Alert.IsReopen {
			ctx += fmt.Sprintf(" | reopened from %s", n.Alert.ReopenedFrom)
		}
		blocks = append(blocks, slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, ctx, false, false)))
	}

	if n.Alert.IsActive() {
		var buttons []slack.BlockElement
		if n.Alert.State == database.AlertStateNew {
			ack := slack.NewButtonBlockElement(ActionAcknowledge, n.Alert.ID,
				slack.NewTextBlockObject(slack.PlainTextType, "Acknowledge", false, false))
			ack.Style = slack.StylePrimary
			buttons = append(buttons, ack)
		}
		resolve := slack.NewButtonBlockElement(ActionResolve, n.Alert.ID,
			slack.NewTextBlockObject(slack.PlainTextType, "Resolve", false, false))
		resolve.Style = slack.StyleDanger
		buttons = append(buttons, resolve)
		blocks = append(blocks, slack.NewActionBlock("alert_actions", buttons...))
	}
	return blocks
}

func reasonLabel(r database.NotificationReason) string {
	switch r {
	case database.NotificationReasonTTABreach:
		return "Not acknowledged in time"
	case database.NotificationReasonTTRBreach:
		return "Not resolved in time"
	default:
		return "New"
	}
}

func severityEmoji(s database.Severity) string {
	switch s {
	case database.SeverityCritical:
		return "🔴"
	case database.SeverityHigh:
		return "🟠"
	case database.SeverityMedium:
		return "🟡"
	default:
		return "🔵"
	}
}
