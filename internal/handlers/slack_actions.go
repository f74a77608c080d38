package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/akmatori/escalator/internal/notify"
	"github.com/akmatori/escalator/internal/services"
	"github.com/akmatori/escalator/internal/utils"
)

const slackReplyTimeout = 10 * time.Second

// SlackActionHandler turns Acknowledge and Resolve button presses into
// alert commands
type SlackActionHandler struct {
	engine *services.Engine
}

// NewSlackActionHandler creates a new Slack action handler
func NewSlackActionHandler(engine *services.Engine) *SlackActionHandler {
	return &SlackActionHandler{engine: engine}
}

// HandleSocketMode consumes Socket Mode events. It is registered with
// SlackManager.SetEventHandler and runs once per connection.
func (h *SlackActionHandler) HandleSocketMode(socketClient *socketmode.Client, client *slack.Client) {
	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeInteractive:
				callback, ok := evt.Data.(slack.InteractionCallback)
				if !ok {
					log.Printf("SlackActions: ignored %+v", evt)
					continue
				}
				// Ack immediately to avoid Slack retries
				socketClient.Ack(*evt.Request)
				go h.handleInteraction(client, callback)

			case socketmode.EventTypeEventsAPI, socketmode.EventTypeSlashCommand:
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}

			case socketmode.EventTypeConnecting, socketmode.EventTypeConnected, socketmode.EventTypeHello:
				// connection lifecycle

			case socketmode.EventTypeConnectionError:
				log.Printf("SlackActions: connection error: %v", evt.Data)

			default:
				log.Printf("SlackActions: unexpected event type received: %s", evt.Type)
			}
		}
	}()
}

func (h *SlackActionHandler) handleInteraction(client *slack.Client, callback slack.InteractionCallback) {
	if callback.Type != slack.InteractionTypeBlockActions {
		return
	}
	for _, action := range callback.ActionCallback.BlockActions {
		reply, err := h.HandleAction(callback.User.ID, action.ActionID, action.Value)
		if err != nil {
			reply = fmt.Sprintf(":warning: %s", describeCommandError(err))
		}
		if reply == "" || client == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), slackReplyTimeout)
		_, _, postErr := client.PostMessageContext(ctx, callback.Channel.ID,
			slack.MsgOptionText(reply, false),
			slack.MsgOptionTS(callback.Message.Timestamp),
		)
		cancel()
		if postErr != nil {
			log.Printf("SlackActions: failed to reply in thread: %v", postErr)
		}
	}
}

// HandleAction runs the command behind one button and returns the thread
// reply. Unknown action ids are ignored.
func (h *SlackActionHandler) HandleAction(slackUserID, actionID, alertID string) (string, error) {
	actor := h.actorFor(slackUserID)

	switch actionID {
	case notify.ActionAcknowledge:
		alert, err := h.engine.States.Acknowledge(alertID, actor)
		if err != nil {
			return "", err
		}
		log.Printf("SlackActions: alert %s acknowledged by %s", alert.ID, actor)
		return fmt.Sprintf(":white_check_mark: Acknowledged by %s%s", actor, elapsedSuffix(alert.CreatedAt, alert.AcknowledgedAt)), nil

	case notify.ActionResolve:
		alert, err := h.engine.States.Resolve(alertID, actor)
		if err != nil {
			return "", err
		}
		log.Printf("SlackActions: alert %s resolved by %s", alert.ID, actor)
		return fmt.Sprintf(":large_green_circle: Resolved by %s%s", actor, elapsedSuffix(alert.CreatedAt, alert.ResolvedAt)), nil
	}
	return "", nil
}

// elapsedSuffix renders " after 4m 10s" for a stamped transition
func elapsedSuffix(start time.Time, at *time.Time) string {
	if at == nil || start.IsZero() {
		return ""
	}
	return " after " + utils.FormatDuration(at.Sub(start))
}

// actorFor names the person behind a Slack user, falling back to the raw id
func (h *SlackActionHandler) actorFor(slackUserID string) string {
	for name, contact := range h.engine.Policies.Get().People {
		if contact.SlackID != "" && contact.SlackID == slackUserID {
			return name
		}
	}
	return "slack:" + slackUserID
}

func describeCommandError(err error) string {
	var te *services.TransitionError
	switch {
	case errors.As(err, &te):
		return fmt.Sprintf("Alert is already %s", te.From)
	case errors.Is(err, services.ErrAlertNotFound):
		return "Alert not found"
	default:
		log.Printf("SlackActions: command failed: %v", err)
		return "Command failed, try again from the dashboard"
	}
}
