package slack

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	slacklib "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"
)

// SocketListener connects to Slack via Socket Mode (outbound WebSocket) and
// turns direct messages, app mentions and slash commands into Commands. No
// inbound URL configuration is needed.
type SocketListener struct {
	smClient  *socketmode.Client
	botUserID string
	handler   CommandHandler
	ackText   string
	logger    *zap.Logger
	debug     bool

	connected  atomic.Bool
	eventCount atomic.Int64
}

// NewSocketListener creates a Socket Mode listener.
// appToken is the app-level token (xapp-...) with connections:write scope.
// botUserID is the bot's own user ID, used to ignore its own messages.
// Set env SOCKET_MODE_DEBUG=1 to enable wire-level logging.
func NewSocketListener(appToken, botToken, botUserID, ackText string, handler CommandHandler, logger *zap.Logger) *SocketListener {
	debug := os.Getenv("SOCKET_MODE_DEBUG") == "1"
	logger = logger.Named("socket-mode")

	apiOpts := []slacklib.Option{slacklib.OptionAppLevelToken(appToken)}
	smOpts := []socketmode.Option{}
	if debug {
		apiOpts = append(apiOpts,
			slacklib.OptionDebug(true),
			slacklib.OptionLog(zap.NewStdLog(logger.Named("api"))))
		smOpts = append(smOpts,
			socketmode.OptionDebug(true),
			socketmode.OptionLog(zap.NewStdLog(logger.Named("wire"))))
	}

	api := slacklib.New(botToken, apiOpts...)

	return &SocketListener{
		smClient:  socketmode.New(api, smOpts...),
		botUserID: botUserID,
		handler:   handler,
		ackText:   ackText,
		logger:    logger,
		debug:     debug,
	}
}

// Start connects to Slack and handles events until ctx is done. It
// reconnects automatically on disconnection.
func (sl *SocketListener) Start(ctx context.Context) {
	go sl.handleEvents(ctx)

	sl.logger.Info("connecting to Slack", zap.Bool("debug", sl.debug))
	if err := sl.smClient.RunContext(ctx); err != nil && ctx.Err() == nil {
		sl.logger.Error("socket mode stopped", zap.Error(err))
	}
}

func (sl *SocketListener) handleEvents(ctx context.Context) {
	for evt := range sl.smClient.Events {
		sl.eventCount.Add(1)

		switch evt.Type {
		case socketmode.EventTypeConnecting:
			if sl.connected.Load() {
				sl.logger.Info("reconnecting")
			}

		case socketmode.EventTypeConnected:
			if !sl.connected.Swap(true) {
				sl.logger.Info("connected", zap.Int64("events", sl.eventCount.Load()))
			}

		case socketmode.EventTypeConnectionError:
			sl.connected.Store(false)
			sl.logger.Warn("connection error, will retry")

		case socketmode.EventTypeHello:
			sl.logger.Debug("received hello from Slack")

		case socketmode.EventTypeEventsAPI:
			if evt.Request != nil {
				sl.smClient.Ack(*evt.Request)
			}
			event, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				sl.logger.Warn("unexpected events API payload", zap.String("type", fmt.Sprintf("%T", evt.Data)))
				continue
			}
			sl.handleEventsAPI(ctx, event)

		case socketmode.EventTypeSlashCommand:
			cmd, ok := evt.Data.(slacklib.SlashCommand)
			if !ok {
				sl.logger.Warn("unexpected slash command payload", zap.String("type", fmt.Sprintf("%T", evt.Data)))
				if evt.Request != nil {
					sl.smClient.Ack(*evt.Request)
				}
				continue
			}
			// Acknowledge immediately so Slack doesn't show a timeout error.
			if evt.Request != nil {
				sl.smClient.Ack(*evt.Request, map[string]interface{}{"text": sl.ackText})
			}
			sl.logger.Info("slash command",
				zap.String("command", cmd.Command),
				zap.String("team", cmd.TeamID),
				zap.String("user", cmd.UserID))
			go sl.handler(ctx, Command{
				TeamID:      cmd.TeamID,
				ChannelID:   cmd.ChannelID,
				UserID:      cmd.UserID,
				Text:        cmd.Text,
				ResponseURL: cmd.ResponseURL,
			})

		default:
			if evt.Request != nil {
				sl.smClient.Ack(*evt.Request)
			}
			sl.logger.Debug("unhandled event", zap.String("type", string(evt.Type)))
		}
	}
	sl.logger.Info("event channel closed, listener stopped")
}

func (sl *SocketListener) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		sl.logger.Debug("skipping non-callback event", zap.String("type", event.Type))
		return
	}

	var (
		cmd Command
		ok  bool
	)
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		cmd, ok = commandFromMessage(ev, event.TeamID, sl.botUserID)
	case *slackevents.AppMentionEvent:
		cmd, ok = commandFromMention(ev, event.TeamID, sl.botUserID)
	default:
		sl.logger.Debug("unhandled inner event", zap.String("type", event.InnerEvent.Type))
	}
	if !ok {
		return
	}
	go sl.handler(ctx, cmd)
}

// commandFromMessage accepts plain user messages in a DM with the bot.
func commandFromMessage(ev *slackevents.MessageEvent, teamID, botUserID string) (Command, bool) {
	if ev.ChannelType != "im" || ev.SubType != "" || ev.BotID != "" || ev.User == "" || ev.User == botUserID {
		return Command{}, false
	}
	return Command{TeamID: teamID, ChannelID: ev.Channel, UserID: ev.User, Text: strings.TrimSpace(ev.Text)}, true
}

// commandFromMention strips the leading mention of the bot from the text.
func commandFromMention(ev *slackevents.AppMentionEvent, teamID, botUserID string) (Command, bool) {
	if ev.BotID != "" || ev.User == "" || ev.User == botUserID {
		return Command{}, false
	}
	text := strings.TrimSpace(ev.Text)
	if botUserID != "" {
		text = strings.TrimSpace(strings.TrimPrefix(text, "<@"+botUserID+">"))
	}
	return Command{TeamID: teamID, ChannelID: ev.Channel, UserID: ev.User, Text: text}, true
}
