package slack

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Command is one user request, from a slash command, a direct message or a
// mention. ResponseURL is set only for slash commands.
type Command struct {
	TeamID      string
	ChannelID   string
	UserID      string
	Text        string
	ResponseURL string
}

// Reply is what the bot answers with. Text doubles as the notification
// fallback when Blocks are set.
type Reply struct {
	Text      string
	Blocks    []slack.Block
	Ephemeral bool
}

type Client struct {
	api   *slack.Client
	token string
}

func NewClient(botToken string, opts ...slack.Option) *Client {
	return &Client{api: slack.New(botToken, opts...), token: botToken}
}

func (c *Client) PostMessage(ctx context.Context, channelID, text string) (string, error) {
	_, ts, err := c.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("failed to post message: %w", err)
	}
	return ts, nil
}

// PostReply posts a reply into a channel or DM.
func (c *Client) PostReply(ctx context.Context, channelID string, reply Reply) error {
	opts := []slack.MsgOption{slack.MsgOptionText(reply.Text, false)}
	if len(reply.Blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(reply.Blocks...))
	}
	if _, _, err := c.api.PostMessageContext(ctx, channelID, opts...); err != nil {
		return fmt.Errorf("failed to post reply: %w", err)
	}
	return nil
}

func (c *Client) PostEphemeral(ctx context.Context, channelID, userID, text string) error {
	_, err := c.api.PostEphemeralContext(ctx, channelID, userID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("failed to post ephemeral message: %w", err)
	}
	return nil
}

// SendDM opens a direct conversation with userID and posts each text in order.
func (c *Client) SendDM(ctx context.Context, userID string, texts ...string) error {
	ch, _, _, err := c.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{userID}})
	if err != nil {
		return fmt.Errorf("failed to open conversation with %s: %w", userID, err)
	}
	for _, text := range texts {
		if _, err := c.PostMessage(ctx, ch.ID, text); err != nil {
			return err
		}
	}
	return nil
}

// BotUserID returns the Slack user ID of the bot token.
func (c *Client) BotUserID(ctx context.Context) (string, error) {
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to call auth.test: %w", err)
	}
	return resp.UserID, nil
}

// RespondToURL answers a slash command through its response_url.
func RespondToURL(ctx context.Context, responseURL string, reply Reply) error {
	msg := &slack.WebhookMessage{
		Text:         reply.Text,
		ResponseType: slack.ResponseTypeInChannel,
	}
	if reply.Ephemeral {
		msg.ResponseType = slack.ResponseTypeEphemeral
	}
	if len(reply.Blocks) > 0 {
		msg.Blocks = &slack.Blocks{BlockSet: reply.Blocks}
	}
	if err := slack.PostWebhookContext(ctx, responseURL, msg); err != nil {
		return fmt.Errorf("failed to post to response_url: %w", err)
	}
	return nil
}
