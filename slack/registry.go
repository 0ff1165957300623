package slack

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	slacklib "github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Bot is one installation of the app in a workspace.
type Bot struct {
	Token       string    `json:"-"`
	TeamID      string    `json:"teamId"`
	TeamName    string    `json:"teamName"`
	BotUserID   string    `json:"botUserId"`
	InstalledBy string    `json:"installedBy"`
	InstalledAt time.Time `json:"installedAt"`
}

// Registry tracks installed bots keyed by token, with an index by team.
// A default token, when configured, serves teams that never installed
// through OAuth.
type Registry struct {
	defaultToken string
	apiOptions   []slacklib.Option
	logger       *zap.Logger

	mu      sync.RWMutex
	byToken map[string]Bot
	byTeam  map[string]string
	clients map[string]*Client
}

func NewRegistry(defaultToken string, logger *zap.Logger, apiOptions ...slacklib.Option) *Registry {
	return &Registry{
		defaultToken: defaultToken,
		apiOptions:   apiOptions,
		logger:       logger.Named("registry"),
		byToken:      make(map[string]Bot),
		byTeam:       make(map[string]string),
		clients:      make(map[string]*Client),
	}
}

// Insert adds a bot. It returns false when the token is already known, in
// which case the registry is left unchanged.
func (r *Registry) Insert(b Bot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byToken[b.Token]; ok {
		return false
	}
	if b.InstalledAt.IsZero() {
		b.InstalledAt = time.Now().UTC()
	}
	r.byToken[b.Token] = b
	if b.TeamID != "" {
		r.byTeam[b.TeamID] = b.Token
	}
	r.logger.Info("bot registered", zap.String("team", b.TeamID), zap.String("team_name", b.TeamName))
	return true
}

func (r *Registry) Lookup(token string) (Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byToken[token]
	return b, ok
}

// LookupTeam returns the most recently inserted bot of a team.
func (r *Registry) LookupTeam(teamID string) (Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.byTeam[teamID]
	if !ok {
		return Bot{}, false
	}
	return r.byToken[token], true
}

// List returns all bots ordered by team.
func (r *Registry) List() []Bot {
	r.mu.RLock()
	out := make([]Bot, 0, len(r.byToken))
	for _, b := range r.byToken {
		out = append(out, b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TeamID != out[j].TeamID {
			return out[i].TeamID < out[j].TeamID
		}
		return out[i].InstalledAt.Before(out[j].InstalledAt)
	})
	return out
}

// ClientFor returns a Web API client for the team's bot, falling back to
// the default token.
func (r *Registry) ClientFor(teamID string) (*Client, error) {
	token := r.defaultToken
	if b, ok := r.LookupTeam(teamID); ok {
		token = b.Token
	}
	if token == "" {
		return nil, errors.New("no bot installed for team " + teamID)
	}
	return r.client(token), nil
}

func (r *Registry) client(token string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[token]
	if !ok {
		c = NewClient(token, r.apiOptions...)
		r.clients[token] = c
	}
	return c
}

// Respond delivers a reply to where the command came from: the response URL
// of a slash command, otherwise the originating channel.
func (r *Registry) Respond(ctx context.Context, cmd Command, reply Reply) error {
	if cmd.ResponseURL != "" {
		return RespondToURL(ctx, cmd.ResponseURL, reply)
	}
	c, err := r.ClientFor(cmd.TeamID)
	if err != nil {
		return err
	}
	if reply.Ephemeral {
		return c.PostEphemeral(ctx, cmd.ChannelID, cmd.UserID, reply.Text)
	}
	return c.PostReply(ctx, cmd.ChannelID, reply)
}
