package slack

import (
	"net/http"

	slacklib "github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Greeting is what a newly installed bot DMs to the installer.
type Greeting struct {
	Lines   []string
	Success string // shown in the browser after install
}

// Installer serves the Slack OAuth v2 redirect: it exchanges the code for a
// bot token, registers the bot and greets whoever installed it.
type Installer struct {
	clientID     string
	clientSecret string
	redirectURL  string
	registry     *Registry
	greeting     Greeting
	httpClient   *http.Client
	logger       *zap.Logger
}

func NewInstaller(clientID, clientSecret, redirectURL string, registry *Registry, greeting Greeting, httpClient *http.Client, logger *zap.Logger) *Installer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Installer{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  redirectURL,
		registry:     registry,
		greeting:     greeting,
		httpClient:   httpClient,
		logger:       logger.Named("install"),
	}
}

func (i *Installer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		i.logger.Warn("install cancelled", zap.String("error", e))
		http.Error(w, "installation was not completed: "+e, http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	resp, err := slacklib.GetOAuthV2ResponseContext(r.Context(), i.httpClient, i.clientID, i.clientSecret, code, i.redirectURL)
	if err != nil {
		i.logger.Error("oauth.v2.access failed", zap.Error(err))
		http.Error(w, "ERROR: "+err.Error(), http.StatusInternalServerError)
		return
	}

	bot := Bot{
		Token:       resp.AccessToken,
		TeamID:      resp.Team.ID,
		TeamName:    resp.Team.Name,
		BotUserID:   resp.BotUserID,
		InstalledBy: resp.AuthedUser.ID,
	}
	if i.registry.Insert(bot) {
		if bot.InstalledBy != "" {
			i.greet(r, bot)
		}
	} else {
		i.logger.Info("bot already registered", zap.String("team", bot.TeamID))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(i.greeting.Success))
}

func (i *Installer) greet(r *http.Request, bot Bot) {
	c, err := i.registry.ClientFor(bot.TeamID)
	if err == nil {
		err = c.SendDM(r.Context(), bot.InstalledBy, i.greeting.Lines...)
	}
	if err != nil {
		i.logger.Warn("failed to greet installer", zap.String("user", bot.InstalledBy), zap.Error(err))
	}
}
