package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	defaultPort       = "8080"
	defaultLoginURL   = "https://login.salesforce.com"
	defaultAPIVersion = "59.0"
	defaultStore      = "memory"
	defaultRedisAddr  = "127.0.0.1:6379"
	defaultBoltPath   = "casebot.db"
	defaultLogLevel   = "info"
)

// Default RecordTypeIds of the Case variants in the org the bot was built for.
// Override per org with SF_RECORD_TYPE_<NAME>.
var defaultRecordTypeIDs = map[string]string{
	"Incident": "01239000000EB4NAAW",
	"Change":   "01239000000EB4MAAW",
	"Problem":  "01239000000EB4OAAW",
	"Release":  "01239000000EB4PAAW",
}

type Config struct {
	Slack      SlackConfig
	Salesforce SalesforceConfig
	Store      StoreConfig
	Logger     LoggerConfig
	Server     ServerConfig
}

type SlackConfig struct {
	BotToken      string
	SigningSecret string
	AppToken      string // xapp-..., enables Socket Mode when set
	ClientID      string
	ClientSecret  string
}

type SalesforceConfig struct {
	ClientID     string
	ClientSecret string
	LoginURL     string // authorization server, e.g. https://test.salesforce.com
	APIVersion   string
	// RecordTypeIDs maps a Case variant name to its RecordTypeId.
	RecordTypeIDs map[string]string
}

type StoreConfig struct {
	Driver        string // memory, redis or bolt
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	BoltPath      string
}

type LoggerConfig struct {
	Level    string
	Encoding string
}

type ServerConfig struct {
	Port             string
	AppURL           string // public base URL, used for login links and OAuth redirects
	StateSecret      string
	AdminAllowedCIDR string
}

// OAuthRedirectURL is where Salesforce sends the user back after login.
func (c *Config) OAuthRedirectURL() string {
	return c.Server.AppURL + "/authorize"
}

// LoginBaseURL is the prefix of per-user login links.
func (c *Config) LoginBaseURL() string {
	return c.Server.AppURL + "/login"
}

// SlackInstallEnabled returns true when Slack OAuth app credentials are present.
func (c *Config) SlackInstallEnabled() bool {
	return c.Slack.ClientID != "" && c.Slack.ClientSecret != ""
}

// SocketModeEnabled returns true when an app-level token is configured.
func (c *Config) SocketModeEnabled() bool {
	return c.Slack.AppToken != ""
}

func Load() (*Config, error) {
	// A missing .env is fine outside local development.
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		Slack: SlackConfig{
			BotToken:      os.Getenv("SLACK_BOT_TOKEN"),
			SigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
			AppToken:      os.Getenv("SLACK_APP_TOKEN"),
			ClientID:      os.Getenv("SLACK_CLIENT_ID"),
			ClientSecret:  os.Getenv("SLACK_CLIENT_SECRET"),
		},
		Salesforce: SalesforceConfig{
			ClientID:      os.Getenv("SF_ID"),
			ClientSecret:  os.Getenv("SF_SECRET"),
			LoginURL:      strings.TrimRight(getEnv("SF_LOGIN_URL", defaultLoginURL), "/"),
			APIVersion:    getEnv("SF_API_VERSION", defaultAPIVersion),
			RecordTypeIDs: recordTypeIDs(),
		},
		Store: StoreConfig{
			Driver:        strings.ToLower(getEnv("CREDENTIAL_STORE", defaultStore)),
			RedisAddr:     getEnv("REDIS_ADDR", defaultRedisAddr),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       redisDB,
			BoltPath:      getEnv("BOLT_PATH", defaultBoltPath),
		},
		Logger: LoggerConfig{
			Level:    getEnv("LOG_LEVEL", defaultLogLevel),
			Encoding: getEnv("LOG_ENCODING", "json"),
		},
		Server: ServerConfig{
			Port:             getEnv("PORT", defaultPort),
			AppURL:           strings.TrimRight(os.Getenv("APP_URL"), "/"),
			StateSecret:      os.Getenv("OAUTH_STATE_SECRET"),
			AdminAllowedCIDR: os.Getenv("ADMIN_ALLOWED_CIDRS"),
		},
	}

	if cfg.Slack.BotToken == "" && !cfg.SlackInstallEnabled() {
		return nil, fmt.Errorf("SLACK_BOT_TOKEN is required (or set SLACK_CLIENT_ID and SLACK_CLIENT_SECRET)")
	}
	if cfg.Slack.SigningSecret == "" {
		return nil, fmt.Errorf("SLACK_SIGNING_SECRET is required")
	}
	if cfg.Salesforce.ClientID == "" || cfg.Salesforce.ClientSecret == "" {
		return nil, fmt.Errorf("SF_ID and SF_SECRET are required")
	}
	if cfg.Server.AppURL == "" {
		return nil, fmt.Errorf("APP_URL is required")
	}
	if cfg.Server.StateSecret == "" {
		// Falls back to the Salesforce secret so a single-secret deployment still works.
		cfg.Server.StateSecret = cfg.Salesforce.ClientSecret
	}

	switch cfg.Store.Driver {
	case "memory", "redis", "bolt":
	default:
		return nil, fmt.Errorf("CREDENTIAL_STORE must be one of memory, redis, bolt (got %q)", cfg.Store.Driver)
	}

	return cfg, nil
}

func recordTypeIDs() map[string]string {
	ids := make(map[string]string, len(defaultRecordTypeIDs))
	for name, id := range defaultRecordTypeIDs {
		ids[name] = getEnv("SF_RECORD_TYPE_"+strings.ToUpper(name), id)
	}
	return ids
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
