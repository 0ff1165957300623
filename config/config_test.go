package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("SLACK_SIGNING_SECRET", "signing")
	t.Setenv("SF_ID", "client-id")
	t.Setenv("SF_SECRET", "client-secret")
	t.Setenv("APP_URL", "https://bot.example/")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, defaultPort, cfg.Server.Port)
	assert.Equal(t, "https://bot.example", cfg.Server.AppURL)
	assert.Equal(t, "https://bot.example/login", cfg.LoginBaseURL())
	assert.Equal(t, "https://bot.example/authorize", cfg.OAuthRedirectURL())
	assert.Equal(t, "client-secret", cfg.Server.StateSecret)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "01239000000EB4OAAW", cfg.Salesforce.RecordTypeIDs["Problem"])
	assert.False(t, cfg.SocketModeEnabled())
}

func TestLoadRecordTypeOverride(t *testing.T) {
	setRequired(t)
	t.Setenv("SF_RECORD_TYPE_PROBLEM", "012000000000001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "012000000000001", cfg.Salesforce.RecordTypeIDs["Problem"])
	assert.Equal(t, "01239000000EB4NAAW", cfg.Salesforce.RecordTypeIDs["Incident"])
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name  string
		unset string
		extra map[string]string
	}{
		{name: "signing secret", unset: "SLACK_SIGNING_SECRET"},
		{name: "salesforce client", unset: "SF_SECRET"},
		{name: "app url", unset: "APP_URL"},
		{name: "store driver", extra: map[string]string{"CREDENTIAL_STORE": "mongo"}},
		{name: "redis db", extra: map[string]string{"REDIS_DB": "zero"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			if tt.unset != "" {
				t.Setenv(tt.unset, "")
			}
			for k, v := range tt.extra {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
