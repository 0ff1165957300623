package replies

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	s := Default()
	assert.Equal(t, "Howdy! I am the bot that you just added to your team.", s.Get("install_greeting"))
	assert.Contains(t, s.Get("help"), "`comments <number>`")
	assert.Equal(t, "I couldn't find case 00000042.", s.Format("not_found", "case 00000042"))
	assert.Empty(t, s.Get("nope"))
	assert.Panics(t, func() { s.MustGet("nope") })
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("install_greeting: \"Hi team!\"\nextra: \"x\"\n"), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Hi team!", s.Get("install_greeting"))
	assert.Equal(t, "x", s.Get("extra"))
	assert.Equal(t, Default().Get("help"), s.Get("help"), "untouched keys keep their defaults")

	all := s.All()
	all["extra"] = "changed"
	assert.Equal(t, "x", s.Get("extra"))
}

func TestLoadFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processing: \"One moment...\"\n"), 0o600))
	t.Setenv("REPLIES_FILE", path)

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "One moment...", s.Get("processing"))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- a list\n- not a map\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}
