package credentials

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/justmike1/casebot/config"
)

func startTestRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	return server
}

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()

	rec, err := store.Get(ctx, "U404")
	require.NoError(t, err)
	assert.Nil(t, rec, "missing user must yield nil record")

	require.NoError(t, store.Save(ctx, Record{
		ChatUserID:     "U1",
		AccessToken:    "a1",
		RefreshToken:   "r1",
		InstanceURL:    "https://na1.example",
		ExternalUserID: "005A",
	}))

	rec, err = store.Get(ctx, "U1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "a1", rec.AccessToken)
	assert.Equal(t, "005A", rec.ExternalUserID)
	assert.False(t, rec.UpdatedAt.IsZero())

	// Upsert overwrites in place.
	updated := *rec
	updated.AccessToken = "a2"
	updated.InstanceURL = "https://na2.example"
	require.NoError(t, store.Save(ctx, updated))

	rec, err = store.Get(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "a2", rec.AccessToken)
	assert.Equal(t, "https://na2.example", rec.InstanceURL)
	assert.Equal(t, "r1", rec.RefreshToken)

	assert.Error(t, store.Save(ctx, Record{AccessToken: "orphan"}))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	server := startTestRedis(t)
	store := NewRedisStore(server.Addr(), "", 0, zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Ping(context.Background()))
	exerciseStore(t, store)
	assert.True(t, server.Exists(redisKeyPrefix+"U1"))
}

func TestRedisStoreCorruptRecord(t *testing.T) {
	server := startTestRedis(t)
	store := NewRedisStore(server.Addr(), "", 0, zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, server.Set(redisKeyPrefix+"U2", "{not json"))
	_, err := store.Get(context.Background(), "U2")
	assert.Error(t, err)
}

func TestBoltStore(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)
}

func TestOpenSelectsDriver(t *testing.T) {
	server := startTestRedis(t)

	store, closeFn, err := Open(config.StoreConfig{Driver: "redis", RedisAddr: server.Addr()}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, store)
	require.NoError(t, closeFn())

	store, closeFn, err = Open(config.StoreConfig{Driver: "bolt", BoltPath: filepath.Join(t.TempDir(), "x.db")}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, store)
	require.NoError(t, closeFn())

	store, _, err = Open(config.StoreConfig{Driver: "memory"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	_, _, err = Open(config.StoreConfig{Driver: "mongo"}, zap.NewNop())
	assert.Error(t, err)
}
