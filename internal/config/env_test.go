package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	env, err := LoadEnv()
	require.NoError(t, err)

	assert.Equal(t, ModeServer, env.Mode)
	assert.Equal(t, "3000", env.HTTPPort)
	assert.Equal(t, StoreLocal, env.StoreEnv.Type)
	assert.Equal(t, "push-db", env.MongoDatabase)
	assert.Equal(t, "subscriptions", env.MongoCollection)
	assert.Equal(t, "Demo Notification!", env.Title)
	assert.Equal(t, "Testing your custom backend setup!", env.Body)
	assert.Equal(t, "/images/icon.png", env.Icon)
	assert.Equal(t, 86400, env.VAPIDTTL)
	assert.Equal(t, 30*time.Second, env.DeliveryTimeout)
	assert.Equal(t, []string{"*"}, env.AllowedOrigins)
	assert.False(t, env.VAPIDEnv.Configured())
}

func TestLoadEnvUnprefixedFallback(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_TYPE", "mongo")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("VAPID_SUBJECT", "mailto:ops@example.com")
	t.Setenv("VAPID_PUBLIC_KEY", "pub")
	t.Setenv("VAPID_PRIVATE_KEY", "priv")
	t.Setenv("PUSHCAST_PORT", "8080")
	t.Setenv("NOTIFICATION_TAG", "daily")

	env, err := LoadEnv()
	require.NoError(t, err)

	assert.Equal(t, StoreMongo, env.StoreEnv.Type)
	assert.Equal(t, "mongodb://localhost:27017", env.MongoURI)
	assert.Equal(t, "8080", env.HTTPPort)
	assert.Equal(t, "daily", env.Tag)
	assert.True(t, env.VAPIDEnv.Configured())
}

func TestLoadEnvDotenvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PUSHCAST_MODE=ondemand\nVAPID_SUBJECT=mailto:a@b.c\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("PUSHCAST_MODE")
		os.Unsetenv("VAPID_SUBJECT")
	})

	env, err := LoadEnv()
	require.NoError(t, err)
	assert.True(t, env.OnDemand())
	assert.Equal(t, "mailto:a@b.c", env.VAPIDSubject)
}

func TestLoadEnvValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad mode", env: map[string]string{"PUSHCAST_MODE": "lambda"}},
		{name: "bad store", env: map[string]string{"PUSHCAST_STORE_TYPE": "redis"}},
		{name: "mongo without uri", env: map[string]string{"PUSHCAST_STORE_TYPE": "mongo"}},
		{name: "postgres without url", env: map[string]string{"PUSHCAST_STORE_TYPE": "postgres"}},
		{name: "s3 without bucket", env: map[string]string{"PUSHCAST_STORE_TYPE": "s3"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadEnv()
			assert.Error(t, err)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, (&BaseEnv{LogLevel: "warn"}).SlogLevel())
	assert.Equal(t, slog.LevelDebug, (&BaseEnv{LogLevel: "nonsense"}).SlogLevel())
	var nilEnv *BaseEnv
	assert.Equal(t, slog.LevelDebug, nilEnv.SlogLevel())
}
