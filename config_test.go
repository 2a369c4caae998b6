package tagbus

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c, err := loadConfigFromEnv("", map[string]string{})
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), c)
	})

	t.Run("overrides", func(t *testing.T) {
		c, err := loadConfigFromEnv("GAME_", map[string]string{
			"GAME_HISTORY_ENABLED":    "false",
			"GAME_HISTORY_CAPACITY":   "0",
			"GAME_VALIDATION_POLICY":  "strict",
			"GAME_REQUEST_RATE":       "2.5",
			"GAME_REQUEST_BURST":      "4",
			"GAME_DEDUPE_TTL":         "30s",
			"TAGBUS_HISTORY_CAPACITY": "999",
		})
		require.NoError(t, err)
		assert.False(t, c.HistoryEnabled)
		assert.Equal(t, 0, c.HistoryCapacity)
		assert.Equal(t, PolicyStrict, c.ValidationPolicy)
		assert.Equal(t, 2.5, c.RequestRate)
		assert.Equal(t, 4, c.RequestBurst)
		assert.Equal(t, 30*time.Second, c.DedupeTTL)
	})

	t.Run("invalid policy", func(t *testing.T) {
		_, err := loadConfigFromEnv("", map[string]string{"TAGBUS_VALIDATION_POLICY": "paranoid"})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("fails fast on zero capacity", func(t *testing.T) {
		_, err := loadConfigFromEnv("", map[string]string{"TAGBUS_HISTORY_CAPACITY": "0"})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestConfigFromYAML(t *testing.T) {
	t.Run("partial document keeps defaults", func(t *testing.T) {
		c, err := LoadConfigYAML(strings.NewReader("validation_policy: permissive\nhistory_capacity: 8\n"))
		require.NoError(t, err)
		assert.True(t, c.HistoryEnabled)
		assert.Equal(t, 8, c.HistoryCapacity)
		assert.Equal(t, PolicyPermissive, c.ValidationPolicy)
		assert.Equal(t, DefaultDedupeTTL, c.DedupeTTL)
	})

	t.Run("empty document", func(t *testing.T) {
		c, err := LoadConfigYAML(strings.NewReader(""))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), c)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := LoadConfigYAML(strings.NewReader("history_size: 8\n"))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("duration", func(t *testing.T) {
		c, err := LoadConfigYAML(strings.NewReader("dedupe_ttl: 90s\n"))
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, c.DedupeTTL)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tagbus.yaml")
		require.NoError(t, os.WriteFile(path, []byte("history_enabled: false\nhistory_capacity: 0\n"), 0o600))

		c, err := LoadConfigFile(path)
		require.NoError(t, err)
		assert.False(t, c.HistoryEnabled)

		_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestWithConfig(t *testing.T) {
	c := DefaultConfig()
	c.HistoryCapacity = 2
	c.ValidationPolicy = PolicyStrict

	g, err := NewGlobalBus("cfg", WithMetrics(false), WithConfig(c))
	require.NoError(t, err)
	defer g.Close()

	assert.Equal(t, PolicyStrict, g.Policy())
	assert.Equal(t, 2, g.history.Cap())
	assert.NotNil(t, g.seen)

	t.Run("zero dedupe ttl disables suppression", func(t *testing.T) {
		c := DefaultConfig()
		c.DedupeTTL = 0
		g, err := NewGlobalBus("cfg", WithMetrics(false), WithConfig(c))
		require.NoError(t, err)
		defer g.Close()
		assert.Nil(t, g.seen)
	})

	t.Run("negative dedupe ttl", func(t *testing.T) {
		c := DefaultConfig()
		c.DedupeTTL = -time.Second
		assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
	})

	c.HistoryCapacity = 0
	_, err = New("cfg", WithMetrics(false), WithConfig(c))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
