package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamfeed/config"
	"streamfeed/models"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.BackendMemory, cfg.Storage.Backend)
	assert.Len(t, cfg.Feeds, 3)
	assert.InDelta(t, 0.01, cfg.Feeds[0].Options().TrimChance, 1e-9)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamfeed.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"
serializer = "msgpack"

[storage]
backend = "sql"
driver = "sqlite"
path = "/tmp/feeds.db"
compress = true

[fanout]
chunk_size = 50

[[feeds]]
name = "timeline"
kind = "simple"
key_format = "tl:%d"
max_length = 500
trim_chance = 0.5

[[feeds]]
name = "grouped"
kind = "aggregated"
key_format = "grp:%d"
policy = "notification"
`), 0o644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, config.BackendSQL, cfg.Storage.Backend)
	assert.True(t, cfg.Storage.SQLOptions().Compress)
	assert.Equal(t, 50, cfg.Fanout.ChunkSize)
	assert.Equal(t, 5000, cfg.Fanout.FollowActivityLimit, "unset values keep their default")
	assert.Equal(t, 3000, cfg.Server.Port)

	require.Len(t, cfg.Feeds, 2)
	opts := cfg.Feeds[0].Options()
	assert.Equal(t, 500, opts.MaxLength)
	assert.InDelta(t, 0.5, opts.TrimChance, 1e-9)
	assert.InDelta(t, 0.01, cfg.Feeds[1].Options().TrimChance, 1e-9)
}

func TestLoadConfigKeepsDefaultFeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamfeed.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_level = \"warn\"\n"), 0o644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Feeds, 3)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("feeds = ["), 0o644))
	_, err = config.LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	trimChance := 1.5

	tests := []struct {
		name   string
		modify func(*config.TomlConfig)
	}{
		{
			name:   "unknown log level",
			modify: func(c *config.TomlConfig) { c.LogLevel = "loud" },
		},
		{
			name:   "unknown serializer",
			modify: func(c *config.TomlConfig) { c.Serializer = "xml" },
		},
		{
			name:   "unknown backend",
			modify: func(c *config.TomlConfig) { c.Storage.Backend = "cassandra" },
		},
		{
			name: "unknown driver",
			modify: func(c *config.TomlConfig) {
				c.Storage.Backend = config.BackendSQL
				c.Storage.Driver = "oracle"
			},
		},
		{
			name:   "aggregated user feed",
			modify: func(c *config.TomlConfig) { c.UserFeed.Kind = "aggregated" },
		},
		{
			name:   "duplicate name",
			modify: func(c *config.TomlConfig) { c.Feeds[1].Name = c.Feeds[0].Name },
		},
		{
			name:   "duplicate key format",
			modify: func(c *config.TomlConfig) { c.Feeds[1].KeyFormat = c.UserFeed.KeyFormat },
		},
		{
			name:   "unknown kind",
			modify: func(c *config.TomlConfig) { c.Feeds[0].Kind = "ranked" },
		},
		{
			name:   "unknown policy",
			modify: func(c *config.TomlConfig) { c.Feeds[1].Policy = "by_actor" },
		},
		{
			name:   "trim chance above one",
			modify: func(c *config.TomlConfig) { c.Feeds[0].TrimChance = &trimChance },
		},
		{
			name: "two notification feeds",
			modify: func(c *config.TomlConfig) {
				c.Feeds[0].Kind = "notification"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), models.ErrValidation)
		})
	}
}
