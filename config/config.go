package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"streamfeed/aggregator"
	"streamfeed/feeds"
	"streamfeed/models"
	"streamfeed/serializer"
	"streamfeed/storage/sqlstore"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
)

// TomlServer holds HTTP server settings
type TomlServer struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	CORSOrigins string `toml:"cors_origins"`
}

// TomlStorage selects and configures the storage backend
type TomlStorage struct {
	Backend  string `toml:"backend"`
	Driver   string `toml:"driver"`
	Path     string `toml:"path"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
	SSLMode  string `toml:"ssl_mode"`
	Compress bool   `toml:"compress"`
}

// SQLOptions converts the storage settings for sqlstore.Open
func (s TomlStorage) SQLOptions() sqlstore.Options {
	return sqlstore.Options{
		Driver:   s.Driver,
		Path:     s.Path,
		Host:     s.Host,
		Port:     s.Port,
		User:     s.User,
		Password: s.Password,
		Name:     s.Name,
		SSLMode:  s.SSLMode,
		Compress: s.Compress,
	}
}

// TomlFanout configures the fan-out manager and its worker pool
type TomlFanout struct {
	ChunkSize           int    `toml:"chunk_size"`
	FollowActivityLimit int    `toml:"follow_activity_limit"`
	Workers             int    `toml:"workers"`
	QueueSize           int    `toml:"queue_size"`
	MaxRetries          uint64 `toml:"max_retries"`
}

// TomlFeed represents a feed class
type TomlFeed struct {
	Name           string   `toml:"name"`
	Kind           string   `toml:"kind"`
	KeyFormat      string   `toml:"key_format"`
	MaxLength      int      `toml:"max_length"`
	TrimChance     *float64 `toml:"trim_chance,omitempty"`
	MergeMaxLength int      `toml:"merge_max_length"`
	MaxAggregated  int      `toml:"max_aggregated"`
	Policy         string   `toml:"policy"`
}

// Options converts the feed settings for the feeds package
func (f TomlFeed) Options() feeds.Options {
	opts := feeds.Options{
		KeyFormat:      f.KeyFormat,
		MaxLength:      f.MaxLength,
		TrimChance:     feeds.DefaultTrimChance,
		MergeMaxLength: f.MergeMaxLength,
		MaxAggregated:  f.MaxAggregated,
	}
	if f.TrimChance != nil {
		opts.TrimChance = *f.TrimChance
	}
	return opts
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	LogLevel   string      `toml:"log_level"`
	Serializer string      `toml:"serializer"`
	Server     TomlServer  `toml:"server"`
	Storage    TomlStorage `toml:"storage"`
	Fanout     TomlFanout  `toml:"fanout"`
	UserFeed   TomlFeed    `toml:"user_feed"`
	Feeds      []TomlFeed  `toml:"feeds"`
}

// Default returns a configuration that runs entirely in memory with a plain
// timeline, an aggregated feed and a notification feed.
func Default() *TomlConfig {
	return &TomlConfig{
		LogLevel:   "info",
		Serializer: string(serializer.Text),
		Server: TomlServer{
			Host:        "0.0.0.0",
			Port:        3000,
			CORSOrigins: "*",
		},
		Storage: TomlStorage{
			Backend: BackendMemory,
			Driver:  sqlstore.DriverSQLite,
			Path:    "streamfeed.db",
			Host:    "localhost",
			Port:    5432,
			User:    "streamfeed",
			Name:    "streamfeed",
			SSLMode: "disable",
		},
		Fanout: TomlFanout{
			ChunkSize:           100,
			FollowActivityLimit: 5000,
			Workers:             4,
			QueueSize:           1000,
			MaxRetries:          3,
		},
		UserFeed: TomlFeed{Name: "user", Kind: feeds.KindSimple, KeyFormat: "user:%d"},
		Feeds: []TomlFeed{
			{Name: "timeline", Kind: feeds.KindSimple, KeyFormat: "timeline:%d"},
			{Name: "aggregated", Kind: feeds.KindAggregated, KeyFormat: "aggregated:%d", Policy: "recent_verb"},
			{Name: "notification", Kind: feeds.KindNotification, KeyFormat: "notification:%d"},
		},
	}
}

// LoadConfig reads a TOML file on top of the defaults. Listing feeds in the
// file replaces the default feeds.
func LoadConfig(path string) (*TomlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := Default()
	config.Feeds = nil
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if config.Feeds == nil {
		config.Feeds = Default().Feeds
	}

	log.WithFields(log.Fields{
		"path":    path,
		"backend": config.Storage.Backend,
		"feeds":   len(config.Feeds),
	}).Info("Loaded config")
	return config, nil
}

// Validate checks the configuration and reports the first problem found
func (c *TomlConfig) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if _, _, err := serializer.ForFamily(serializer.Family(c.Serializer), false); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQL:
		switch c.Storage.Driver {
		case sqlstore.DriverSQLite, sqlstore.DriverPostgres:
		default:
			return fmt.Errorf("%w: unknown sql driver %q", models.ErrValidation, c.Storage.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", models.ErrValidation, c.Storage.Backend)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", models.ErrValidation, c.Server.Port)
	}
	if c.Fanout.ChunkSize < 0 || c.Fanout.FollowActivityLimit < 0 || c.Fanout.Workers < 0 || c.Fanout.QueueSize < 0 {
		return fmt.Errorf("%w: fanout settings must not be negative", models.ErrValidation)
	}

	if c.UserFeed.Kind != feeds.KindSimple {
		return fmt.Errorf("%w: the user feed must be a %s feed", models.ErrValidation, feeds.KindSimple)
	}
	if err := c.UserFeed.validate(); err != nil {
		return err
	}

	names := map[string]bool{c.UserFeed.Name: true}
	keys := map[string]bool{c.UserFeed.KeyFormat: true}
	notifications := 0
	for _, feed := range c.Feeds {
		if err := feed.validate(); err != nil {
			return err
		}
		if names[feed.Name] {
			return fmt.Errorf("%w: duplicate feed name %q", models.ErrValidation, feed.Name)
		}
		if keys[feed.KeyFormat] {
			return fmt.Errorf("%w: duplicate key format %q", models.ErrValidation, feed.KeyFormat)
		}
		names[feed.Name] = true
		keys[feed.KeyFormat] = true
		if feed.Kind == feeds.KindNotification {
			notifications++
		}
	}
	if notifications > 1 {
		return fmt.Errorf("%w: at most one notification feed is supported", models.ErrValidation)
	}
	return nil
}

func (f TomlFeed) validate() error {
	if f.Name == "" {
		return fmt.Errorf("%w: feed without a name", models.ErrValidation)
	}
	if f.KeyFormat == "" {
		return fmt.Errorf("%w: feed %q needs a key format", models.ErrValidation, f.Name)
	}
	switch f.Kind {
	case feeds.KindSimple, feeds.KindNotification:
	case feeds.KindAggregated:
		if _, err := aggregator.ByName(f.Policy); err != nil {
			return fmt.Errorf("feed %q: %w", f.Name, err)
		}
	default:
		return fmt.Errorf("%w: feed %q has unknown kind %q", models.ErrValidation, f.Name, f.Kind)
	}
	if err := f.Options().Validate(); err != nil {
		return fmt.Errorf("feed %q: %w", f.Name, err)
	}
	return nil
}
