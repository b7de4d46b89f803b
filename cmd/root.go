/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"io/fs"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"streamfeed/config"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "streamfeed",
		Usage: "An activity feed fan-out and aggregation service",
		Description: `Streamfeed stores user activities and fans them out to the feeds
		of their followers.

		Feeds come in three kinds: plain timelines, aggregated feeds that
		group similar activities and notification feeds that also track
		what a user has seen and read. Feeds are stored in memory, SQLite
		or PostgreSQL and served over an HTTP API.

		Flags can generally be set via environment variables, e.g.:

		--config => STREAMFEED_CONFIG=streamfeed.toml
		--port => STREAMFEED_PORT=8080
		`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "streamfeed.toml",
				Usage:   "Path to the configuration file",
				EnvVars: []string{"STREAMFEED_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (trace, debug, info, warn, error), overrides the config file",
				EnvVars: []string{"STREAMFEED_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
			rollbackCmd(),
			tidyCmd(),
			importCmd(),
			showCmd(),
			deleteCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

// loadConfig reads the configured file. A missing file falls back to the
// defaults unless the path was given explicitly.
func loadConfig(ctx *cli.Context) (*config.TomlConfig, error) {
	path := ctx.String("config")
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) && !ctx.IsSet("config") {
		log.WithField("path", path).Info("No config file found, using defaults")
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, err
	}

	if level := ctx.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lvl, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	return cfg, nil
}
