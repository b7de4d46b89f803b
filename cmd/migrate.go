/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"streamfeed/config"
	"streamfeed/storage/sqlstore"
)

func openConfiguredDB(ctx *cli.Context) (*sqlstore.DB, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Backend != config.BackendSQL {
		return nil, fmt.Errorf("storage backend is %q, migrations need %q", cfg.Storage.Backend, config.BackendSQL)
	}

	opts := cfg.Storage.SQLOptions()
	if opts.Driver == sqlstore.DriverPostgres {
		fmt.Printf("Database configured: %s:%d/%s\n", opts.Host, opts.Port, opts.Name)
	} else {
		fmt.Println("Database configured: ", opts.Path)
	}
	return sqlstore.Open(opts)
}

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:        "migrate",
		Usage:       "Run database migrations",
		Description: `Runs database migrations on the configured database. Will create the database if it does not exist.`,
		Action: func(ctx *cli.Context) error {
			db, err := openConfiguredDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Migrate()
		},
	}
}

func rollbackCmd() *cli.Command {
	return &cli.Command{
		Name:        "rollback",
		Usage:       "Rollback database migration",
		Description: `Rolls back the last database migrations`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "steps",
				Usage: "Number of migrations to roll back",
				Value: 1,
			},
		},
		Action: func(ctx *cli.Context) error {
			db, err := openConfiguredDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Rollback(ctx.Int("steps"))
		},
	}
}
