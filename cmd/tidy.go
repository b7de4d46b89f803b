/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"streamfeed/app"
)

func tidyCmd() *cli.Command {
	return &cli.Command{
		Name:  "tidy",
		Usage: "Tidy up the database",
		Description: `Tidy up the database by trimming every feed.

		Writes only trim a feed now and then, so feeds can grow past their
		max length. Tidy trims every stored feed back to the max length of
		its feed class, or to --length when given. Can be run as a cron job.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "length",
				Aliases: []string{"l"},
				Usage:   "Trim every feed to this length instead of the class max length",
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			cfg.Fanout.Workers = 0

			feeds, err := app.New(ctx.Context, cfg)
			if err != nil {
				return err
			}
			defer feeds.Close()

			visited, err := feeds.Tidy(ctx.Context, ctx.Int("length"))
			if err != nil {
				return err
			}
			fmt.Printf("Tidied %d feeds\n", visited)
			return nil
		},
	}
}
