/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"strconv"

	"github.com/cqroot/prompt"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"streamfeed/app"
	"streamfeed/feeds"
)

func deleteCmd() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "Delete the feeds of a user",
		Description: `Deletes every feed owned by a user, or a single one with --feed.

		Activities and follows are kept. Asks for confirmation unless --yes
		is given.`,
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "The owner of the feeds",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "feed",
				Usage: "Only delete the feed of this class",
			},
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Do not ask for confirmation",
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			cfg.Fanout.Workers = 0
			userID := ctx.Int64("user")

			a, err := app.New(ctx.Context, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			targets := a.Manager.Feeds(userID)
			targets[cfg.UserFeed.Name] = a.Manager.UserFeed(userID)
			if name := ctx.String("feed"); name != "" {
				feed, ok := targets[name]
				if !ok {
					return fmt.Errorf("unknown feed %q", name)
				}
				targets = map[string]feeds.Feed{name: feed}
			}

			if !ctx.Bool("yes") {
				answer, err := prompt.New().Ask(fmt.Sprintf("Delete %d feeds of user %d? Type the user id to confirm:", len(targets), userID)).Input("")
				if err != nil {
					return err
				}
				if answer != strconv.FormatInt(userID, 10) {
					fmt.Println("Aborted")
					return nil
				}
			}

			var result *multierror.Error
			for name, feed := range targets {
				if err := feed.Delete(ctx.Context); err != nil {
					result = multierror.Append(result, fmt.Errorf("failed to delete %s: %w", name, err))
					continue
				}
				log.WithField("key", feed.Key()).Info("Deleted feed")
			}
			return result.ErrorOrNil()
		},
	}
}
