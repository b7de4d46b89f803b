/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"streamfeed/app"
	"streamfeed/config"
	"streamfeed/feeds"
	"streamfeed/models"
)

type aggregateLister interface {
	Aggregates(ctx context.Context, start, stop int) ([]*models.AggregatedActivity, error)
}

func renderFeed(ctx context.Context, w io.Writer, feed feeds.Feed, limit int) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)

	if agg, ok := feed.(aggregateLister); ok {
		aggs, err := agg.Aggregates(ctx, 0, limit)
		if err != nil {
			return err
		}
		tw.AppendHeader(table.Row{"ID", "Group", "Verb", "Activities", "Actors", "Updated", "Seen", "Read"})
		for _, a := range aggs {
			tw.AppendRow(table.Row{
				a.SerializationID(), a.Group, a.Verb().Infinitive, a.ActivityCount(), a.ActorCount(),
				a.UpdatedAt.Format(time.RFC3339), a.IsSeen(), a.IsRead(),
			})
		}
	} else {
		activities, err := feed.ActivitySlice(ctx, 0, limit)
		if err != nil {
			return err
		}
		tw.AppendHeader(table.Row{"ID", "Time", "Actor", "Verb", "Object"})
		for _, a := range activities {
			tw.AppendRow(table.Row{
				a.SerializationID(), a.Time.Format(time.RFC3339), a.ActorID, a.Verb.Infinitive, a.ObjectID,
			})
		}
	}

	count, err := feed.Count(ctx)
	if err != nil {
		return err
	}
	tw.AppendFooter(table.Row{"Total", count})
	tw.Render()
	return nil
}

func showCmd() *cli.Command {
	return &cli.Command{
		Name:  "show",
		Usage: "Show the feed of a user",
		Description: `Prints the newest entries of a user's feed as a table.

		Without --feed the user's own feed is shown.`,
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "The owner of the feed",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "feed",
				Usage: "Name of the feed class",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Number of entries to show",
				Value: 20,
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if cfg.Storage.Backend == config.BackendMemory {
				fmt.Println("Storage backend is memory, feeds are empty")
			}
			cfg.Fanout.Workers = 0

			a, err := app.New(ctx.Context, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			name := ctx.String("feed")
			if name == "" {
				name = cfg.UserFeed.Name
			}
			class, ok := a.Manager.Class(name)
			if !ok {
				return fmt.Errorf("unknown feed %q", name)
			}
			return renderFeed(ctx.Context, os.Stdout, class.For(ctx.Int64("user")), ctx.Int("limit"))
		},
	}
}
