/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"streamfeed/app"
	"streamfeed/fanout"
	"streamfeed/models"
)

// importRecord is one line of an import file
type importRecord struct {
	Verb         string         `json:"verb"`
	ObjectID     int64          `json:"object_id"`
	TargetID     *int64         `json:"target_id"`
	Time         time.Time      `json:"time"`
	ExtraContext map[string]any `json:"extra_context"`
}

func readImport(path string, userID int64) ([]models.Activity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading import file: %w", err)
	}
	var records []importRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("error parsing import file: %w", err)
	}

	activities := make([]models.Activity, 0, len(records))
	for i, r := range records {
		verb, err := models.VerbByName(r.Verb)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		a, err := models.NewActivity(userID, verb, r.ObjectID, r.TargetID, r.Time, r.ExtraContext)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		activities = append(activities, a)
	}
	return activities, nil
}

func importCmd() *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import a backlog of activities for a user",
		Description: `Imports activities from a JSON file into the feed of a user.

		The file holds an array of objects with verb, object_id, target_id,
		time and extra_context fields. The activities are written in chunks
		and, unless --no-fanout is given, fanned out to every follower.`,
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "The user the activities belong to",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Path to the JSON file to import",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "chunk-size",
				Usage: "Number of activities written per chunk",
				Value: fanout.DefaultImportChunkSize,
			},
			&cli.BoolFlag{
				Name:  "no-fanout",
				Usage: "Only write the user's own feed",
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			userID := ctx.Int64("user")
			activities, err := readImport(ctx.String("file"), userID)
			if err != nil {
				return err
			}

			feeds, err := app.New(ctx.Context, cfg)
			if err != nil {
				return err
			}
			defer feeds.Close()

			if err := feeds.Manager.BatchImport(ctx.Context, userID, activities, ctx.Int("chunk-size"), !ctx.Bool("no-fanout")); err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"user":       userID,
				"activities": len(activities),
			}).Info("Imported activities")
			return nil
		},
	}
}
