/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"streamfeed/app"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the feeds over HTTP",
		Description: `Starts the streamfeed HTTP server.

		Activities posted to the API are stored, added to the feed of their
		actor and fanned out to the feeds of every follower by a pool of
		workers. Notification counts are streamed to clients over SSE.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "hostname",
				Aliases: []string{"n"},
				Usage:   "The hostname to listen on, overrides the config file",
				EnvVars: []string{"STREAMFEED_HOSTNAME"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "The port to listen on, overrides the config file",
				EnvVars: []string{"STREAMFEED_PORT"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if ctx.IsSet("hostname") {
				cfg.Server.Host = ctx.String("hostname")
			}
			if ctx.IsSet("port") {
				cfg.Server.Port = ctx.Int("port")
			}

			feeds, err := app.New(ctx.Context, cfg)
			if err != nil {
				return err
			}
			server := feeds.Server()

			// Graceful shutdown
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			errChan := make(chan error, 1)

			go func() {
				addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
				log.Infof("Starting server on %s", addr)
				errChan <- server.Listen(addr)
			}()

			select {
			case sig := <-sigChan:
				log.Infof("Received signal %v, gracefully shutting down...", sig)
			case err := <-errChan:
				if err != nil {
					log.WithError(err).Error("Server stopped")
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := server.ShutdownWithContext(shutdownCtx); err != nil {
				log.WithError(err).Warn("Server shutdown timed out")
			}
			if err := feeds.Close(); err != nil {
				return err
			}

			log.Info("Done!")
			return nil
		},
	}
}
