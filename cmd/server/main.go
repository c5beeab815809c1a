package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/omochice/socket-relay/internal/config"
	"github.com/omochice/socket-relay/internal/logger"
	"github.com/omochice/socket-relay/internal/server"
)

const Version = "0.1.0"

func main() {
	app := &cli.Command{
		Name:    "relay-server",
		Usage:   "Relay every chunk a client sends to all other connected clients",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file (yaml, toml or json); RELAY_* env vars override it",
			},
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "TCP listen address (default :8080)",
			},
			&cli.StringFlag{
				Name:  "ws-listen",
				Usage: "WebSocket listen address, disabled when empty",
			},
			&cli.IntFlag{
				Name:  "max-clients",
				Usage: "Maximum concurrent clients, 0 for no limit (default 10)",
			},
			&cli.BoolFlag{
				Name:  "prefix",
				Usage: "Prefix relayed chunks with the sender IP (default true)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (console, json)",
			},
		},
		Action: run,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	cfg, err := config.LoadServer(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("listen") {
		cfg.Address = c.String("listen")
	}
	if c.IsSet("ws-listen") {
		cfg.WSAddress = c.String("ws-listen")
	}
	if c.IsSet("max-clients") {
		cfg.MaxClients = int(c.Int("max-clients"))
	}
	if c.IsSet("prefix") {
		cfg.PrefixSender = c.Bool("prefix")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = c.String("log-format")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}

	relay, err := server.NewRelay(cfg, log)
	if err != nil {
		return err
	}

	// Bind failures are fatal.
	if err := relay.Listen(); err != nil {
		return err
	}
	log.Info().
		Str("tcp", relay.TCPAddr()).
		Str("ws", relay.WSAddr()).
		Int("max_clients", cfg.MaxClients).
		Msgf("relay-server %s started", Version)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- relay.Serve(ctx)
	}()

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received signal")
		cancel()
		err := <-errChan
		log.Info().Msg("relay-server stopped")
		return err
	}
}
