package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/omochice/socket-relay/internal/client"
	"github.com/omochice/socket-relay/internal/client/tcp"
	"github.com/omochice/socket-relay/internal/client/ws"
	"github.com/omochice/socket-relay/internal/config"
	"github.com/omochice/socket-relay/internal/logger"
)

const (
	Version     = "0.1.0"
	dialTimeout = 10 * time.Second
)

func main() {
	app := &cli.Command{
		Name:    "relay-client",
		Usage:   "Send stdin lines to a relay server and print what other clients send",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file (yaml, toml or json); RELAY_* env vars override it",
			},
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Server address (default localhost:8080)",
			},
			&cli.BoolFlag{
				Name:  "ws",
				Usage: "Connect over WebSocket instead of raw TCP",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
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
	cfg, err := config.LoadClient(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("server") {
		cfg.Server = c.String("server")
	}
	if c.IsSet("ws") {
		cfg.WebSocket = c.Bool("ws")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Logs go to stderr so stdout carries only relayed traffic.
	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Out: os.Stderr})
	if err != nil {
		return err
	}

	conn := newClient(cfg, log)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := conn.Connect(dialCtx); err != nil {
		return err
	}
	defer conn.Disconnect()

	fmt.Println("Connected to server")

	serverGone := make(chan struct{})
	go func() {
		defer close(serverGone)
		for chunk := range conn.Messages() {
			os.Stdout.Write(chunk)
		}
	}()

	lines := make(chan string)
	go readLines(lines)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Println("Type your messages, Ctrl-D to quit:")
	}

	for {
		select {
		case <-serverGone:
			fmt.Println("Server disconnected")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := conn.Send(line + "\n"); err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
		}
	}
}

func newClient(cfg config.Client, log zerolog.Logger) client.Client {
	if cfg.WebSocket {
		return ws.New(cfg.Server, cfg.ReadSize, log)
	}
	return tcp.New(cfg.Server, cfg.ReadSize, log)
}

// readLines forwards stdin lines until EOF, then closes out.
func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
	}
}
