// Command sigmasockets-client is a small demo peer: it dials a
// SigmaSockets server, reconnects with backoff across drops, and
// echoes whatever it receives to stdout while sending each non-empty
// line read from stdin as a Data frame.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"sigmasockets/client"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "server WebSocket URL")
	debug := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	c := client.New(client.Config{
		URL:    *url,
		Logger: logger,
		Debug:  *debug,
		OnStateChange: func(s client.State) {
			logger.Info("state changed", "component", "client", "state", s.String())
		},
		OnMessage: func(ev client.MessageEvent) {
			fmt.Printf("< %s\n", ev.Payload)
		},
		OnSessionLost: func() {
			logger.Warn("session lost, starting fresh", "component", "client")
		},
		OnError: func(err error) {
			logger.Warn("client error", "component", "client", "err", err)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("shutting down", "component", "client")
		c.Close()
		cancel()
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if err := c.Send([]byte(line)); err != nil {
				logger.Warn("send failed", "component", "client", "err", err)
			}
		}
	}()

	if err := c.Run(ctx); err != nil {
		logger.Error("client exited", "component", "client", "err", err)
		os.Exit(1)
	}
}
