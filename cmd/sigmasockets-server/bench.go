package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"sigmasockets/client"
)

// cliBench dials n concurrent clients at a target server and reports how
// many connected or failed, their average connect latency and the total
// elapsed time; it sends no messages. It's a smoke test for deployments, not a
// calibrated load-testing tool.
func cliBench(args []string) bool {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "server WebSocket URL")
	n := fs.Int("n", 10, "number of concurrent connections")
	timeout := fs.Duration("timeout", 10*time.Second, "overall bench timeout")
	fs.Parse(args)

	if *n <= 0 {
		fmt.Fprintln(os.Stderr, "bench: -n must be positive")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		connected int64
		failed    int64
		wg        sync.WaitGroup
	)

	start := time.Now()
	connectLatencies := make([]time.Duration, *n)

	for i := 0; i < *n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			connectStart := time.Now()
			connectedCh := make(chan struct{}, 1)

			c := client.New(client.Config{
				URL:                  *url,
				MaxReconnectAttempts: 1, // bench measures this server's responsiveness, not reconnect behavior
				OnStateChange: func(s client.State) {
					if s == client.Connected {
						select {
						case connectedCh <- struct{}{}:
						default:
						}
					}
				},
			})

			runCtx, runCancel := context.WithCancel(ctx)
			defer runCancel()
			done := make(chan error, 1)
			go func() { done <- c.Run(runCtx) }()

			select {
			case <-connectedCh:
				connectLatencies[idx] = time.Since(connectStart)
				atomic.AddInt64(&connected, 1)
				_ = c.Send([]byte("ping"))
			case <-done:
				atomic.AddInt64(&failed, 1)
			case <-ctx.Done():
				atomic.AddInt64(&failed, 1)
			}

			c.Close()
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	var total time.Duration
	for _, d := range connectLatencies {
		total += d
	}
	var avg time.Duration
	if connected > 0 {
		avg = total / time.Duration(connected)
	}

	fmt.Printf("sigmasockets-server bench: %d connections to %s\n", *n, *url)
	fmt.Printf("Connected: %d, Failed: %d\n", connected, failed)
	fmt.Printf("Average connect latency: %v\n", avg)
	fmt.Printf("Total elapsed: %v\n", elapsed)
	return true
}
