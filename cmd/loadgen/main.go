// loadgen hammers a play node with concurrent clients. Each client joins a
// stage, authenticates, and issues requests at a fixed per-client rate
// until the duration elapses; progress and a final summary go to the log.
//
// Usage:
//
//	go run ./cmd/loadgen -addr 127.0.0.1:17000 -clients 50 -rate 20 -duration 30s
//	go run ./cmd/loadgen -addr 127.0.0.1:17001 -ws -clients 10 -stages 4
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/playhouse/playhouse-go/internal/connector"
	"github.com/playhouse/playhouse-go/internal/constants"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

type options struct {
	addr      string
	useWS     bool
	clients   int
	stageType string
	stageBase int64
	stages    int64
	account   int64
	rate      float64
	payload   int
	duration  time.Duration
	msgId     string
}

type counters struct {
	ok      atomic.Int64
	fail    atomic.Int64
	totalNs atomic.Int64
}

func main() {
	opts := parseFlags()

	ctx, cancel := context.WithTimeout(context.Background(), opts.duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("stopping early", "signal", sig)
		cancel()
	}()

	run(ctx, opts)
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.addr, "addr", "127.0.0.1:17000", "play node address")
	flag.BoolVar(&opts.useWS, "ws", false, "dial over websocket")
	flag.IntVar(&opts.clients, "clients", 10, "concurrent client connections")
	flag.StringVar(&opts.stageType, "stage-type", "echo", "stage type to join")
	flag.Int64Var(&opts.stageBase, "stage", 1, "first stage id")
	flag.Int64Var(&opts.stages, "stages", 1, "number of stages to spread clients over")
	flag.Int64Var(&opts.account, "account", 1000, "first account id")
	flag.Float64Var(&opts.rate, "rate", 10, "requests per second per client, 0 for unlimited")
	flag.IntVar(&opts.payload, "payload", 64, "request payload size in bytes")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "how long to run")
	flag.StringVar(&opts.msgId, "msg", "echo", "msgId to request")
	flag.Parse()

	if opts.addr == "" || opts.clients <= 0 || opts.stages <= 0 || opts.payload < 0 {
		fmt.Fprintln(os.Stderr, "loadgen: need -addr, positive -clients and -stages, non-negative -payload")
		os.Exit(1)
	}
	return opts
}

func run(ctx context.Context, opts options) {
	slog.Info("load starting",
		"addr", opts.addr, "ws", opts.useWS, "clients", opts.clients,
		"stages", opts.stages, "rate", opts.rate,
		"payload", opts.payload, "duration", opts.duration)

	body := []byte(strings.Repeat("x", opts.payload))
	var stats counters
	go report(ctx, &stats)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < opts.clients; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := client(ctx, opts, i, body, &stats); err != nil {
				slog.Warn("client aborted", "client", i, "err", err)
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	ok, fail := stats.ok.Load(), stats.fail.Load()
	slog.Info("load finished",
		"ok", ok, "fail", fail, "elapsed", elapsed.Round(time.Millisecond),
		"rps", fmt.Sprintf("%.1f", float64(ok)/elapsed.Seconds()),
		"mean", meanLatency(&stats))
}

// client drives one connection: join, authenticate, then request in a rate
// limited loop until ctx ends. Non-zero reply codes count as failures; a
// dead connection aborts the client.
func client(ctx context.Context, opts options, idx int, body []byte, stats *counters) error {
	cfg := connector.DefaultConfig(opts.addr)
	cfg.UseWebsocket = opts.useWS
	cfg.RequestTimeout = 5 * time.Second

	c, err := connector.Dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	stageId := opts.stageBase + int64(idx)%opts.stages
	if err := c.Connect(ctx, stageId, opts.stageType, nil); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	auth := strconv.FormatInt(opts.account+int64(idx), 10)
	if _, err := c.Authenticate(ctx, []byte(auth)); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.rate > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.rate), 1)
	}

	for {
		if err := lim.Wait(ctx); err != nil {
			return nil
		}
		begin := time.Now()
		reply, err := c.Request(ctx, protocol.New(opts.msgId, body))
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			stats.fail.Add(1)
			return err
		case reply.ErrorCode != constants.Success:
			stats.fail.Add(1)
		default:
			stats.ok.Add(1)
			stats.totalNs.Add(time.Since(begin).Nanoseconds())
		}
	}
}

// report logs throughput every five seconds.
func report(ctx context.Context, stats *counters) {
	const tick = 5 * time.Second
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	var lastOk, lastFail int64
	for {
		select {
		case <-ticker.C:
			ok, fail := stats.ok.Load(), stats.fail.Load()
			slog.Info("progress",
				"rps", fmt.Sprintf("%.1f", float64(ok-lastOk)/tick.Seconds()),
				"fail", fail-lastFail,
				"mean", meanLatency(stats))
			lastOk, lastFail = ok, fail
		case <-ctx.Done():
			return
		}
	}
}

// meanLatency averages over every successful request so far.
func meanLatency(stats *counters) time.Duration {
	ok := stats.ok.Load()
	if ok == 0 {
		return 0
	}
	return time.Duration(stats.totalNs.Load() / ok).Round(time.Microsecond)
}
