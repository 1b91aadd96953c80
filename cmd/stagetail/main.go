// Command stagetail follows a stagefeed server and prints each stage event as
// a JSON line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/stagefeed/internal/domain/schema"
	"github.com/coachpo/stagefeed/internal/infra/streamclient"
	"github.com/coachpo/stagefeed/internal/observability"
)

type options struct {
	url         string
	transport   string
	history     int
	scope       string
	key         string
	maxBackoff  time.Duration
	logLevel    string
	development bool
}

func main() {
	opts := parseFlags(os.Args[1:])
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "stagetail: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) options {
	fs := flag.NewFlagSet("stagetail", flag.ExitOnError)
	var opts options
	fs.StringVar(&opts.url, "url", "http://localhost:8880", "stagefeed base URL")
	fs.StringVar(&opts.transport, "transport", string(streamclient.TransportSSE), "stream transport: sse or websocket")
	fs.IntVar(&opts.history, "history", 50, "events to replay on connect")
	fs.StringVar(&opts.scope, "scope", "", "subscription scope: global or pipeline")
	fs.StringVar(&opts.key, "key", "", "pipeline key (requestId or incidentId)")
	fs.DurationVar(&opts.maxBackoff, "max-backoff", 30*time.Second, "maximum reconnect interval")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	fs.BoolVar(&opts.development, "dev", false, "human readable logs")
	_ = fs.Parse(args)
	return opts
}

func run(ctx context.Context, opts options, out io.Writer) error {
	logger, err := observability.NewZapLogger(opts.logLevel, opts.development)
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() { _ = observability.Sync(logger) }()

	client, err := streamclient.New(streamclient.Config{
		BaseURL:              opts.url,
		Transport:            streamclient.Transport(opts.transport),
		History:              opts.history,
		Scope:                opts.scope,
		PipelineKey:          opts.key,
		MaxReconnectInterval: opts.maxBackoff,
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	return client.Run(ctx, func(evt schema.Event) {
		if err := enc.Encode(evt); err != nil {
			logger.Error("stagetail: write event", observability.Field{Key: "error", Value: err})
		}
	})
}
