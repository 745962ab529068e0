// Command replay-events feeds exported processor events through the dispatcher,
// for recovering deliveries the processor gave up on. Each input line is one
// event object as returned by the events API. Signatures are not checked.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/jia-app/paymentgateway/internal/app"
	"github.com/jia-app/paymentgateway/internal/billing"
	"github.com/jia-app/paymentgateway/internal/config"
	"github.com/jia-app/paymentgateway/internal/log"
	"github.com/jia-app/paymentgateway/internal/webhook"
)

const maxLineBytes = 4 << 20

type eventDispatcher interface {
	Dispatch(ctx context.Context, event *webhook.Event) (*webhook.Result, error)
}

type replaySummary struct {
	Processed  int
	Duplicates int
	Failed     int
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to an optional YAML config file")
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: replay-events [-config file.yaml] <events.jsonl>")
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := log.Init(cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	logger := log.L(ctx)

	store, err := app.NewStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	publisher := app.NewPublisher(ctx, cfg, logger)
	defer publisher.Close()

	handlers := webhook.NewHandlers(store, billing.NewStripeResolver(cfg.Stripe.SecretKey, logger), publisher)
	dispatcher := webhook.NewDispatcher(store, handlers.Registry(), webhook.DispatcherConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Publisher:   publisher,
	})

	file, err := os.Open(flag.Arg(0))
	if err != nil {
		logger.Fatal("Failed to open event export", zap.Error(err))
	}
	defer file.Close()

	summary, err := replayEvents(ctx, file, dispatcher)
	if err != nil {
		logger.Fatal("Replay aborted", zap.Error(err))
	}

	logger.Info("Replay finished",
		zap.Int("processed", summary.Processed),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("failed", summary.Failed))
	if summary.Failed > 0 {
		os.Exit(1)
	}
}

// replayEvents dispatches every line of r in order. A line that fails to decode
// or dispatch is counted and skipped; only a read error aborts.
func replayEvents(ctx context.Context, r io.Reader, dispatcher eventDispatcher) (replaySummary, error) {
	var summary replaySummary

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		body := append([]byte(nil), raw...)

		var se stripe.Event
		if err := json.Unmarshal(body, &se); err != nil {
			log.Warn(ctx, "Skipping undecodable line", zap.Int("line", line), zap.Error(err))
			summary.Failed++
			continue
		}
		event, err := webhook.Parse(se, body)
		if err != nil {
			log.Warn(ctx, "Skipping invalid event", zap.Int("line", line), zap.Error(err))
			summary.Failed++
			continue
		}

		result, err := dispatcher.Dispatch(log.WithEvent(ctx, event.ID, string(event.Type)), event)
		switch {
		case err != nil:
			log.Warn(ctx, "Replay dispatch failed",
				zap.Int("line", line),
				zap.String("event_id", event.ID),
				zap.Error(err))
			summary.Failed++
		case result.Duplicate:
			summary.Duplicates++
		default:
			summary.Processed++
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("failed to read event export: %w", err)
	}
	return summary, nil
}
