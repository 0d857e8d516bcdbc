// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxstream/config"
	"github.com/absmach/fluxstream/consumer"
	"github.com/absmach/fluxstream/order"
	"github.com/absmach/fluxstream/otel"
	"github.com/absmach/fluxstream/producer"
	"github.com/absmach/fluxstream/ratelimit"
	"github.com/absmach/fluxstream/snapshot"
	"github.com/absmach/fluxstream/stream"
	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	mode := flag.String("mode", "demo", "Run mode: produce, consume or demo (both in one process)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	produce, consume := false, false
	switch *mode {
	case "produce":
		produce = true
	case "consume":
		consume = true
	case "demo":
		produce, consume = true, true
	default:
		slog.Error("Unknown run mode", "mode", *mode)
		os.Exit(1)
	}

	slog.Info("Starting stream harness", "version", cfg.Telemetry.ServiceVersion, "mode", *mode)
	slog.Info("Configuration loaded",
		"stream", cfg.Stream.Name,
		"backend", cfg.Stream.Backend,
		"consumer_mode", cfg.Consumer.Mode,
		"producer_mode", cfg.Producer.Mode,
		"snapshot", cfg.Snapshot.Type,
		"log_level", cfg.Log.Level)

	if cfg.Stream.Backend == "memory" && *mode != "demo" {
		slog.Warn("The in-memory stream is private to this process; use demo mode to see records flow")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		shutdown, err := otel.InitProvider(cfg.Telemetry, uuid.NewString())
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)

		if cfg.Telemetry.MetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
		}
		if cfg.Telemetry.TracesEnabled {
			tracer = oteltrace.Tracer("fluxstream-producer")
		}
	}

	svc, err := newStreamService(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize stream service", "error", err)
		os.Exit(1)
	}

	var store snapshot.Store
	if consume {
		store, err = newSnapshotStore(ctx, cfg, logger)
		if err != nil {
			slog.Error("Failed to initialize snapshot store", "error", err)
			os.Exit(1)
		}
		if store != nil {
			defer store.Close()
		}
	}

	var wg sync.WaitGroup
	runErr := make(chan error, 2)

	if consume {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runConsumer(ctx, cfg, svc, store, logger, metrics); err != nil {
				runErr <- err
			}
		}()
	}

	if produce {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runProducer(ctx, cfg, svc, logger, metrics, tracer); err != nil {
				runErr <- err
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-runErr:
		slog.Error("Harness error", "error", err)
	case <-done:
		if !consume {
			slog.Info("Producer finished")
		}
	}

	cancel()
	wg.Wait()

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Stream harness stopped")
}

func runConsumer(ctx context.Context, cfg *config.Config, svc stream.Service, store snapshot.Store, logger *slog.Logger, metrics *otel.Metrics) error {
	pos, err := stream.ParsePosition(cfg.Consumer.StartingPosition)
	if err != nil {
		return err
	}

	obs := consumer.Observers{consumer.NewLogObserver(logger)}
	if store != nil {
		obs = append(obs, consumer.NewSnapshotObserver(store))
	}

	if cfg.Consumer.Mode == "fanout" {
		f := consumer.NewFanout(svc, consumer.FanoutConfig{
			StreamName:         cfg.Stream.Name,
			ConsumerName:       cfg.Fanout.ConsumerName,
			StartingPosition:   pos,
			ResubscribeInitial: cfg.Fanout.ResubscribeInitial,
			ResubscribeMax:     cfg.Fanout.ResubscribeMax,
			Rediscover:         cfg.Consumer.Rediscover,
		}, obs, logger, metrics)
		return f.Run(ctx)
	}

	opts := []consumer.Option{consumer.WithMetrics(metrics)}
	if cfg.Stream.Backend == "kinesis" {
		opts = append(opts, consumer.WithReadLimiter(ratelimit.NewKeyedLimiter(kinesisReadsPerSecond, 1)))
	}

	g := consumer.NewGroup(svc, consumer.Config{
		StreamName:       cfg.Stream.Name,
		PollInterval:     cfg.Consumer.PollInterval,
		MaxRecords:       cfg.Consumer.MaxRecords,
		StartingPosition: pos,
		Parallel:         cfg.Consumer.Parallel,
		MaxConcurrency:   cfg.Consumer.MaxConcurrency,
		Rediscover:       cfg.Consumer.Rediscover,
	}, obs, logger, opts...)
	return g.Run(ctx)
}

// runProducer publishes generated orders until ctx is done or the configured
// count is reached. Rejected records are logged by the publishers and skipped.
func runProducer(ctx context.Context, cfg *config.Config, svc stream.Writer, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) error {
	seed := cfg.Producer.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	cat := order.DefaultCatalog()
	keyField := order.KeyField(cfg.Producer.PartitionKey)

	pcfg := producer.Config{
		StreamName:   cfg.Stream.Name,
		BatchSize:    cfg.Producer.BatchSize,
		PaceInterval: cfg.Producer.PaceInterval,
	}

	var (
		batch   *producer.BatchPublisher
		ordered *producer.OrderedPublisher
	)
	switch cfg.Producer.Mode {
	case "batch":
		batch = producer.NewBatchPublisher(svc, pcfg, logger, metrics, tracer)
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer closeCancel()
			if _, err := batch.Close(closeCtx); err != nil {
				logger.Error("failed to flush pending records", slog.Int("pending", batch.Pending()), slog.String("error", err.Error()))
			}
		}()
	default:
		ordered = producer.NewOrderedPublisher(svc, pcfg, logger, metrics, tracer)
	}

	logger.Info("producer started",
		slog.String("mode", cfg.Producer.Mode),
		slog.Int64("seed", seed),
		slog.Int("count", cfg.Producer.Count))

	published := 0
	for i := 0; cfg.Producer.Count == 0 || i < cfg.Producer.Count; i++ {
		if ctx.Err() != nil {
			break
		}

		o := order.Generate(rng, cat)
		data, err := order.Encode(o)
		if err != nil {
			return err
		}
		key, err := o.PartitionKey(keyField)
		if err != nil {
			return err
		}

		switch cfg.Producer.Mode {
		case "batch":
			outcomes, err := batch.Add(ctx, producer.Entry{PartitionKey: key, Data: data})
			if err != nil {
				continue
			}
			for _, out := range outcomes {
				if out.Accepted() {
					published++
				}
			}
		case "ordered":
			if _, err := ordered.PublishOrdered(ctx, data, key); err != nil {
				continue
			}
			published++
		default:
			if _, err := ordered.Publish(ctx, data, key); err != nil {
				continue
			}
			published++
		}
	}

	logger.Info("producer stopped", slog.Int("published", published))
	return nil
}
