// Command rcache-watch keeps a set of REST resources cached and fresh, and
// streams their changes to clients over SSE or WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-rcache/v1/cache"
	"github.com/mirkobrombin/go-rcache/v1/metrics"
	"github.com/mirkobrombin/go-rcache/v1/syncbus"
	"github.com/mirkobrombin/go-rcache/v1/transport"
	"github.com/mirkobrombin/go-rcache/v1/watchbus"
)

var configPath = flag.String("config", "", "Path to a YAML, TOML or JSON config file")

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rcache-watch:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		exp, err := stdouttrace.New()
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	base, err := url.Parse(cfg.Origin.BaseURL)
	if err != nil {
		return fmt.Errorf("origin.base_url: %w", err)
	}
	t := transport.NewHTTP(
		transport.WithBaseURL(base),
		transport.WithClient(&http.Client{Timeout: cfg.Origin.Timeout}),
		transport.WithLogger(log),
	)

	var (
		bus   watchbus.WatchBus = watchbus.NewInMemory()
		hints syncbus.Bus
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		bus = watchbus.NewRedisWatchBus(client)
		if cfg.Redis.SyncHints {
			hints = syncbus.NewRedisBus(syncbus.RedisBusOptions{Client: client})
		}
		log.Info("streaming events through redis", "addr", cfg.Redis.Addr, "hints", cfg.Redis.SyncHints)
	}

	opts := []cache.Option{
		cache.WithLogger(log),
		cache.WithMetrics(reg),
		cache.WithConfig(cache.Config{RevalidateOnRead: cfg.RevalidateOnRead}),
		cache.WithRevalidateInterval(cfg.RevalidateInterval),
		cache.WithNotifier(watchbus.NewPublisher(bus, watchbus.WithPublisherLogger(log))),
	}
	if cfg.Tracing {
		opts = append(opts, cache.WithTracing())
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.NATS.URL == "" {
		kb, err := syncbus.NewKafkaBus(cfg.Kafka.Brokers, cfg.Kafka.Topic, nil)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer kb.Close()
		hints = kb
		log.Info("sharing change hints over kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("rcache-watch"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		hints = syncbus.NewNATSBus(nc, "")
		log.Info("sharing change hints over nats", "url", cfg.NATS.URL)
	}
	if hints != nil {
		opts = append(opts, cache.WithBus(hints))
	}

	store := cache.New(t, opts...)
	defer store.Close()
	for _, u := range cfg.Resources {
		store.Item(u).ForceGet(ctx)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           (&server{store: store, bus: bus, reg: reg, log: log}).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", cfg.Listen, "origin", cfg.Origin.BaseURL, "resources", len(cfg.Resources))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
