package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/koval-dev/llmgate/internal"
	"github.com/koval-dev/llmgate/internal/cache"
	"github.com/koval-dev/llmgate/internal/circuitbreaker"
	"github.com/koval-dev/llmgate/internal/cloudauth"
	"github.com/koval-dev/llmgate/internal/config"
	"github.com/koval-dev/llmgate/internal/cost"
	"github.com/koval-dev/llmgate/internal/kv"
	"github.com/koval-dev/llmgate/internal/orchestrator"
	"github.com/koval-dev/llmgate/internal/provider"
	"github.com/koval-dev/llmgate/internal/provider/anthropic"
	"github.com/koval-dev/llmgate/internal/provider/openai"
	"github.com/koval-dev/llmgate/internal/ratelimit"
	"github.com/koval-dev/llmgate/internal/retry"
	"github.com/koval-dev/llmgate/internal/server"
	"github.com/koval-dev/llmgate/internal/telemetry"
	"github.com/koval-dev/llmgate/internal/views"
	"github.com/koval-dev/llmgate/internal/worker"
)

const (
	breakerStaleAfter = 30 * time.Minute
	dnsCacheRefresh   = 5 * time.Minute
)

// run builds every component, starts the HTTP server and background
// workers, and blocks until a shutdown signal arrives or a component
// fails fatally.
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, evictable, closeStore, err := buildStore(cfg.KV.URL)
	if err != nil {
		return fmt.Errorf("build kv store: %w", err)
	}
	defer closeStore()

	resolver := &dnscache.Resolver{}
	stopDNSRefresh := startDNSRefresh(resolver)
	defer stopDNSRefresh()

	bindings, err := buildProviderBindings(ctx, cfg.Providers, resolver)
	if err != nil {
		return fmt.Errorf("build provider bindings: %w", err)
	}
	registry := provider.NewRegistry(bindings)

	limiter := ratelimit.New(store, ratelimit.Limits{
		PerMinute: cfg.RateLimits.MaxPerMinute,
		PerHour:   cfg.RateLimits.MaxPerHour,
	})
	respCache := cache.New(store, cfg.Cache.TTL)
	tracker := cost.New(store)
	recorder := worker.NewCostRecorder(tracker)
	executor := retry.New(cfg.Retry.Attempts, cfg.Retry.Base, cfg.Retry.Cap)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	orch := orchestrator.New(store, respCache, limiter, registry, executor, recorder, cfg.Server.RequestDeadline).
		WithCircuitBreakers(breakers)

	v := views.New(store, respCache, limiter, registry, tracker).
		WithCircuitBreakers(breakers)

	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(promReg)
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
		orch.WithMetrics(metrics)
	}

	var (
		tracer          trace.Tracer
		shutdownTracing func(context.Context) error
	)
	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err = telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		tracer = telemetry.Tracer("llmgate")
	}

	handler := server.New(server.Deps{
		Orchestrator:   orch,
		Views:          v,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// The eviction sweep is a memory-backend-only concern: Valkey counters
	// expire natively via their own TTL.
	workers := []worker.Worker{recorder}
	if evictable != nil {
		workers = append(workers, worker.NewEvictionWorker(
			evictable,
			worker.NewCircuitBreakerEvictable(breakers.EvictStale, breakerStaleAfter),
		))
	}
	runner := worker.NewRunner(workers...)

	httpErrCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
			return
		}
		httpErrCh <- nil
	}()

	workerErrCh := make(chan error, 1)
	go func() { workerErrCh <- runner.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-httpErrCh:
		runErr = fmt.Errorf("http server: %w", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown", "error", err)
	}

	if err := <-workerErrCh; err != nil {
		slog.Error("worker exited with error", "error", err)
	}

	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Error("tracing shutdown", "error", err)
		}
	}

	return runErr
}

// buildStore selects the KV backend: the in-memory implementation for an
// empty or "memory://" URL (tests, single-node deployments), otherwise a
// Valkey/Redis connection. The returned worker.Evictable is non-nil only
// for the memory backend, which needs periodic sweeping; Valkey keys
// expire on their own.
func buildStore(rawURL string) (kv.Store, worker.Evictable, func(), error) {
	if rawURL == "" || rawURL == "memory://" {
		m, err := kv.NewMemory(0)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create memory store: %w", err)
		}
		return m, m, func() {}, nil
	}

	vcfg, err := kv.ParseValkeyURL(rawURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse kv url: %w", err)
	}
	vk, err := kv.NewValkey(vcfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect valkey: %w", err)
	}
	return vk, nil, vk.Close, nil
}

// buildProviderBindings constructs one gateway.ProviderBinding per
// configured model, composing a DNS-cached, auth-decorated *http.Client
// for each entry's hosting variant.
func buildProviderBindings(ctx context.Context, entries []config.ProviderEntry, resolver *dnscache.Resolver) (map[string]gateway.ProviderBinding, error) {
	bindings := make(map[string]gateway.ProviderBinding, len(entries))
	for _, p := range entries {
		native := p.NativeModel
		if native == "" {
			native = p.Model
		}

		switch p.Type {
		case "openai":
			client := openai.New(p.APIKey, "", resolver)
			bindings[p.Model] = gateway.ProviderBinding{
				ProviderTag:      "openai",
				NativeModelName:  native,
				PricePerTokenUSD: p.PricePerTokenUSD,
				Complete:         client.Complete(native),
			}
		case "anthropic":
			httpClient, err := buildAuthenticatedClient(ctx, p, resolver)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", p.Model, err)
			}
			client := anthropic.NewWithHosting("", httpClient, p.Hosting, p.Region, p.Project)
			bindings[p.Model] = gateway.ProviderBinding{
				ProviderTag:      "anthropic",
				NativeModelName:  native,
				PricePerTokenUSD: p.PricePerTokenUSD,
				Complete:         client.Complete(native),
			}
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", p.Model, p.Type)
		}
	}
	return bindings, nil
}

// buildAuthenticatedClient assembles a DNS-cached *http.Client whose
// transport injects the credentials the entry's Hosting variant requires.
func buildAuthenticatedClient(ctx context.Context, p config.ProviderEntry, resolver *dnscache.Resolver) (*http.Client, error) {
	base := dnsCachedTransport(resolver)
	t, err := cloudauth.NewForHosting(ctx, p.Hosting, p.Region, p.APIKey, base)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: t}, nil
}

// dnsCachedTransport returns an http.Transport whose DialContext resolves
// through resolver, the same DNS cache openai.New wires in directly.
func dnsCachedTransport(resolver *dnscache.Resolver) http.RoundTripper {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
	return t
}

// startDNSRefresh periodically refreshes the resolver's cache in the
// background and returns a stop function, so an upstream's IP change is
// eventually picked up even without an active lookup triggering it.
func startDNSRefresh(resolver *dnscache.Resolver) func() {
	ticker := time.NewTicker(dnsCacheRefresh)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
