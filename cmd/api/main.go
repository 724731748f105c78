package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"gatekeeper/internal/handler/http/admin"
	"gatekeeper/internal/handler/http/middleware"
	"gatekeeper/internal/handler/http/requestid"
	"gatekeeper/internal/infra/notifier"
	"gatekeeper/internal/observability/logging"
	"gatekeeper/pkg/admission"
	"gatekeeper/pkg/config"
)

func main() {
	logger := logging.NewLogger()
	slog.SetDefault(logger)

	serverCfg := config.LoadServerConfig()
	engineCfg := config.LoadEngineConfig()
	storeCfg := config.LoadStoreConfig()

	policies, err := config.LoadPolicyResolver(os.Getenv("POLICY_FILE"))
	if err != nil {
		logger.Error("failed to load policy configuration", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := admission.NewPrometheusMetrics()

	store, storeCleanup := initStore(logger, storeCfg)
	defer storeCleanup()

	breakerCfg := config.LoadBreakerConfig()
	breakerCfg.Metrics = metrics
	breaker := admission.NewCircuitBreaker(breakerCfg)

	gateway, err := admission.NewGateway(admission.GatewayOptions{
		Config:   engineCfg,
		Policies: policies,
		Store:    store,
		Metrics:  metrics,
		Load:     initLoadProbe(logger),
		Notifier: initNotifier(logger, serverCfg),
		Breaker:  breaker,
	})
	if err != nil {
		logger.Error("failed to assemble admission gateway", slog.Any("error", err))
		os.Exit(1)
	}

	handler := buildHandler(logger, gateway, serverCfg, metrics, store, breaker)
	runServer(logger, handler, serverCfg)
}

// initStore builds the counter store selected by configuration and returns
// it with a cleanup function for shutdown.
func initStore(logger *slog.Logger, cfg *config.StoreConfig) (admission.CounterStore, func()) {
	if cfg.Backend == config.StoreBackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", slog.String("addr", cfg.RedisAddr), slog.Any("error", err))
			os.Exit(1)
		}

		logger.Info("counter store initialized",
			slog.String("backend", "redis"),
			slog.String("addr", cfg.RedisAddr))
		return admission.NewRedisCounterStore(client), func() {
			if err := client.Close(); err != nil {
				logger.Error("failed to close redis client", slog.Any("error", err))
			}
		}
	}

	store := admission.NewMemoryCounterStore(admission.MemoryStoreConfig{MaxKeys: cfg.MaxKeys})

	// Reclaim expired in-memory state on a schedule.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.CleanupInterval), func() {
		if err := store.Cleanup(context.Background()); err != nil {
			logger.Error("counter store cleanup failed", slog.Any("error", err))
			return
		}
		logger.Debug("counter store cleanup completed", slog.Int("active_keys", store.KeyCount()))
	}); err != nil {
		logger.Error("failed to schedule store cleanup", slog.Any("error", err))
		os.Exit(1)
	}
	scheduler.Start()

	logger.Info("counter store initialized",
		slog.String("backend", "memory"),
		slog.Int("max_keys", cfg.MaxKeys),
		slog.Duration("cleanup_interval", cfg.CleanupInterval))
	return store, func() { scheduler.Stop() }
}

// initLoadProbe wires the memory-pressure probe when a memory budget is
// configured, so adaptive limits tighten as the process approaches it.
func initLoadProbe(logger *slog.Logger) admission.LoadProbe {
	limitBytes := config.GetEnvInt("ADMISSION_MEM_LIMIT_BYTES", 0)
	if limitBytes <= 0 {
		return nil
	}
	logger.Info("memory load probe enabled", slog.Int("limit_bytes", limitBytes))
	return admission.NewMemoryLoadProbe(uint64(limitBytes), 5*time.Second, nil)
}

// initNotifier wires the ban webhook when configured.
func initNotifier(logger *slog.Logger, cfg *config.ServerConfig) admission.BanNotifier {
	if cfg.WebhookURL == "" {
		logger.Info("ban notifications disabled")
		return notifier.NewNoopNotifier()
	}
	logger.Info("ban webhook enabled", slog.String("url", cfg.WebhookURL))
	return notifier.NewWebhookNotifier(notifier.WebhookConfig{URL: cfg.WebhookURL})
}

// buildHandler assembles the route table and middleware chain.
//
// Middleware order: request ID, then admission, then application routes. The
// operational endpoints (health, metrics, admin) bypass admission so a
// throttled operator can still inspect and repair the engine.
func buildHandler(
	logger *slog.Logger,
	gateway *admission.Gateway,
	cfg *config.ServerConfig,
	metrics *admission.PrometheusMetrics,
	store admission.CounterStore,
	breaker *admission.CircuitBreaker,
) http.Handler {
	proxies, err := middleware.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		logger.Error("failed to load trusted proxy configuration", slog.Any("error", err))
		os.Exit(1)
	}

	var principals middleware.PrincipalExtractor
	if cfg.JWTSecret != "" {
		principals = middleware.NewJWTPrincipals(cfg.JWTSecret)
		logger.Info("principal extraction enabled")
	} else {
		principals = middleware.AnonymousPrincipals{}
		logger.Info("principal extraction disabled, all callers are anonymous")
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", healthHandler(store, breaker))
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	if cfg.AdminToken != "" {
		admin.NewHandler(gateway, cfg.AdminToken).Register(mux)
		logger.Info("admin endpoints enabled")
	} else {
		logger.Warn("ADMIN_TOKEN not set, admin endpoints disabled")
	}

	// The guarded surface: every other path flows through the gateway.
	// Deployed as a forward-auth sidecar the proxied application sits
	// behind this response.
	admitted := middleware.NewAdmission(gateway, proxies, principals).
		Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}))
	mux.Handle("/", requestid.Middleware(admitted))

	return mux
}

// healthHandler reports liveness along with store and breaker standing.
// Breaker state is informational: an open breaker means fail-open
// admission, not an unhealthy process.
func healthHandler(store admission.CounterStore, breaker *admission.CircuitBreaker) http.Handler {
	type health struct {
		Status       string `json:"status"`
		Timestamp    string `json:"timestamp"`
		CircuitState string `json:"circuit_state"`
		ActiveKeys   *int   `json:"active_keys,omitempty"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := health{
			Status:       "healthy",
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			CircuitState: breaker.State().String(),
		}
		if mem, ok := store.(*admission.MemoryCounterStore); ok {
			keys := mem.KeyCount()
			resp.ActiveKeys = &keys
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("failed to encode health response", slog.Any("error", err))
		}
	})
}

// runServer starts the HTTP server and blocks until shutdown completes.
func runServer(logger *slog.Logger, handler http.Handler, cfg *config.ServerConfig) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}
