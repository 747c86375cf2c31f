// Gateway is the entrypoint for agent tool discovery and invocation.
// It authenticates, scopes connector sessions, evaluates policy and records
// evidence for every invocation.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bturcanu/toolmesh/pkg/auth"
	"github.com/bturcanu/toolmesh/pkg/config"
	"github.com/bturcanu/toolmesh/pkg/connectors"
	"github.com/bturcanu/toolmesh/pkg/connectors/catalog"
	"github.com/bturcanu/toolmesh/pkg/dictionary"
	"github.com/bturcanu/toolmesh/pkg/dispatch"
	"github.com/bturcanu/toolmesh/pkg/evidence"
	tmOtel "github.com/bturcanu/toolmesh/pkg/otel"
	"github.com/bturcanu/toolmesh/pkg/policy"
	"github.com/bturcanu/toolmesh/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var version = "dev"

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ── OpenTelemetry ────────────────────────────────────────────────────
	otelShutdown, err := tmOtel.Setup(ctx, tmOtel.ConfigFromEnv(config.EnvOr("OTEL_SERVICE_NAME", "toolmesh-gateway"), version))
	if err != nil {
		log.Error("otel setup failed", "error", err)
	} else {
		defer otelShutdown(context.Background()) //nolint:errcheck // best-effort shutdown
	}

	// ── Postgres ─────────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, config.PostgresDSN())
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	evidenceStore := evidence.NewStore(pool)
	dictStore := dictionary.NewStore(pool)
	if config.EnvOrBool("MIGRATE_ON_START", true) {
		if err := evidenceStore.EnsureSchema(ctx); err != nil {
			log.Error("evidence schema failed", "error", err)
			os.Exit(1)
		}
		if err := dictStore.EnsureSchema(ctx); err != nil {
			log.Error("dictionary schema failed", "error", err)
			os.Exit(1)
		}
	}

	// ── Dependencies ─────────────────────────────────────────────────────
	keyStore, err := auth.ParseKeyStore(os.Getenv("API_KEYS"))
	if err != nil {
		log.Error("invalid API_KEYS", "error", err)
		os.Exit(1)
	}
	if keyStore.Len() == 0 {
		log.Warn("no API keys configured, every authenticated route will reject")
	}

	var evaluator policy.Evaluator
	if opaURL := os.Getenv("OPA_URL"); opaURL != "" {
		evaluator = policy.NewClient(opaURL)
	} else {
		log.Warn("OPA_URL not set, allowing every invocation")
		evaluator = policy.Static{Decision: types.DecisionAllow, Reason: "policy disabled"}
	}

	reg := connectors.NewRegistry()
	if err := catalog.Register(reg, &http.Client{Timeout: config.EnvOrDuration("CONNECTOR_HTTP_TIMEOUT", 15*time.Second)}); err != nil {
		log.Error("connector registration failed", "error", err)
		os.Exit(1)
	}

	deployments, err := config.LoadDeployments(config.EnvOr("DEPLOYMENTS_FILE", "deployments.yaml"))
	if err != nil {
		log.Error("deployments load failed", "error", err)
		os.Exit(1)
	}

	d, err := dispatch.New(reg, deployments,
		dispatch.WithEncryptionKey(os.Getenv("SECRETS_ENCRYPTION_KEY")),
		dispatch.WithPolicy(evaluator),
		dispatch.WithEvidence(evidence.NewLogger(evidenceStore, log)),
		dispatch.WithDictionaryStore(dictStore),
		dispatch.WithRateLimit(config.EnvOrInt("RATE_LIMIT_PER_TENANT", 100)),
		dispatch.WithTargetValidation(config.EnvOrBool("VALIDATE_TARGETS", true)),
		dispatch.WithLogger(log),
	)
	if err != nil {
		log.Error("dispatcher setup failed", "error", err)
		os.Exit(1)
	}
	log.Info("deployments loaded", "count", len(deployments), "connectors", len(reg.List()))

	gw := &Gateway{
		log:        log,
		dispatcher: d,
		evidence:   evidenceStore,
		connectors: reg,
	}

	// ── Router ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(config.EnvOrDuration("REQUEST_TIMEOUT", 60*time.Second)))
	r.Use(middleware.Logger)
	r.Use(auth.APIKeyAuth(keyStore, "/healthz", "/readyz"))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	gw.Routes(r)

	// ── Metrics (internal) ───────────────────────────────────────────────
	metricsAddr := config.EnvOr("METRICS_ADDR", "127.0.0.1:9090")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go func() {
		log.Info("metrics server starting", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	// ── Server ───────────────────────────────────────────────────────────
	addr := config.EnvOr("GATEWAY_ADDR", ":8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("gateway starting", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down gateway")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(shutCtx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
}
