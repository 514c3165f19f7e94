// Command replyflow is the main entrypoint for the reply delivery API and
// background workers. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Recovers reply jobs interrupted by a previous crash.
//   - Starts background jobs: the drip worker, the comment sync job, and the
//     OAuth token refresher.
//   - Exposes the HTTP API with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/replyflow/config"
	"github.com/onnwee/replyflow/db"
	"github.com/onnwee/replyflow/oauth"
	"github.com/onnwee/replyflow/queue"
	"github.com/onnwee/replyflow/server"
	"github.com/onnwee/replyflow/telemetry"
	"github.com/onnwee/replyflow/worker"
	"github.com/onnwee/replyflow/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("replyflow", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations: versioned migrations (golang-migrate) from
	// db/migrations/ first, embedded SQL (db.Migrate) as the fallback for
	// deployments without a schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Requeue jobs orphaned by a crash before the worker starts claiming.
	jobs := queue.NewStore(database)
	recoveryCtx, cancelRecovery := context.WithTimeout(ctx, 30*time.Second)
	if n, err := jobs.RecoverStale(recoveryCtx, cfg.RecoveryDelay); err != nil {
		slog.Error("startup recovery failed", slog.Any("err", err))
	} else if n > 0 {
		slog.Info("requeued interrupted jobs", slog.Int("count", n))
	}
	cancelRecovery()

	// Gateway and drip worker. One worker per deployment: the pacing budget
	// is global, not per channel.
	creds := &db.Credentials{DB: database}
	gateway := youtubeapi.New(cfg, creds)
	drip := worker.New(jobs, gateway, creds, &worker.DBState{DB: database}, worker.Options{
		PollInterval:  cfg.PollInterval,
		PaceMinDelay:  cfg.PaceMinDelay,
		PaceMaxDelay:  cfg.PaceMaxDelay,
		Cooldown:      cfg.Cooldown,
		RecoveryDelay: cfg.RecoveryDelay,
		MaxAttempts:   cfg.MaxAttempts,
	})
	drip.Start(ctx)

	// Comment sync and token refresher only make sense with Google creds.
	if err := cfg.ValidateLinkingReady(); err == nil {
		worker.StartCommentSyncJob(ctx, database, gateway, 10*time.Minute)
		(&oauth.Refresher{DB: database, Service: gateway}).Start(ctx)
	} else {
		slog.Info("comment sync and token refresh disabled (missing google creds)")
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (API + health/status/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, cfg, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
