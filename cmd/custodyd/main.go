package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/k-g-j/dynamic-vencura/internal/alert"
	"github.com/k-g-j/dynamic-vencura/internal/api"
	"github.com/k-g-j/dynamic-vencura/internal/audit"
	"github.com/k-g-j/dynamic-vencura/internal/chain"
	"github.com/k-g-j/dynamic-vencura/internal/chain/ethereum"
	"github.com/k-g-j/dynamic-vencura/internal/circuitbreaker"
	"github.com/k-g-j/dynamic-vencura/internal/config"
	"github.com/k-g-j/dynamic-vencura/internal/custodian"
	"github.com/k-g-j/dynamic-vencura/internal/fees"
	"github.com/k-g-j/dynamic-vencura/internal/notify"
	"github.com/k-g-j/dynamic-vencura/internal/orchestrator"
	"github.com/k-g-j/dynamic-vencura/internal/reconciliation"
	"github.com/k-g-j/dynamic-vencura/internal/store/postgres"
	redispkg "github.com/k-g-j/dynamic-vencura/internal/store/redis"
	"github.com/k-g-j/dynamic-vencura/internal/tracing"
	"github.com/k-g-j/dynamic-vencura/internal/txretry"
)

const serviceName = "custodyd"

func main() {
	if err := run(); err != nil {
		slog.Error("custodyd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, serviceName, cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(cfg.DB.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	secret, err := config.KeySecret()
	if err != nil {
		return err
	}
	cipher, err := custodian.NewAESCipher(secret)
	if err != nil {
		return fmt.Errorf("init key cipher: %w", err)
	}

	alerter := newAlerter(cfg.Alert, logger)

	ethClient, err := ethereum.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("connect eth rpc: %w", err)
	}
	defer ethClient.Close()

	var client chain.Client = ethClient
	client = chain.NewRateLimited(client, cfg.Chain.RPCRateLimit, cfg.Chain.RPCRateBurst)
	client = chain.NewGuarded(client, circuitbreaker.Config{
		FailureThreshold: cfg.Chain.BreakerFailures,
		OpenTimeout:      cfg.Chain.BreakerTimeout,
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("chain rpc circuit breaker state changed",
				"from", from.String(), "to", to.String())
			sendBreakerAlert(alerter, from, to, logger)
		},
	})

	estimator := fees.NewEstimator(client, fees.Config{
		GasBufferPercent:  cfg.Pipeline.GasBufferPercent,
		HighUrgencyFactor: cfg.Pipeline.HighUrgencyFactor,
		MaxFeePerGasWei:   cfg.MaxFeePerGasWei(),
		PreferDynamicFees: cfg.Pipeline.PreferDynamicFees,
	}, logger)

	submitPolicy := txretry.DefaultSubmitPolicy()
	submitPolicy.MaxAttempts = cfg.Pipeline.MaxSubmitAttempts
	confirmPolicy := txretry.DefaultConfirmPolicy()
	confirmPolicy.MaxAttempts = cfg.Pipeline.MaxConfirmAttempts
	executor := txretry.NewExecutor(client, estimator, submitPolicy, confirmPolicy, logger)

	notifiers := []notify.Notifier{notify.NewLogNotifier(logger)}
	redisStream, err := redispkg.NewStream(cfg.Redis.URL)
	if err != nil {
		logger.Warn("redis unavailable, notifications limited to logs", "error", err)
	} else {
		defer redisStream.Close()
		notifiers = append(notifiers, notify.NewRedisNotifier(redisStream.Client(), cfg.Redis.StreamKey))
	}
	fanout := notify.NewFanout(logger, notifiers...)

	transfers := postgres.NewTransferRepo(db)
	orch := orchestrator.New(
		client,
		custodian.New(postgres.NewAccountRepo(db), cipher),
		estimator,
		executor,
		transfers,
		fanout,
		audit.NewPostgresRecorder(db, logger),
		orchestrator.Config{RequiredConfirmations: cfg.Pipeline.RequiredConfirmations},
		logger,
	)

	reconciler := reconciliation.NewService(client, transfers, fanout, alerter, reconciliation.Config{
		Interval:   cfg.Reconcile.Interval,
		StaleAfter: cfg.Reconcile.StaleAfter,
		StuckAfter: cfg.Reconcile.StuckAfter,
		BatchLimit: cfg.Reconcile.BatchLimit,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	rateLimiter := api.NewRateLimitMiddleware(logger)
	defer rateLimiter.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := db.Ping(); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/v1/", rateLimiter.Wrap(api.NewServer(orch, transfers, logger).Handler()))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HealthPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("api server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return reconciler.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down, draining confirmations")
		orch.WaitForConfirmations()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newAlerter builds the operational alert fanout from config. With no
// webhook configured alerts degrade to the logs already emitted at each
// call site.
func newAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, channels...)
}

func sendBreakerAlert(alerter alert.Alerter, from, to circuitbreaker.State, logger *slog.Logger) {
	a := alert.Alert{
		Type:    alert.AlertTypeCircuitOpen,
		Title:   "chain rpc",
		Message: fmt.Sprintf("Circuit breaker moved from %s to %s", from, to),
	}
	if to == circuitbreaker.StateClosed {
		a.Type = alert.AlertTypeRecovery
		a.Message = "Chain RPC circuit breaker closed, provider healthy again"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := alerter.Send(ctx, a); err != nil {
		logger.Warn("breaker alert delivery failed", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
