package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-media-flow/internal/cliutil"
	"github.com/ramiqadoumi/go-media-flow/internal/kafka"
	"github.com/ramiqadoumi/go-media-flow/internal/orchestrator"
	"github.com/ramiqadoumi/go-media-flow/internal/postgres"
	"github.com/ramiqadoumi/go-media-flow/internal/progress"
	redisstore "github.com/ramiqadoumi/go-media-flow/internal/redis"
	"github.com/ramiqadoumi/go-media-flow/internal/storage"
	"github.com/ramiqadoumi/go-media-flow/internal/version"
	"github.com/ramiqadoumi/go-media-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-media-flow/services/api-gateway/config"
	"github.com/ramiqadoumi/go-media-flow/services/api-gateway/handler"
	"github.com/ramiqadoumi/go-media-flow/services/api-gateway/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST and websocket server",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("http-port", "8080", "HTTP server port")
	f.String("metrics-addr", ":9095", "Prometheus metrics server address")
	f.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	f.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database number")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Float64("otel-sample-ratio", 1, "fraction of root traces sampled")
	f.String("timezone", "Local", "IANA time zone for day boundaries")
	f.String("upload-dir", "./uploads", "directory uploaded files are stored under")
	f.Int64("max-upload-bytes", 512<<20, "maximum request body size")
	f.Int("daily-limit", 100, "tasks a user may create per day")
	f.Int("rate-limit", 10, "submissions per user per rate window; 0 disables")
	f.Duration("rate-window", time.Minute, "submission rate limit window")
	f.Int("max-retries", 3, "retry budget per task")
	f.Duration("progress-ttl", 24*time.Hour, "progress snapshot TTL")

	for key, flag := range map[string]string{
		"http_port":         "http-port",
		"metrics_addr":      "metrics-addr",
		"kafka_brokers":     "kafka-brokers",
		"redis_addr":        "redis-addr",
		"redis_password":    "redis-password",
		"redis_db":          "redis-db",
		"otel_endpoint":     "otel-endpoint",
		"otel_sample_ratio": "otel-sample-ratio",
		"timezone":          "timezone",
		"upload_dir":        "upload-dir",
		"max_upload_bytes":  "max-upload-bytes",
		"daily_limit":       "daily-limit",
		"rate_limit":        "rate-limit",
		"rate_window":       "rate-window",
		"max_retries":       "max-retries",
		"progress_ttl":      "progress-ttl",
	} {
		cliutil.BindFlag(key, f, flag)
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return err
	}
	loc, _ := time.LoadLocation(cfg.Timezone)
	logger := cliutil.BuildLogger(cfg.LogLevel, serviceName)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), serviceName, version.Version, cfg.OTelEndpoint, cfg.OTelSampleRatio)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	files, err := storage.NewLocalStore(cfg.UploadDir)
	if err != nil {
		return fmt.Errorf("upload storage: %w", err)
	}

	brokers := cliutil.SplitList(cfg.KafkaBrokers)
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer func() { _ = redisClient.Close() }()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN, 0)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	agg := progress.NewAggregator(redisstore.NewProgressStore(redisClient, cfg.ProgressTTL), progress.WithLogger(logger))
	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithLocation(loc),
		orchestrator.WithFileStore(files),
		orchestrator.WithDailyLimit(cfg.DailyLimit),
		orchestrator.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, orchestrator.WithRateLimiter(redisstore.NewRateLimiter(redisClient, cfg.RateLimit, cfg.RateWindow)))
	}
	svc := orchestrator.NewService(
		postgres.NewTaskRepository(pool, loc), postgres.NewEventLog(pool), postgres.NewResultRepository(pool),
		kafka.NewStageQueue(producer), agg, opts...,
	)

	router := handler.NewRouter(
		handler.NewREST(svc, kafka.NewInspector(brokers), logger),
		handler.NewWS(agg, logger),
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.RequestLogger(logger),
		middleware.MaxBodySize(cfg.MaxUploadBytes),
	)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger,
		telemetry.Depends("postgres", pool.Ping),
		telemetry.Depends("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
	)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api-gateway HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("upload_dir", files.Root()),
			slog.Int("daily_limit", cfg.DailyLimit),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-quit:
		logger.Info("shutting down...")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
