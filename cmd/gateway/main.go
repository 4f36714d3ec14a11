package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/api"
	"github.com/lyb88999/gns/internal/circuitbreaker"
	"github.com/lyb88999/gns/internal/config"
	"github.com/lyb88999/gns/internal/db"
	"github.com/lyb88999/gns/internal/gate"
	"github.com/lyb88999/gns/internal/metrics"
	"github.com/lyb88999/gns/internal/notify"
	"github.com/lyb88999/gns/internal/observ"
	"github.com/lyb88999/gns/internal/processor"
	"github.com/lyb88999/gns/internal/queue"
	"github.com/lyb88999/gns/internal/redis"
	"github.com/lyb88999/gns/internal/scheduler"
	"github.com/lyb88999/gns/internal/sns"
	"github.com/lyb88999/gns/internal/sqs"
	"github.com/lyb88999/gns/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting gns gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("scheduler", cfg.SchedulerType),
		zap.String("queue", cfg.QueueBackend),
	)

	ctx := context.Background()

	// Initialize database connection
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs the send counters, so unlike the API helpers it is required.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	// Delivery queue
	var q queue.Queue
	switch cfg.QueueBackend {
	case config.QueueSQS:
		q, err = sqs.New(ctx, sqs.Config{
			Region:            cfg.SQSRegion,
			QueueURL:          cfg.SQSQueueURL,
			VisibilityTimeout: cfg.QueueReclaimIdle,
		}, observ.Component(logger, "sqs"))
		if err != nil {
			return fmt.Errorf("failed to create sqs queue: %w", err)
		}
	default:
		q = redis.NewStreamQueue(redisClient, cfg.QueueStreamKey, cfg.QueueConsumerGroup, observ.Component(logger, "stream"))
	}

	// Send path and scheduling
	g := gate.New(redis.NewSendCounters(redisClient, logger), observ.Component(logger, "gate"))
	sendService := notify.NewService(repo, g, q, observ.Component(logger, "notify"))
	proc := processor.New(repo, sendService, observ.Component(logger, "processor"))

	engine, err := scheduler.New(scheduler.Config{
		Type:         cfg.SchedulerType,
		PollInterval: cfg.SchedulerPollInterval,
		TickInterval: cfg.SchedulerTickInterval,
	}, repo, redis.NewScheduleSet(redisClient, logger), proc, observ.Component(logger, "scheduler"))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	// Channel strategies, each behind its own circuit breaker
	registry, breakers, err := buildStrategies(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}

	w := worker.New(q, repo, registry, worker.Config{
		Consumer:    cfg.QueueConsumerName,
		ReclaimIdle: cfg.QueueReclaimIdle,
	}, observ.Component(logger, "worker"))

	if cfg.SNSEventsTopicARN != "" {
		client, err := sns.NewClient(ctx, cfg.SNSRegion)
		if err != nil {
			logger.Warn("sns unavailable, delivery events disabled", zap.Error(err))
		} else {
			w.WithEvents(sns.NewPublisher(client, cfg.SNSEventsTopicARN))
			logger.Info("delivery events enabled", zap.String("topic_arn", cfg.SNSEventsTopicARN))
		}
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go engine.Start(bgCtx)
	go func() {
		if err := w.Start(bgCtx); err != nil {
			logger.Error("worker exited", zap.Error(err))
		}
	}()
	go reportPools(bgCtx, database, redisClient)

	logger.Info("background workers started", zap.Strings("channels", registry.Channels()))

	// API
	handler := api.NewHandler(logger, repo, engine, sendService, proc).
		WithIdempotency(redis.NewIdempotencyService(redisClient, logger)).
		WithBreakers(breakers)

	var limiter api.Limiter
	if cfg.APIRateLimit > 0 {
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: time.Minute,
		})
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		bgCancel()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func buildStrategies(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (*worker.Registry, *circuitbreaker.Set, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	snsCfg := awsCfg.Copy()
	snsCfg.Region = cfg.SNSRegion

	poster := worker.NewPoster(worker.PosterConfig{
		Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
		RPS:     cfg.WebhookRPS,
	})

	strategies := []worker.Strategy{
		worker.NewEmailStrategy(ses.NewFromConfig(awsCfg), cfg.SESFromEmail, observ.Component(logger, "email")),
		worker.NewSMSStrategy(awssns.NewFromConfig(snsCfg), observ.Component(logger, "sms")),
		worker.NewDingTalkStrategy(poster, observ.Component(logger, "dingtalk")),
		worker.NewWeChatStrategy(poster, redis.NewTokenCache(redisClient), worker.DefaultWeChatAPI, observ.Component(logger, "wechat")),
		worker.NewWebhookStrategy(poster, observ.Component(logger, "webhook")),
	}

	if cfg.TelegramBotToken != "" {
		bot, err := worker.NewTelegramBot(cfg.TelegramBotToken, "", &http.Client{
			Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
		})
		if err != nil {
			logger.Warn("telegram unavailable, channel disabled", zap.Error(err))
		} else {
			strategies = append(strategies, worker.NewTelegramStrategy(bot, observ.Component(logger, "telegram")))
		}
	}

	breakers := circuitbreaker.NewSet()
	registry := worker.NewRegistry(logger)
	for _, s := range strategies {
		cb := circuitbreaker.New(circuitbreaker.DefaultConfig(s.Channel()), logger)
		breakers.Add(cb)
		registry.Register(circuitbreaker.NewProtectedStrategy(s, cb, logger))
	}

	return registry, breakers, nil
}

// reportPools refreshes the connection gauges until ctx is done.
func reportPools(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		metrics.SetDBConnections(int(database.AcquiredConns()))
		metrics.SetRedisConnections(redisClient.TotalConns())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
