package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/cardsentry/monitoring/internal/admission"
	"github.com/cardsentry/monitoring/internal/api"
	"github.com/cardsentry/monitoring/internal/artifact"
	"github.com/cardsentry/monitoring/internal/config"
	"github.com/cardsentry/monitoring/internal/engine"
	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/metrics"
	"github.com/cardsentry/monitoring/internal/outbox"
	"github.com/cardsentry/monitoring/internal/publish"
	"github.com/cardsentry/monitoring/internal/registry"
	"github.com/cardsentry/monitoring/internal/reload"
	"github.com/cardsentry/monitoring/internal/velocity"
)

func main() {
	// .env is optional; real deployments configure via YAML + environment.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
	} else {
		cfg = config.Default()
	}

	// Redis serves velocity counters, the outbox stream, and the decision
	// stream; the pool must cover peak request parallelism.
	poolSize := cfg.Redis.PoolSize
	if poolSize < int(cfg.LoadShedding.MaxConcurrent) {
		poolSize = int(cfg.LoadShedding.MaxConcurrent)
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: poolSize,
	})
	defer redisClient.Close()

	s3Client := artifact.Connect(artifact.S3Config{
		EndpointURL: cfg.Storage.EndpointURL,
		Region:      cfg.Storage.Region,
		AccessKey:   cfg.Storage.AccessKey,
		SecretKey:   cfg.Storage.SecretKey,
	})
	store, err := artifact.NewS3Store(s3Client, cfg.Storage.Bucket)
	if err != nil {
		log.Fatalf("Failed to initialize artifact store: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	fieldSvc := fields.NewService(fields.Builtin())
	loader := artifact.NewLoader(store, cfg.Server.Env, fieldSvc, m)
	rulesetRegistry := registry.New(loader, fieldSvc)

	coordinator := reload.New(loader, rulesetRegistry, fieldSvc, reload.Config{
		PollInterval:        cfg.PollInterval(),
		RequiredRulesetKeys: cfg.Reload.RequiredRulesetKeys,
	}, m)

	// Fail-fast: a process that starts guarantees a coherent artifact set.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := coordinator.Bootstrap(bootCtx); err != nil {
		bootCancel()
		log.Fatalf("Startup validation failed: %v", err)
	}
	bootCancel()

	checker := velocity.NewChecker(
		velocity.NewRedisCounter(redisClient),
		cfg.Velocity.KeyPrefix,
		velocity.Defaults{
			WindowSeconds: cfg.Velocity.DefaultWindowSeconds,
			Threshold:     cfg.Velocity.DefaultThreshold,
		},
		time.Duration(cfg.Velocity.TimeoutMs)*time.Millisecond,
	)

	evaluator := engine.New(rulesetRegistry, fieldSvc, checker, engine.DebugConfig{
		Enabled:                 cfg.Debug.Enabled,
		SampleRate:              cfg.Debug.SampleRate,
		IncludeFieldValues:      cfg.Debug.IncludeFieldValues,
		MaxConditionEvaluations: cfg.Debug.MaxConditionEvaluations,
	}, m)

	publisher, err := buildPublisher(cfg, redisClient)
	if err != nil {
		log.Fatalf("Failed to initialize publisher: %v", err)
	}
	asyncPublisher := publish.NewAsync(publisher, cfg.Publisher.BufferSize, m)

	server := api.NewServer(api.Options{
		Evaluator:      evaluator,
		Registry:       rulesetRegistry,
		FieldSvc:       fieldSvc,
		Admission:      admission.New(cfg.LoadShedding.MaxConcurrent, m),
		Publisher:      asyncPublisher,
		Storage:        loader,
		Metrics:        m,
		Gatherer:       promRegistry,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutMs) * time.Millisecond,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		coordinator.Run(ctx)
	}()

	if cfg.Outbox.Enabled {
		stream := outbox.NewStream(redisClient, outbox.StreamConfig{
			Stream:    cfg.Outbox.Stream,
			Group:     cfg.Outbox.Group,
			Consumer:  cfg.Outbox.Consumer,
			BatchSize: cfg.Outbox.BatchSize,
			Block:     time.Duration(cfg.Outbox.BlockMs) * time.Millisecond,
		})
		worker := outbox.NewWorker(stream, publisher, evaluator, fieldSvc, outbox.WorkerConfig{
			ClaimInterval: time.Duration(cfg.Outbox.ClaimIntervalSeconds) * time.Second,
			ClaimMinIdle:  time.Duration(cfg.Outbox.ClaimMinIdleSeconds) * time.Second,
		}, m)
		background.Add(1)
		go func() {
			defer background.Done()
			worker.Run(ctx)
		}()
	}

	server.SetReady(true)
	slog.Info("[Main] Service started",
		"port", cfg.Server.Port, "env", cfg.Server.Env,
		"rulesets", rulesetRegistry.Size(), "outbox", cfg.Outbox.Enabled)

	if err := server.Start(ctx, cfg.Server.Port); err != nil {
		slog.Error("[Main] Server stopped with error", "error", err)
	}

	// Shutdown order: the server has drained in-flight requests; stop the
	// background loops, then flush buffered decisions.
	stop()
	background.Wait()
	asyncPublisher.Drain(5 * time.Second)
	if err := publisher.Close(); err != nil {
		slog.Warn("[Main] Publisher close failed", "error", err)
	}
	slog.Info("[Main] Shutdown complete")
	os.Exit(0)
}

func buildPublisher(cfg *config.Config, redisClient redis.UniversalClient) (publish.Publisher, error) {
	if cfg.Publisher.Kind == "pubsub" {
		return publish.NewPubSubPublisher(cfg.Publisher.PubSubProjectID, cfg.Publisher.PubSubTopicID)
	}
	return publish.NewStreamPublisher(redisClient, cfg.Publisher.DecisionStream, cfg.Publisher.StreamMaxLen), nil
}
