package server

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-url-analyzer/internal/api"
	memorybroker "github.com/JakeFAU/realtime-url-analyzer/internal/broker/memory"
	pubsubbroker "github.com/JakeFAU/realtime-url-analyzer/internal/broker/pubsub"
	redisbroker "github.com/JakeFAU/realtime-url-analyzer/internal/broker/redis"
	memorycache "github.com/JakeFAU/realtime-url-analyzer/internal/cache/memory"
	rediscache "github.com/JakeFAU/realtime-url-analyzer/internal/cache/redis"
	"github.com/JakeFAU/realtime-url-analyzer/internal/clock/system"
	"github.com/JakeFAU/realtime-url-analyzer/internal/config"
	"github.com/JakeFAU/realtime-url-analyzer/internal/content"
	"github.com/JakeFAU/realtime-url-analyzer/internal/extract"
	"github.com/JakeFAU/realtime-url-analyzer/internal/fetcher"
	collyfetcher "github.com/JakeFAU/realtime-url-analyzer/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/realtime-url-analyzer/internal/fetcher/headless"
	"github.com/JakeFAU/realtime-url-analyzer/internal/gateway"
	"github.com/JakeFAU/realtime-url-analyzer/internal/hash/sha256"
	"github.com/JakeFAU/realtime-url-analyzer/internal/headless/detector"
	"github.com/JakeFAU/realtime-url-analyzer/internal/hub"
	"github.com/JakeFAU/realtime-url-analyzer/internal/id/uuid"
	"github.com/JakeFAU/realtime-url-analyzer/internal/llm"
	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
	"github.com/JakeFAU/realtime-url-analyzer/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-url-analyzer/internal/progress"
	progresssinks "github.com/JakeFAU/realtime-url-analyzer/internal/progress/sinks"
	gcsstorage "github.com/JakeFAU/realtime-url-analyzer/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-url-analyzer/internal/storage/local"
	memorystorage "github.com/JakeFAU/realtime-url-analyzer/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-url-analyzer/internal/storage/postgres"
	"github.com/JakeFAU/realtime-url-analyzer/internal/worker"
)

func (a *App) setupBroker(ctx context.Context) error {
	logger := a.logger.Named("broker")
	switch a.cfg.Broker.Type {
	case config.BackendRedis:
		rc := a.cfg.Broker.Redis
		b, err := redisbroker.NewFromURL(rc.URL, redisbroker.Config{
			Group:           rc.Group,
			Consumer:        rc.Consumer,
			Block:           rc.Block,
			ClaimIdle:       rc.ClaimIdle,
			PromoteInterval: rc.PromoteInterval,
			MaxLen:          rc.MaxLen,
		}, logger)
		if err != nil {
			return fmt.Errorf("redis broker init failed: %w", err)
		}
		a.broker = b
		a.logger.Info("using redis streams broker", zap.String("group", rc.Group))
	case config.BackendPubSub:
		pc := a.cfg.Broker.PubSub
		client, err := pubsub.NewClient(ctx, pc.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.broker = pubsubbroker.New(client, pubsubbroker.Config{
			CreateResources: pc.CreateResources,
			AckDeadline:     pc.AckDeadline,
			MinBackoff:      pc.MinBackoff,
			MaxBackoff:      pc.MaxBackoff,
		}, logger)
		a.logger.Info("using pubsub broker", zap.String("project", pc.ProjectID))
	default:
		a.broker = memorybroker.New(memorybroker.Config{
			RedeliveryDelay: a.cfg.Broker.RedeliveryDelay,
		}, logger)
		a.logger.Info("using in-memory broker")
	}
	a.checks["broker"] = a.broker
	a.onClose("broker", func(context.Context) error { return a.broker.Close() })
	return nil
}

func (a *App) setupStores(ctx context.Context) error {
	if err := a.setupRequestStore(ctx); err != nil {
		return err
	}
	blobs, err := a.setupBlobStore(ctx)
	if err != nil {
		return err
	}
	a.content = content.NewStore(blobs, sha256.New(), a.cfg.Storage.Prefix)
	return nil
}

func (a *App) setupRequestStore(ctx context.Context) error {
	db := a.cfg.Database
	if db.DSN == "" {
		if a.opts.Role != RoleServe {
			return fmt.Errorf("database.dsn is required when the %s runs in its own process", a.opts.Role)
		}
		a.logger.Warn("no database DSN configured; request records and status history stay in memory")
		a.requests = memorystorage.NewRequestStore()
		return nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             db.DSN,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("request store init failed: %w", err)
	}
	if db.Migrate {
		if err := pgstore.EnsureSchema(ctx, pool, db.RequestsTable, db.EventsTable); err != nil {
			pool.Close()
			return fmt.Errorf("schema init failed: %w", err)
		}
	}
	store, err := pgstore.NewRequestStore(pool, db.RequestsTable)
	if err != nil {
		pool.Close()
		return fmt.Errorf("request store init failed: %w", err)
	}
	a.requests = store
	a.checks["database"] = store
	a.onClose("database", func(context.Context) error {
		store.Close()
		return nil
	})
	a.logger.Info("postgres request store initialized", zap.String("table", db.RequestsTable))
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) (pipeline.BlobStore, error) {
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: sc.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return blobs.Close() })
		a.logger.Info("using GCS content storage", zap.String("bucket", sc.Bucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: sc.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.onClose("local storage", func(context.Context) error { return blobs.Close() })
		a.logger.Info("using local content storage", zap.String("dir", sc.Dir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory content storage")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupCache() error {
	cc := a.cfg.Cache
	switch cc.Type {
	case config.BackendRedis:
		opts, err := redis.ParseURL(cc.RedisURL)
		if err != nil {
			return fmt.Errorf("parse cache redis url: %w", err)
		}
		client := redis.NewClient(opts)
		a.cache = rediscache.New(client, cc.TTL)
		a.onClose("cache", func(context.Context) error { return client.Close() })
		a.logger.Info("using redis result cache", zap.Duration("ttl", cc.TTL))
	default:
		a.cache = memorycache.New(cc.Size, cc.TTL)
		a.logger.Info("using in-memory result cache", zap.Int("size", cc.Size), zap.Duration("ttl", cc.TTL))
	}
	a.checks["cache"] = a.cache
	return nil
}

// setupStatus builds the hub, its recorder sinks, and the event path the
// gateway and workers publish into.
func (a *App) setupStatus() error {
	sinkList := []progress.Sink{progresssinks.NewLogSink(a.logger.Named("status_log"))}
	if a.cfg.Metrics.Enabled {
		promSink, err := progresssinks.NewPrometheusSink(a.registry)
		if err != nil {
			return fmt.Errorf("status metrics init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if store, ok := a.requests.(*pgstore.RequestStore); ok {
		events, err := pgstore.NewEventStore(store.DB(), a.cfg.Database.EventsTable)
		if err != nil {
			return fmt.Errorf("status history init failed: %w", err)
		}
		sinkList = append(sinkList, progresssinks.NewHistorySink(events))
	}
	a.recorder = progress.NewRecorder(progress.Config{
		BufferSize: a.cfg.Hub.RecorderBuffer,
		Logger:     a.logger.Named("status_recorder"),
	}, sinkList...)
	a.onClose("status_recorder", a.recorder.Close)

	hc := a.cfg.Hub
	a.hub = hub.New(hub.Config{
		SubscriberBuffer: hc.SubscriberBuffer,
		MaxSubscribers:   hc.MaxSubscribers,
		Retention:        hc.Retention,
		SweepInterval:    hc.SweepInterval,
		Logger:           a.logger,
	}, a.requests, a.recorder, system.New())
	a.onClose("hub", func(context.Context) error {
		a.hub.Close()
		return nil
	})
	if a.metrics != nil {
		if err := a.metrics.WatchHub(a.hub.Stats); err != nil {
			return fmt.Errorf("hub metrics init failed: %w", err)
		}
	}
	a.runners = append(a.runners, a.hub)

	if a.cfg.Broker.StatusRelay {
		queue := a.cfg.Broker.StatusQueue
		a.events = hub.NewBrokerPublisher(a.broker, queue)
		a.runners = append(a.runners, worker.RunnerFunc(func(ctx context.Context) error {
			return hub.Relay(ctx, a.broker, queue, a.hub, a.logger)
		}))
		a.logger.Info("status events relayed through broker", zap.String("queue", queue))
	} else {
		a.events = a.hub
	}
	return nil
}

func (a *App) setupAPI() error {
	g, err := gateway.New(gateway.Config{
		AllowedDomains:  a.cfg.Gateway.AllowedDomains,
		MaxURLs:         a.cfg.Gateway.MaxURLs,
		JoinInflight:    a.cfg.Gateway.JoinInflight,
		ProcessingQueue: a.cfg.Broker.ProcessingQueue,
	}, gateway.Deps{
		Broker:  a.broker,
		Cache:   a.cache,
		Store:   a.requests,
		Events:  a.events,
		IDs:     uuid.New(),
		Clock:   system.New(),
		Metrics: a.metrics,
		Logger:  a.logger,
	})
	if err != nil {
		return fmt.Errorf("gateway init failed: %w", err)
	}

	fetch, err := a.buildFetcher()
	if err != nil {
		return err
	}
	a.handler = api.NewServer(api.Options{
		Submitter:      g,
		Requests:       a.requests,
		Hub:            a.hub,
		Content:        a.content,
		Fetcher:        fetch,
		Extractor:      extract.New(a.cfg.Fetch.MaxTextChars),
		AllowedDomains: a.cfg.Gateway.AllowedDomains,
		Checks:         a.checks,
		Metrics:        a.metrics,
		Gatherer:       a.registry,
		Auth: api.AuthConfig{
			Enabled: a.cfg.Auth.Enabled,
			APIKey:  a.cfg.Auth.APIKey,
		},
		RequestTimeout: a.cfg.Server.RequestTimeout,
		ContentTimeout: a.cfg.Server.ContentTimeout,
		Heartbeat:      a.cfg.Server.Heartbeat,
		Logger:         a.logger,
	}).Handler()
	return nil
}

func (a *App) workerDeps() worker.Deps {
	return worker.Deps{
		Broker:  a.broker,
		Store:   a.requests,
		Events:  a.events,
		Clock:   system.New(),
		Metrics: a.metrics,
		Logger:  a.logger,
	}
}

func (a *App) setupProcessor() error {
	fetch, err := a.buildFetcher()
	if err != nil {
		return err
	}
	analyzer, _, err := a.buildLLM()
	if err != nil {
		return err
	}
	pc := a.cfg.Processor
	p, err := worker.NewProcessor(worker.ProcessorConfig{
		Queue:           a.cfg.Broker.ProcessingQueue,
		EvaluationQueue: a.cfg.Broker.EvaluationQueue,
		Prefetch:        pc.Prefetch,
		FetchTimeout:    pc.FetchTimeout,
		AnalysisTimeout: pc.AnalysisTimeout,
		Retry:           pipeline.NewRetryPolicy(pc.MaxRetries, pc.BackoffBase, pc.BackoffMax),
	}, a.workerDeps(), fetch, extract.New(a.cfg.Fetch.MaxTextChars), analyzer, a.content)
	if err != nil {
		return fmt.Errorf("processor init failed: %w", err)
	}
	a.runners = append(a.runners, p)
	return nil
}

func (a *App) setupEvaluator() error {
	_, scorer, err := a.buildLLM()
	if err != nil {
		return err
	}
	ec := a.cfg.Evaluator
	e, err := worker.NewEvaluator(worker.EvaluatorConfig{
		Queue:        a.cfg.Broker.EvaluationQueue,
		Prefetch:     ec.Prefetch,
		ScoreTimeout: ec.ScoreTimeout,
		Threshold:    ec.Threshold,
		Retry:        pipeline.NewRetryPolicy(ec.MaxRetries, ec.BackoffBase, ec.BackoffMax),
	}, a.workerDeps(), scorer, a.cache)
	if err != nil {
		return fmt.Errorf("evaluator init failed: %w", err)
	}
	a.runners = append(a.runners, e)
	return nil
}

func (a *App) buildLLM() (pipeline.Analyzer, pipeline.Scorer, error) {
	lc := a.cfg.LLM
	analyzer, scorer, err := llm.New(llm.Config{
		Provider: lc.Provider,
		Client: llm.ClientConfig{
			Endpoint:    lc.Endpoint,
			Model:       lc.Model,
			APIKey:      lc.APIKey,
			Temperature: lc.Temperature,
			MaxTokens:   lc.MaxTokens,
			Timeout:     lc.Timeout,
		},
		Analyzer: llm.AnalyzerConfig{
			ChunkSize:    lc.ChunkSize,
			ChunkOverlap: lc.ChunkOverlap,
			MaxChunks:    lc.MaxChunks,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("llm init failed: %w", err)
	}
	return analyzer, scorer, nil
}

// buildFetcher assembles static fetching, optional headless promotion, and
// per-host pacing. The API's live content lookups and the processor share
// one instance per process.
func (a *App) buildFetcher() (pipeline.Fetcher, error) {
	if a.fetcher != nil {
		return a.fetcher, nil
	}
	fc := a.cfg.Fetch
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     fc.UserAgent,
		RespectRobots: fc.RespectRobots,
		Timeout:       fc.Timeout,
		MaxBodyBytes:  fc.MaxBodyBytes,
	}, a.metrics)

	var (
		headless pipeline.Fetcher
		detect   pipeline.HeadlessDetector
	)
	if fc.Headless.Enabled {
		chrome, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       fc.Headless.MaxParallel,
			UserAgent:         fc.UserAgent,
			NavigationTimeout: fc.Headless.NavigationTimeout,
			SettleDelay:       fc.Headless.SettleDelay,
		})
		if err != nil {
			// Forced-headless requests still get a clear fetch error.
			a.logger.Warn("headless fetcher init failed; promotion disabled", zap.Error(err))
			headless = headlessfetcher.NewNoop()
		} else {
			headless = chrome
			detect = detector.NewHeuristic(fc.Detector.Threshold, fc.Detector.Selectors, fc.Detector.Keywords)
			a.onClose("headless", func(context.Context) error {
				chrome.Close()
				return nil
			})
			a.logger.Info("headless fetcher enabled", zap.Int("max_parallel", fc.Headless.MaxParallel))
		}
	}

	rl := a.cfg.RateLimit
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   rl.DefaultRPS,
		DefaultBurst: rl.DefaultBurst,
		HostRPS:      rl.HostRPSMap(),
		MaxHosts:     rl.MaxHosts,
		IdleTTL:      rl.IdleTTL,
	}, a.metrics)

	router := fetcher.NewRouter(static, headless, detect, limiter, a.logger)
	router.SetObserver(a.metrics)
	a.fetcher = router
	a.logger.Info("fetcher ready",
		zap.String("user_agent", fc.UserAgent),
		zap.Bool("respect_robots", fc.RespectRobots),
		zap.Float64("default_rps", rl.DefaultRPS),
		zap.Duration("timeout", fc.Timeout),
	)
	return router, nil
}
