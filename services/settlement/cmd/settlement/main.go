package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AfshinJalili/contentex/libs/apikey"
	"github.com/AfshinJalili/contentex/libs/health"
	"github.com/AfshinJalili/contentex/libs/httpmiddleware"
	"github.com/AfshinJalili/contentex/libs/kafka"
	"github.com/AfshinJalili/contentex/libs/logging"
	"github.com/AfshinJalili/contentex/libs/metrics"
	"github.com/AfshinJalili/contentex/libs/trace"
	"github.com/AfshinJalili/contentex/services/settlement/internal/auction"
	"github.com/AfshinJalili/contentex/services/settlement/internal/calculator"
	"github.com/AfshinJalili/contentex/services/settlement/internal/chain"
	"github.com/AfshinJalili/contentex/services/settlement/internal/config"
	"github.com/AfshinJalili/contentex/services/settlement/internal/consumer"
	"github.com/AfshinJalili/contentex/services/settlement/internal/handlers"
	"github.com/AfshinJalili/contentex/services/settlement/internal/oracle"
	"github.com/AfshinJalili/contentex/services/settlement/internal/payout"
	"github.com/AfshinJalili/contentex/services/settlement/internal/rate"
	"github.com/AfshinJalili/contentex/services/settlement/internal/reservation"
	"github.com/AfshinJalili/contentex/services/settlement/internal/scheduler"
	"github.com/AfshinJalili/contentex/services/settlement/internal/service"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage/memory"
	"github.com/AfshinJalili/contentex/services/settlement/internal/storage/migrations"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

type settlementStore interface {
	storage.ListingStore
	storage.BidStore
	storage.ReferralStore
	storage.PurchaseStore
	storage.EventStore
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	if cfg.Trace.Enabled {
		shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env, cfg.Trace.SampleRatio)
		if err != nil {
			logger.Error("tracer init failed", "error", err)
		} else {
			defer func() {
				_ = shutdownTracer(context.Background())
			}()
		}
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	svcMetrics := service.NewMetrics(registry)
	ready := health.NewManager(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()
	ready.AddCheck("store", store.Ping)

	var redisClient *redis.Client
	var limiter reservation.Limiter = rate.NewMemory(cfg.Reservation.RateLimit, cfg.Reservation.RateWindow)
	oracleOpts := []oracle.Option{oracle.WithMetrics(svcMetrics)}
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		limiter = rate.NewRedisLimiter(redisClient, cfg.Reservation.RateLimit, cfg.Reservation.RateWindow, "")
		oracleOpts = append(oracleOpts, oracle.WithRedis(redisClient))
		ready.AddCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	guard := reservation.New(store, cfg.Reservation.Lease, logger,
		reservation.WithLimiter(limiter),
		reservation.WithMetrics(svcMetrics),
	)

	rates := oracle.New(buildRateSource(cfg), oracle.Config{
		TTL:      cfg.Oracle.TTL,
		MaxStale: cfg.Oracle.MaxStale,
		Timeout:  cfg.Oracle.Timeout,
	}, logger, oracleOpts...)

	calc, err := calculator.New(cfg.Calculator)
	if err != nil {
		logger.Error("calculator init failed", "error", err)
		os.Exit(1)
	}

	payoutOpts := []payout.Option{
		payout.WithOracle(rates),
		payout.WithMetrics(svcMetrics),
	}
	chainOpts, err := buildRails(ctx, cfg, logger)
	if err != nil {
		logger.Error("chain init failed", "error", err)
		os.Exit(1)
	}
	payoutOpts = append(payoutOpts, chainOpts...)

	resolverOpts := []auction.Option{
		auction.WithBatchSize(cfg.AuctionBatch),
		auction.WithMetrics(svcMetrics),
	}

	var (
		producer      *kafka.SyncProducer
		publisher     kafka.Publisher
		consumerGroup *kafka.Consumer
	)
	if cfg.Kafka.Enabled() {
		eventMetrics := kafka.NewEventMetrics(registry)
		producer, err = kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, eventMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = producer
		if cfg.Kafka.Topics.DLQ != "" {
			publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DLQ, logger).WithMetrics(eventMetrics)
		}
		resolverOpts = append(resolverOpts, auction.WithPublisher(publisher, cfg.Kafka.Topics.Auctions))
		payoutOpts = append(payoutOpts,
			payout.WithPublisher(publisher),
			payout.WithDispatcher(payout.NewKafkaDispatcher(publisher, cfg.Kafka.Topics.ReferralCascade)),
		)

		consumerGroup, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DLQ).WithRetry(cfg.Kafka.MaxAttempts, cfg.Kafka.RetryBackoff)
		defer consumerGroup.Close()
	}

	resolver := auction.NewResolver(store, logger, resolverOpts...)
	payoutOpts = append(payoutOpts, payout.WithResolver(resolver))

	orch := payout.New(store, calc, payoutConfig(cfg), logger, payoutOpts...)

	var async *payout.AsyncDispatcher
	if !cfg.Kafka.Enabled() {
		async = payout.NewAsyncDispatcher(orch, cfg.Payout.CascadeTimeout, logger)
		orch.SetDispatcher(async)
	}

	runner := scheduler.New(ctx, logger,
		scheduler.WithMetrics(svcMetrics),
		scheduler.WithJobTimeout(cfg.CronTimeout),
	)
	if err := scheduler.Register(runner, cfg.Cron, resolver, orch); err != nil {
		logger.Error("scheduler init failed", "error", err)
		os.Exit(1)
	}

	var operators []apikey.Record
	if cfg.Operator.KeyHash != "" {
		record, err := apikey.OperatorRecord("operator", cfg.Operator.KeyHash, cfg.Operator.IPAllowlist)
		if err != nil {
			logger.Error("operator key invalid", "error", err)
			os.Exit(1)
		}
		operators = append(operators, record)
	} else {
		logger.Warn("no operator key configured; admin routes reject every request")
	}
	httpServer := buildHTTPServer(cfg, ready, registry, handlers.New(guard, resolver, orch, logger), operators, logger)

	if consumerGroup != nil {
		cascadeConsumer := consumer.NewCascadeConsumer(store, orch, logger, svcMetrics)
		go func() {
			logger.Info("settlement consumer starting", "topic", cfg.Kafka.Topics.ReferralCascade)
			if err := consumerGroup.Consume(ctx, []string{cfg.Kafka.Topics.ReferralCascade}, cascadeConsumer); err != nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	runner.Start()
	ready.SetReady(true)

	go func() {
		logger.Info("settlement http starting", "addr", httpServer.Addr, "store", cfg.StoreDriver, "kafka", cfg.Kafka.Enabled())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, runner, async, cancel, logger)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (settlementStore, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store; state is lost on restart")
		return memory.New(), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, cfg.DB.DSN())
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return storage.New(pool, logger), pool.Close, nil
}

func buildRateSource(cfg *config.Config) oracle.Source {
	if cfg.Oracle.Source == config.OracleSourceHTTP {
		return oracle.NewHTTPSource(cfg.Oracle.URL, cfg.Oracle.Field, cfg.Oracle.Timeout)
	}
	return oracle.FixedSource{Rate: cfg.Oracle.FixedRate}
}

// buildRails connects each rail with an RPC URL and falls back to the
// in-process treasury otherwise.
func buildRails(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]payout.Option, error) {
	var opts []payout.Option

	rails := []struct {
		rail storage.Rail
		cfg  config.RailConfig
	}{
		{storage.RailMainnet, cfg.Chain.Mainnet},
		{storage.RailTestnet, cfg.Chain.Testnet},
	}
	var contract payout.PurchaseContract = chain.DevPurchaseContract{}
	for _, r := range rails {
		if r.cfg.Chain.RPCURL == "" {
			logger.Warn("rail has no rpc_url; using dev treasury", "rail", r.rail, "balance", r.cfg.DevBalance.String())
			opts = append(opts, payout.WithTreasury(r.rail, chain.NewDevTreasury(string(r.rail), r.cfg.DevBalance, logger)))
			continue
		}
		client, err := chain.Dial(ctx, r.cfg.Chain, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, payout.WithTreasury(r.rail, client))
		if r.rail == storage.RailTestnet {
			pc, err := chain.NewPurchaseContract(client, r.cfg.PurchaseContract)
			if err != nil {
				return nil, err
			}
			contract = pc
		}
	}
	return append(opts, payout.WithPurchaseContract(contract)), nil
}

func payoutConfig(cfg *config.Config) payout.Config {
	return payout.Config{
		ReservationLease: cfg.Reservation.Lease,
		ClaimLease:       cfg.Payout.ClaimLease,
		IntentLease:      cfg.Payout.IntentLease,
		SweepAfter:       cfg.Payout.SweepAfter,
		AbandonAfter:     cfg.Payout.AbandonAfter,
		SweepBatch:       cfg.Payout.SweepBatch,
		Retry: payout.RetryPolicy{
			Attempts: cfg.Chain.RetryAttempts,
			Timeout:  cfg.Chain.CallTimeout,
			Backoff:  cfg.Chain.RetryBackoff,
		},
		PurchaseTopic: cfg.Kafka.Topics.Purchases,
	}
}

func buildHTTPServer(cfg *config.Config, ready *health.Manager, registry *prometheus.Registry, h *handlers.Handler, operators []apikey.Record, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	h.Register(router, []byte(cfg.JWTSecret), operators...)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, runner *scheduler.Runner, async *payout.AsyncDispatcher, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	runner.Stop()
	cancel()
	if async != nil {
		async.Wait()
	}
	logger.Info("shutdown complete")
}
