package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	grpc_adapter "github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/in/grpc"
	http_adapter "github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/in/http"
	journal_adapter "github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/out/journal"
	kafka_adapter "github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/out/kafka"
	memory_adapter "github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/out/memory"
	provider_adapter "github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/out/provider"
	rdb_adapter "github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/out/rdb"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/usecase"
	"github.com/JoeShih716/go-payout-engine/pkg/database"
	"github.com/JoeShih716/go-payout-engine/pkg/scheduler"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config file")
	flag.Parse()

	// 1. 載入設定
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化資料庫與收款帳戶來源
	var (
		store  usecase.Store
		bank   usecase.BankDetailsSource
		health http_adapter.HealthCheck
	)
	switch cfg.Database.Driver {
	case DriverMemory:
		store = memory_adapter.NewStore()
		bank = memory_adapter.NewStaticRegistry(cfg.bankDetails())
		logger.Warn("using in-memory store, data is lost on restart")
	default:
		dbClient, err := database.NewClient(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer dbClient.Close()
		logger.Info("connected to database", "driver", cfg.Database.Driver)

		sqlStore := rdb_adapter.NewStore(dbClient)
		if err := sqlStore.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate schema: %v", err)
		}
		store = sqlStore
		bank = rdb_adapter.NewSubaccountRegistry(dbClient)
		health = func(ctx context.Context) error {
			sqlDB, err := dbClient.DB().DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}

	// 3. 金流商
	provider := provider_adapter.NewClient(provider_adapter.Config{
		BaseURL:   cfg.Provider.BaseURL,
		SecretKey: cfg.Provider.SecretKey,
		Timeout:   cfg.Provider.Timeout,
		Source:    cfg.Provider.Source,
	})
	parser := provider_adapter.NewCallbackParser(cfg.Provider.SecretKey)

	// 4. 初始化 UseCase
	ucCfg := cfg.usecaseConfig()
	opts := []usecase.ReconcilerOption{usecase.WithCallbackParser(parser)}
	var inbox *journal_adapter.Inbox
	if cfg.Journal.Path != "" {
		inbox, err = journal_adapter.Open(cfg.Journal.Path)
		if err != nil {
			log.Fatalf("Failed to open callback journal: %v", err)
		}
		defer inbox.Close()
		opts = append(opts, usecase.WithCallbackJournal(inbox))
	}

	obligations := usecase.NewObligationService(store)
	aggregator := usecase.NewAggregator(store, bank, ucCfg)
	reconciler := usecase.NewReconciler(store, provider, ucCfg, opts...)
	submitter := usecase.NewSubmitter(store, provider, reconciler, ucCfg)
	operator := usecase.NewOperatorService(store, aggregator, submitter)

	var publisher usecase.EventPublisher = usecase.NewLogPublisher(logger)
	if cfg.Kafka.Enabled {
		kp := kafka_adapter.NewPublisher(kafka_adapter.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		defer kp.Close()
		publisher = kp
	}
	relay := usecase.NewOutboxRelay(store, publisher, ucCfg.BatchSize)

	// 5. 重播上次中斷前尚未套用的 callback
	if inbox != nil {
		replayed, err := reconciler.ReplayJournal(ctx)
		if err != nil {
			log.Fatalf("Failed to replay callback journal: %v", err)
		}
		kept, err := inbox.Compact()
		if err != nil {
			logger.Error("compact callback journal", "error", err)
		}
		logger.Info("callback journal ready", "replayed", replayed, "pending", kept)
	}

	// 6. 排程
	sched := scheduler.New(logger)
	sched.Add(scheduler.Task{
		Name:     "aggregate",
		Interval: cfg.Payout.AggregateInterval,
		Run: func(ctx context.Context) error {
			_, err := aggregator.RunAggregationCycle(ctx)
			return err
		},
	})
	sched.Add(scheduler.Task{
		Name:     "submit",
		Interval: cfg.Payout.SubmitInterval,
		Run: func(ctx context.Context) error {
			_, err := submitter.SubmitReady(ctx)
			return err
		},
	})
	sched.Add(scheduler.Task{
		Name:       "poll",
		Interval:   cfg.Payout.PollInterval,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			_, err := reconciler.PollProcessing(ctx)
			return err
		},
	})
	sched.Add(scheduler.Task{
		Name:     "outbox_relay",
		Interval: cfg.Payout.RelayInterval,
		Run: func(ctx context.Context) error {
			_, err := relay.RelayOnce(ctx)
			return err
		},
	})
	if inbox != nil {
		sched.Add(journalCompactTask(inbox, cfg.Journal.CompactInterval, logger))
	}
	sched.Start(ctx)

	// 7. 啟動 gRPC Server (operator)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	s := grpc.NewServer(grpc.UnaryInterceptor(grpc_adapter.LoggingInterceptor(logger)))
	grpc_adapter.RegisterOperatorServer(s, grpc_adapter.NewGrpcServer(operator, obligations))
	reflection.Register(s)
	go func() {
		logger.Info("starting gRPC server", "addr", cfg.GRPC.Addr)
		if err := s.Serve(lis); err != nil {
			log.Fatalf("failed to serve grpc: %v", err)
		}
	}()

	// 8. 啟動 HTTP Server (webhook / healthz / metrics)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           http_adapter.NewRouter(reconciler, health, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to serve http: %v", err)
		}
	}()

	// Graceful Shutdown
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	s.GracefulStop()
	sched.Wait()
	logger.Info("server exited")
}

// journalCompactTask 定期移除收件匣中已套用的 callback，避免檔案無限成長
func journalCompactTask(inbox *journal_adapter.Inbox, interval time.Duration, logger *slog.Logger) scheduler.Task {
	return scheduler.Task{
		Name:     "journal_compact",
		Interval: interval,
		Run: func(context.Context) error {
			kept, err := inbox.Compact()
			if err != nil {
				return err
			}
			logger.Debug("callback journal compacted", "pending", kept)
			return nil
		},
	}
}
