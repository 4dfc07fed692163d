package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/auditchain-core/internal/alerting"
	"github.com/xela07ax/auditchain-core/internal/console/handler"
	"github.com/xela07ax/auditchain-core/internal/console/server"
	"github.com/xela07ax/auditchain-core/internal/console/service"
	"github.com/xela07ax/auditchain-core/internal/domain"
	"github.com/xela07ax/auditchain-core/internal/hashchain"
	"github.com/xela07ax/auditchain-core/internal/infra"
	"github.com/xela07ax/auditchain-core/internal/infra/auth"
	"github.com/xela07ax/auditchain-core/internal/pipeline"
	"github.com/xela07ax/auditchain-core/internal/repository/postgres"
	"github.com/xela07ax/auditchain-core/internal/retention"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизненного цикла фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы
	pool, err := postgres.NewPool(appCtx, postgres.PoolConfig{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(appCtx, pool); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			// Redis опционален: без него теряется только межузловая координация
			logger.Warn("redis unreachable, running single-node", zap.Error(err))
		}
	}

	reg := prometheus.NewRegistry()
	eventRepo := postgres.NewEventRepo(pool)
	alertRepo := postgres.NewAlertRepo(pool)

	// 3. Приемный тракт: курсор продолжает цепочку с последней точки в БД
	lastSeq, lastHash, err := eventRepo.LastChainState(appCtx)
	if err != nil {
		logger.Fatal("failed to read chain state", zap.Error(err))
	}
	cursor := hashchain.NewCursor(lastHash, lastSeq)
	logger.Info("hash chain cursor restored", zap.Uint64("sequence", lastSeq))

	pipeLogger := pipeline.NewLogger(eventRepo, cursor, pipeline.Config{
		BufferSize:    cfg.Pipeline.BufferSize,
		FlushInterval: cfg.Pipeline.FlushInterval,
		HighWater:     cfg.Pipeline.HighWater,
		ChunkSize:     cfg.Pipeline.ChunkSize,
		StoreAttempts: cfg.Pipeline.StoreAttempts,
	}, logger, pipeline.NewMetrics(reg))
	pipeLogger.Start()

	// 4. Ретенция: FS object store + политика из конфига
	objects, err := retention.NewFSStore(cfg.Retention.ArchiveDir)
	if err != nil {
		logger.Fatal("archive store init failed", zap.Error(err))
	}
	var enc retention.Encryptor
	if cfg.Retention.EncryptionKey != "" {
		key, err := hex.DecodeString(cfg.Retention.EncryptionKey)
		if err != nil {
			logger.Fatal("bad archive encryption key", zap.Error(err))
		}
		enc, err = retention.NewAESGCMEncryptor(key)
		if err != nil {
			logger.Fatal("archive encryptor init failed", zap.Error(err))
		}
	}
	manager, err := retention.NewManager(eventRepo, objects, nil, enc, domain.RetentionPolicy{
		HotDuration:         cfg.Retention.HotDuration,
		WarmDuration:        cfg.Retention.WarmDuration,
		ColdDuration:        cfg.Retention.ColdDuration,
		Compress:            cfg.Retention.Compress,
		Encrypt:             cfg.Retention.Encrypt,
		ArchiveCadence:      cfg.Retention.ArchiveCadence,
		VerifyBeforeArchive: cfg.Retention.VerifyBeforeArchive,
		WORMEnabled:         cfg.Retention.WORMEnabled,
		AutoDelete:          cfg.Retention.AutoDelete,
	}, retention.Config{PageSize: cfg.Retention.PageSize}, logger, retention.NewMetrics(reg))
	if err != nil {
		logger.Fatal("retention manager init failed", zap.Error(err))
	}
	if err := manager.LoadManifests(appCtx); err != nil {
		logger.Fatal("manifest reload failed", zap.Error(err))
	}
	go retention.NewScheduler(manager, rdb, logger).Run(appCtx)

	// 5. Движок алертинга
	engine := alerting.NewEngine(
		alertRepo, alertRepo,
		map[domain.ActionType]alerting.NotificationSender{
			domain.ActionWebhook: alerting.NewWebhookSender(cfg.Alerting.WebhookTimeout, cfg.Alerting.WebhookRPS, logger),
			domain.ActionEmail:   alerting.NewLogSender(logger),
			domain.ActionChat:    alerting.NewLogSender(logger),
		},
		rdb,
		alerting.EngineConfig{
			QueueSize:           cfg.Alerting.QueueSize,
			MaxGroupCardinality: cfg.Alerting.MaxGroupCardinality,
		},
		alerting.NewMetrics(reg), logger,
	)
	if err := engine.ReloadRules(appCtx); err != nil {
		logger.Fatal("failed to load alert rules", zap.Error(err))
	}
	engine.Start(appCtx)

	// 6. Auth (RS256)
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("auth public key", zap.Error(err))
	}
	privKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("auth private key", zap.Error(err))
	}
	authService := service.NewAuthService(
		service.NewConfigOperators(cfg.Auth.OperatorUsername, cfg.Auth.OperatorPasswordHash),
		privKey, cfg.Auth.TokenTTL,
	)

	// 7. HTTP-периметр
	consoleSrv := server.NewConsoleServer(
		logger,
		auth.NewBaseValidator(pubKey),
		handler.NewAuthHandler(authService),
		handler.NewEventsHandler(pipeLogger, engine, eventRepo, manager),
		handler.NewRulesHandler(engine),
		handler.NewAlertsHandler(engine),
		handler.NewRetentionHandler(manager),
		handler.NewDashboardHandler(pipeLogger, manager, engine),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      consoleSrv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Метрики Prometheus на отдельном порту
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		logger.Info("metrics endpoint started", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("auditchain daemon started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 8. Graceful Shutdown: сперва перестаем принимать, потом доливаем буфер
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Error("alert engine shutdown failed", zap.Error(err))
	}
	// Финальный flush: все принятые события достигают durable store
	if err := pipeLogger.Stop(shutdownCtx); err != nil {
		logger.Error("pipeline shutdown failed", zap.Error(err))
	}
	cancel()
	logger.Info("auditchain daemon exited properly")
}
