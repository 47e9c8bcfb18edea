// Точка входа Upload Service — сервиса приёма загрузок с докачкой.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/upload-service/internal/admission"
	"github.com/bigkaa/goartstore/upload-service/internal/api/handlers"
	"github.com/bigkaa/goartstore/upload-service/internal/api/middleware"
	"github.com/bigkaa/goartstore/upload-service/internal/config"
	"github.com/bigkaa/goartstore/upload-service/internal/journal"
	"github.com/bigkaa/goartstore/upload-service/internal/observability"
	"github.com/bigkaa/goartstore/upload-service/internal/registry"
	"github.com/bigkaa/goartstore/upload-service/internal/server"
	"github.com/bigkaa/goartstore/upload-service/internal/service"
	"github.com/bigkaa/goartstore/upload-service/internal/storage/filestore"
)

func main() {
	// Загрузка конфигурации (YAML из UP_CONFIG_FILE + переменные окружения)
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("Upload Service запускается",
		slog.String("service_id", cfg.ServiceID),
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
		slog.String("journal", cfg.Journal),
	)

	ctx := context.Background()

	// --- Инициализация компонентов ---

	// 1. Трейсинг
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Exporter:    cfg.OtelExporter,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: cfg.ServiceID,
		Version:     config.Version,
	})
	if err != nil {
		logger.Error("Ошибка инициализации трейсинга", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Файловое хранилище
	store, err := filestore.New(cfg.DataDir)
	if err != nil {
		logger.Error("Ошибка инициализации FileStore", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 3. Журнал записей
	jrnl, err := openJournal(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации журнала", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Реестр и стартовая сверка журнала с файлами данных
	// При UP_JOURNAL=none jrnl == nil: реестр работает только в памяти,
	// сверка ищет лишь осиротевшие файлы.
	reg := registry.New(jrnl, logger)

	var records service.RecordStore
	if jrnl != nil {
		records = jrnl
	}
	reconcileSvc := service.NewReconcileService(records, store, reg, logger)
	if _, err := reconcileSvc.RunOnce(ctx); err != nil {
		logger.Error("Ошибка стартовой сверки", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Контроль допуска
	admissionCfg := admission.Config{
		Enabled:                cfg.AdmissionEnabled,
		DataDir:                cfg.DataDir,
		SafetyMargin:           cfg.DiskSafetyMargin,
		MemoryThresholdPercent: cfg.MemoryThresholdPercent,
		NetErrorThreshold:      cfg.NetErrorThreshold,
		SampleWindow:           cfg.AdmissionSampleWindow,
	}
	admit := admission.New(admissionCfg, admission.NewHostProbe(), logger)

	// 6. Сервисы загрузки
	ingester := service.NewIngester(store, int(cfg.WriteBufferSize), logger)
	status := service.NewStatusReporter(reg, cfg.StatusCacheSize, cfg.StatusCacheTTL)
	uploadSvc := service.NewUploadService(reg, admit, store, ingester, status, cfg.MaxUploadSize, logger)

	// 7. Фоновые процессы
	gcSvc := service.NewGCService(reg, store, status, service.GCConfig{
		Interval:           cfg.GCInterval,
		CompletedRetention: cfg.CompletedRetention,
		BrokenRetention:    cfg.BrokenRetention,
	}, logger)
	gcSvc.Start(ctx)

	// 7.1 topologymetrics — только для postgres-журнала
	var dephealthSvc *service.DephealthService
	if pj, ok := jrnl.(*journal.PostgresJournal); ok {
		dephealthSvc = startDephealth(ctx, cfg, pj, logger)
	}

	// 8. Handlers
	var journalPinger handlers.Pinger
	if jrnl != nil {
		journalPinger = jrnl
	}
	healthHandler := handlers.NewHealthHandler(store, journalPinger)
	apiHandler := handlers.NewAPIHandler(
		handlers.NewUploadsHandler(uploadSvc, logger),
		handlers.NewSystemHandler(cfg, reg, admit.Config()),
		healthHandler,
		promhttp.Handler(),
	)

	// 9. HTTP-сервер
	srv := server.New(cfg, logger, apiHandler,
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(),
	)
	healthHandler.SetReady()

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	// Обрезанные по таймауту запросы ещё пишут Broken в журнал
	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	if err := ingester.Wait(drainCtx); err != nil {
		logger.Warn("Не все загрузки завершились до закрытия журнала",
			slog.String("error", err.Error()),
		)
	}
	drainCancel()

	gcSvc.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	if jrnl != nil {
		if err := jrnl.Close(); err != nil {
			logger.Warn("Ошибка закрытия журнала", slog.String("error", err.Error()))
		}
	}

	tracingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdownTracing(tracingCtx); err != nil {
		logger.Warn("Ошибка остановки трейсинга", slog.String("error", err.Error()))
	}

	logger.Info("Upload Service остановлен")
}

// openJournal открывает журнал по UP_JOURNAL. Для none возвращает nil.
func openJournal(ctx context.Context, cfg *config.Config, logger *slog.Logger) (journal.Journal, error) {
	switch cfg.Journal {
	case config.JournalNone:
		logger.Warn("Журнал отключён: записи загрузок не переживут перезапуск")
		return nil, nil
	case config.JournalPostgres:
		if err := journal.Migrate(cfg.DatabaseURL, logger); err != nil {
			return nil, err
		}
		pool, err := journal.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		return journal.NewPostgresJournal(pool, logger), nil
	default:
		return journal.NewFileJournal(cfg.JournalDir, logger)
	}
}

// startDephealth запускает мониторинг PostgreSQL. Ошибки не фатальны.
func startDephealth(ctx context.Context, cfg *config.Config, pj *journal.PostgresJournal, logger *slog.Logger) *service.DephealthService {
	db := stdlib.OpenDBFromPool(pj.Pool())

	dephealthSvc, err := service.NewDephealthService(
		cfg.ServiceID,
		cfg.DephealthGroup,
		db,
		cfg.DatabaseURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("topologymetrics запущен",
		slog.String("check_interval", cfg.DephealthCheckInterval.String()),
	)
	return dephealthSvc
}
