// gc.go — сервис фонового вытеснения записей (Garbage Collection).
//
// GC вытесняет из реестра (и журнала):
//  1. Complete/Failed записи старше UP_COMPLETED_RETENTION;
//  2. Broken/UnInit записи без изменений дольше UP_BROKEN_RETENTION.
//
// Нулевой срок отключает соответствующую фазу. Для вытесненных Broken,
// UnInit и Failed записей файл данных удаляется; файл Complete остаётся,
// а в журнале вместо записи сохраняется надгробие (см. Registry.EvictIf).
// Терминальное состояние запоминается в StatusReporter.
// Занятые мутатором записи не трогаются.
//
// Запускается как горутина с периодическим тикером (UP_GC_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-service/internal/registry"
	"github.com/bigkaa/goartstore/upload-service/internal/storage/filestore"
)

// Prometheus метрики GC
var (
	// gcRunsTotal — количество запусков GC.
	gcRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "up_gc_runs_total",
		Help: "Общее количество запусков GC",
	})

	// gcRecordsEvictedTotal — количество вытесненных записей по состоянию.
	gcRecordsEvictedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "up_gc_records_evicted_total",
		Help: "Общее количество записей, вытесненных GC",
	}, []string{"state"})

	// gcFilesDeletedTotal — количество удалённых файлов данных.
	gcFilesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "up_gc_files_deleted_total",
		Help: "Общее количество файлов данных, удалённых GC",
	})

	// gcDurationSeconds — длительность выполнения GC.
	gcDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "up_gc_duration_seconds",
		Help:    "Длительность выполнения GC в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// defaultGCInterval — период GC, если UP_GC_INTERVAL не задан.
const defaultGCInterval = 10 * time.Minute

// GCResult — результат одного запуска GC.
type GCResult struct {
	// EvictedCount — количество вытесненных записей
	EvictedCount int
	// DeletedCount — количество удалённых файлов данных
	DeletedCount int
	// Errors — количество ошибок удаления файлов
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// GCConfig — сроки хранения записей.
type GCConfig struct {
	Interval time.Duration
	// CompletedRetention — срок хранения Complete/Failed (0 — бессрочно)
	CompletedRetention time.Duration
	// BrokenRetention — срок простоя Broken/UnInit (0 — бессрочно)
	BrokenRetention time.Duration
}

// GCService — сервис фонового вытеснения записей.
type GCService struct {
	reg    *registry.Registry
	store  *filestore.FileStore
	status *StatusReporter
	cfg    GCConfig
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGCService создаёт сервис GC.
func NewGCService(
	reg *registry.Registry,
	store *filestore.FileStore,
	status *StatusReporter,
	cfg GCConfig,
	logger *slog.Logger,
) *GCService {
	return &GCService{
		reg:    reg,
		store:  store,
		status: status,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "gc")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enabled сообщает, включена ли хотя бы одна фаза вытеснения.
func (gc *GCService) Enabled() bool {
	return gc.cfg.CompletedRetention > 0 || gc.cfg.BrokenRetention > 0
}

// Start запускает фоновую горутину GC с периодическим тикером.
// Если все сроки хранения нулевые, GC не запускается.
func (gc *GCService) Start(ctx context.Context) {
	if !gc.Enabled() {
		gc.logger.Info("GC отключён: сроки хранения не заданы")
		return
	}

	gcCtx, cancel := context.WithCancel(ctx)
	gc.cancel = cancel
	gc.done = make(chan struct{})

	go gc.run(gcCtx)

	gc.logger.Info("GC запущен",
		slog.String("interval", gc.cfg.Interval.String()),
		slog.String("completed_retention", gc.cfg.CompletedRetention.String()),
		slog.String("broken_retention", gc.cfg.BrokenRetention.String()),
	)
}

// Stop останавливает фоновый процесс GC и ждёт завершения текущего цикла.
func (gc *GCService) Stop() {
	if gc.cancel == nil {
		return
	}
	gc.cancel()
	<-gc.done
	gc.logger.Info("GC остановлен")
}

// run — основной цикл фоновой горутины.
func (gc *GCService) run(ctx context.Context) {
	defer close(gc.done)

	interval := gc.cfg.Interval
	if interval <= 0 {
		interval = defaultGCInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл GC.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (gc *GCService) RunOnce(ctx context.Context) *GCResult {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	start := time.Now()
	result := &GCResult{}
	now := gc.now()

	for _, rec := range gc.reg.List() {
		if !gc.expired(rec, now) {
			continue
		}

		// Снимок мог измениться после List: предикат проверяется повторно
		evicted, ok := gc.reg.EvictIf(ctx, rec.ID, func(cur model.UploadRecord) bool {
			return gc.expired(cur, now)
		})
		if !ok {
			continue
		}
		result.EvictedCount++
		gcRecordsEvictedTotal.WithLabelValues(string(evicted.State.Kind)).Inc()
		gc.status.Remember(evicted)

		if evicted.State.Kind != model.StateComplete {
			if err := gc.store.Delete(evicted.ID); err != nil {
				gc.logger.Error("GC: ошибка удаления файла данных",
					slog.String("upload_id", evicted.ID),
					slog.String("error", err.Error()),
				)
				result.Errors++
			} else {
				result.DeletedCount++
			}
		}

		gc.logger.Debug("GC: запись вытеснена",
			slog.String("upload_id", evicted.ID),
			slog.String("state", evicted.State.String()),
		)
	}

	result.Duration = time.Since(start)

	gcRunsTotal.Inc()
	gcFilesDeletedTotal.Add(float64(result.DeletedCount))
	gcDurationSeconds.Observe(result.Duration.Seconds())

	gc.logger.Info("GC завершён",
		slog.Int("evicted", result.EvictedCount),
		slog.Int("deleted", result.DeletedCount),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// expired решает, истёк ли срок хранения записи.
func (gc *GCService) expired(rec model.UploadRecord, now time.Time) bool {
	age := now.Sub(rec.UpdatedAt)
	switch rec.State.Kind {
	case model.StateComplete, model.StateFailed:
		return gc.cfg.CompletedRetention > 0 && age > gc.cfg.CompletedRetention
	case model.StateBroken, model.StateUnInit:
		return gc.cfg.BrokenRetention > 0 && age > gc.cfg.BrokenRetention
	default:
		return false
	}
}
