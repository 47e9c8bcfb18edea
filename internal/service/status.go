// status.go — чтение состояния загрузки для опроса клиентами (StatusReporter).
// Неизвестный id — не ошибка: возвращается UnInit.
package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-service/internal/registry"
)

// Prometheus-метрики кэша вытесненных состояний.
var (
	statusCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "up_status_cache_hits_total",
		Help: "Количество ответов о статусе из кэша вытесненных записей",
	})
	statusCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "up_status_cache_misses_total",
		Help: "Количество запросов статуса, не найденных ни в реестре, ни в кэше",
	})
)

// StatusReporter — проекция состояния записи только для чтения.
// Сначала читается снимок реестра (без ожидания мутатора), затем LRU
// терминальных состояний записей, вытесненных GC.
type StatusReporter struct {
	reg     *registry.Registry
	evicted *expirable.LRU[string, model.UploadState]
}

// NewStatusReporter создаёт StatusReporter.
// cacheSize — ёмкость LRU вытесненных состояний, ttl — время жизни элемента.
func NewStatusReporter(reg *registry.Registry, cacheSize int, ttl time.Duration) *StatusReporter {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	return &StatusReporter{
		reg:     reg,
		evicted: expirable.NewLRU[string, model.UploadState](cacheSize, nil, ttl),
	}
}

// Status возвращает текущее состояние загрузки.
func (s *StatusReporter) Status(id string) model.UploadState {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.UnInit()
	}
	id = parsed.String()

	if rec, ok := s.reg.Snapshot(id); ok {
		return rec.State
	}

	if state, ok := s.evicted.Get(id); ok {
		statusCacheHitsTotal.Inc()
		return state
	}
	statusCacheMissesTotal.Inc()
	return model.UnInit()
}

// Remember сохраняет терминальное состояние вытесненной записи.
// Нетерминальные состояния не запоминаются: после вытеснения докачка невозможна.
func (s *StatusReporter) Remember(rec model.UploadRecord) {
	if rec.State.IsTerminal() {
		s.evicted.Add(rec.ID, rec.State)
	}
}
