// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bigkaa/goartstore/upload-service/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// pingTimeout — таймаут проверки журнала в readiness probe.
const pingTimeout = 2 * time.Second

// WritableChecker — проверка доступности директории данных (filestore.FileStore).
type WritableChecker interface {
	CheckWritable() error
}

// Pinger — проверка доступности журнала (journal.Journal).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	store   WritableChecker
	// journal — nil, если журнал отключён
	journal Pinger
	// ready — сверка журнала завершена, записи восстановлены
	ready atomic.Bool
}

// NewHealthHandler создаёт обработчик health endpoints.
// До вызова SetReady readiness probe отвечает 503.
func NewHealthHandler(store WritableChecker, journal Pinger) *HealthHandler {
	return &HealthHandler{
		version: config.Version,
		store:   store,
		journal: journal,
	}
}

// SetReady отмечает завершение стартовой сверки.
func (h *HealthHandler) SetReady() {
	h.ready.Store(true)
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "upload-service",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: завершение сверки, запись в директорию данных, доступность журнала.
// Недоступный журнал — "degraded" (200): загрузки продолжаются в памяти.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	startup := map[string]any{"status": "ok"}
	if !h.ready.Load() {
		startup = map[string]any{
			"status":  statusFail,
			"message": "Стартовая сверка журнала не завершена",
		}
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	fsCheck := h.checkFilesystem()
	if fsCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	journalCheck := h.checkJournal(r.Context())
	if journalCheck["status"] != "ok" && overallStatus != statusFail {
		overallStatus = "degraded"
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "upload-service",
		"checks": map[string]any{
			"startup":    startup,
			"filesystem": fsCheck,
			"journal":    journalCheck,
		},
	})
}

// checkFilesystem проверяет доступность директории данных на запись.
func (h *HealthHandler) checkFilesystem() map[string]any {
	if h.store == nil {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}
	if err := h.store.CheckWritable(); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": err.Error(),
		}
	}
	return map[string]any{"status": "ok"}
}

// checkJournal проверяет доступность журнала записей.
func (h *HealthHandler) checkJournal(ctx context.Context) map[string]any {
	if h.journal == nil {
		return map[string]any{
			"status":  "ok",
			"message": "Журнал отключён",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := h.journal.Ping(ctx); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Журнал недоступен: " + err.Error(),
		}
	}
	return map[string]any{"status": "ok"}
}
