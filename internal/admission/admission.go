// Пакет admission — контроль допуска новых загрузок (AdmissionController).
//
// Перед приёмом первого байта проверяется состояние хоста:
//  1. свободное место на томе данных ≥ requested + запас;
//  2. занятость памяти ниже порога;
//  3. счётчики сетевых ошибок за окно выборки не растут сверх порога.
//
// Проверки выполняются параллельно (errgroup). Решение принимается после
// завершения всех проверок; при нескольких отказах причина выбирается
// по порядку проверок выше.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/upload-service/internal/observability"
)

// DenyReason — машиночитаемая причина отказа.
type DenyReason string

const (
	// ReasonInsufficientDisk — на томе данных недостаточно места
	ReasonInsufficientDisk DenyReason = "insufficient_disk"
	// ReasonResourceContention — память хоста занята сверх порога
	ReasonResourceContention DenyReason = "resource_contention"
	// ReasonServerUnhealthy — сеть нездорова или проверка не выполнилась
	ReasonServerUnhealthy DenyReason = "server_unhealthy"
)

// sampleTicks — число промежуточных опросов сетевых счётчиков за окно.
const sampleTicks = 5

// errDenied прерывает выборку сети, если отказ уже решён проверкой диска.
var errDenied = errors.New("admission denied")

// Prometheus метрики контроля допуска
var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "up_admission_decisions_total",
		Help: "Количество решений контроля допуска",
	}, []string{"decision", "reason"})

	evaluateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "up_admission_duration_seconds",
		Help:    "Длительность оценки допуска в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 1, 2, 5},
	})
)

// Decision — результат оценки.
type Decision struct {
	Approved bool       `json:"approved"`
	Reason   DenyReason `json:"reason,omitempty"`
	Detail   string     `json:"detail,omitempty"`
}

// Approve возвращает положительное решение.
func Approve() Decision { return Decision{Approved: true} }

// Deny возвращает отказ с причиной.
func Deny(reason DenyReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Config — пороги контроля допуска.
type Config struct {
	// Enabled — при false все запросы одобряются без проверок
	Enabled bool
	// DataDir — том, свободное место на котором проверяется
	DataDir string
	// SafetyMargin — запас свободного места сверх запрошенного, байт
	SafetyMargin int64
	// MemoryThresholdPercent — максимальная занятость памяти, %
	MemoryThresholdPercent float64
	// NetErrorThreshold — максимальный прирост сетевых ошибок за окно
	NetErrorThreshold uint64
	// SampleWindow — окно выборки сетевых счётчиков
	SampleWindow time.Duration
}

// Probe — источник показателей хоста.
type Probe interface {
	// DiskFree — свободное для записи место на томе path, байт
	DiskFree(ctx context.Context, path string) (uint64, error)
	// MemoryUsedPercent — занятость оперативной памяти, %
	MemoryUsedPercent(ctx context.Context) (float64, error)
	// NetErrors — накопленная сумма ошибок приёма и передачи по всем интерфейсам
	NetErrors(ctx context.Context) (uint64, error)
}

// Controller — контроль допуска.
type Controller struct {
	cfg    Config
	probe  Probe
	logger *slog.Logger
}

// New создаёт контроллер допуска.
func New(cfg Config, probe Probe, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		probe:  probe,
		logger: logger.With(slog.String("component", "admission")),
	}
}

// Config возвращает текущие пороги (для /api/v1/info).
func (c *Controller) Config() Config { return c.cfg }

// verdict — результат одной проверки. Нулевое значение — проверка пройдена.
type verdict struct {
	denied bool
	reason DenyReason
	detail string
}

// Evaluate оценивает, можно ли принять новую загрузку размером requestedBytes.
// Не создаёт записей и не трогает файловую систему.
func (c *Controller) Evaluate(ctx context.Context, requestedBytes int64) Decision {
	if !c.cfg.Enabled {
		decisionsTotal.WithLabelValues("approved", "disabled").Inc()
		return Approve()
	}

	ctx, span := observability.StartSpan(ctx, "admission.evaluate",
		attribute.Int64("upload.requested_bytes", requestedBytes),
	)
	defer span.End()

	start := time.Now()
	decision := c.evaluate(ctx, requestedBytes)
	evaluateDuration.Observe(time.Since(start).Seconds())

	if decision.Approved {
		decisionsTotal.WithLabelValues("approved", "none").Inc()
		c.logger.Debug("Загрузка допущена", slog.Int64("requested_bytes", requestedBytes))
	} else {
		decisionsTotal.WithLabelValues("denied", string(decision.Reason)).Inc()
		span.SetStatus(codes.Error, string(decision.Reason))
		c.logger.Warn("Загрузка отклонена контролем допуска",
			slog.Int64("requested_bytes", requestedBytes),
			slog.String("reason", string(decision.Reason)),
			slog.String("detail", decision.Detail),
		)
	}
	span.SetAttributes(attribute.Bool("admission.approved", decision.Approved))

	return decision
}

func (c *Controller) evaluate(ctx context.Context, requestedBytes int64) Decision {
	var disk, memory, network verdict

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		disk = c.checkDisk(ctx, requestedBytes)
		if disk.denied {
			return errDenied
		}
		return nil
	})
	g.Go(func() error {
		memory = c.checkMemory(ctx)
		return nil
	})
	g.Go(func() error {
		network = c.checkNetwork(gctx)
		return nil
	})

	_ = g.Wait()

	// Порядок приоритета причин совпадает с порядком проверок
	for _, v := range []verdict{disk, memory, network} {
		if v.denied {
			return Deny(v.reason, v.detail)
		}
	}

	if err := ctx.Err(); err != nil {
		return Deny(ReasonServerUnhealthy, "оценка прервана: "+err.Error())
	}
	return Approve()
}

func (c *Controller) checkDisk(ctx context.Context, requestedBytes int64) verdict {
	free, err := c.probe.DiskFree(ctx, c.cfg.DataDir)
	if err != nil {
		return verdict{denied: true, reason: ReasonServerUnhealthy, detail: "ошибка проверки диска: " + err.Error()}
	}

	// Свободное место должно строго превышать запрошенное плюс запас
	need := uint64(max(requestedBytes, 0)) + uint64(max(c.cfg.SafetyMargin, 0))
	if free <= need {
		return verdict{
			denied: true,
			reason: ReasonInsufficientDisk,
			detail: fmt.Sprintf("свободно %s, требуется %s",
				units.BytesSize(float64(free)), units.BytesSize(float64(need))),
		}
	}
	return verdict{}
}

func (c *Controller) checkMemory(ctx context.Context) verdict {
	used, err := c.probe.MemoryUsedPercent(ctx)
	if err != nil {
		return verdict{denied: true, reason: ReasonServerUnhealthy, detail: "ошибка проверки памяти: " + err.Error()}
	}
	if used >= c.cfg.MemoryThresholdPercent {
		return verdict{
			denied: true,
			reason: ReasonResourceContention,
			detail: fmt.Sprintf("занято памяти %.1f%%, порог %.1f%%", used, c.cfg.MemoryThresholdPercent),
		}
	}
	return verdict{}
}

// checkNetwork опрашивает счётчики ошибок в течение окна выборки.
// Цикл ограничен фиксированным дедлайном; превышение порога даёт отказ сразу.
// Отмена контекста (отказ по диску) возвращает пустой вердикт.
func (c *Controller) checkNetwork(ctx context.Context) verdict {
	before, err := c.probe.NetErrors(ctx)
	if err != nil {
		return verdict{denied: true, reason: ReasonServerUnhealthy, detail: "ошибка чтения сетевых счётчиков: " + err.Error()}
	}

	window := c.cfg.SampleWindow
	if window <= 0 {
		return verdict{}
	}

	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(max(window/sampleTicks, time.Millisecond))
	defer ticker.Stop()

	sample := func() verdict {
		now, err := c.probe.NetErrors(ctx)
		if err != nil {
			return verdict{denied: true, reason: ReasonServerUnhealthy, detail: "ошибка чтения сетевых счётчиков: " + err.Error()}
		}
		// Счётчики могли сброситься (перезапуск интерфейса)
		var delta uint64
		if now > before {
			delta = now - before
		}
		if delta > c.cfg.NetErrorThreshold {
			return verdict{
				denied: true,
				reason: ReasonServerUnhealthy,
				detail: fmt.Sprintf("сетевых ошибок за окно: %d, порог %d", delta, c.cfg.NetErrorThreshold),
			}
		}
		return verdict{}
	}

	for {
		select {
		case <-ctx.Done():
			return verdict{}
		case <-ticker.C:
			if v := sample(); v.denied {
				return v
			}
		case <-deadline.C:
			return sample()
		}
	}
}
