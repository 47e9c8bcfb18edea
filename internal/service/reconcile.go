// reconcile.go — сверка журнала загрузок с файлами данных при старте.
//
// Журнал отражает последнее сохранённое состояние, а файл — фактически
// записанные байты. После аварийной остановки они расходятся:
//   - InProgress/Resume: попытка оборвалась вместе с процессом →
//     Broken(размер файла, не больше declared_size);
//   - Broken(n), файл короче n → Broken(размер файла);
//   - файл данных отсутствует (кроме UnInit и Failed) → Failed;
//   - orphaned_file: .part файл без записи (только лог и метрика, файл не удаляется);
//   - надгробие (вытесненная GC Complete запись) не возвращается в реестр,
//     его файл не считается orphan, а без файла надгробие удаляется из журнала.
//
// Исправленные записи сохраняются в журнал, затем все записи загружаются
// в реестр через Registry.Restore. Выполняется один раз до старта HTTP.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-service/internal/registry"
	"github.com/bigkaa/goartstore/upload-service/internal/storage/filestore"
)

// Типы проблем сверки (метка type метрики up_reconcile_issues_total).
const (
	IssueInterrupted     = "interrupted"
	IssueOffsetCorrected = "offset_corrected"
	IssueMissingFile     = "missing_file"
	IssueOrphanedFile    = "orphaned_file"
)

// Prometheus метрики Reconciliation
var (
	// reconcileRunsTotal — количество запусков reconciliation.
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "up_reconcile_runs_total",
		Help: "Общее количество запусков reconciliation",
	})

	// reconcileIssuesTotal — количество обнаруженных проблем по типу.
	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "up_reconcile_issues_total",
		Help: "Общее количество проблем, обнаруженных reconciliation",
	}, []string{"type"})

	// reconcileDurationSeconds — длительность выполнения reconciliation.
	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "up_reconcile_duration_seconds",
		Help:    "Длительность выполнения reconciliation в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// RecordStore — источник записей для сверки (journal.Journal).
type RecordStore interface {
	LoadAll(ctx context.Context) ([]model.UploadRecord, error)
	Save(ctx context.Context, rec *model.UploadRecord) error
	Delete(ctx context.Context, id string) error
}

// ReconcileIssue — одна обнаруженная проблема.
type ReconcileIssue struct {
	Type     string
	UploadID string
	// Description — что обнаружено и как исправлено
	Description string
}

// ReconcileResult — результат сверки.
type ReconcileResult struct {
	// Loaded — записей прочитано из журнала
	Loaded int
	// Restored — записей добавлено в реестр
	Restored int
	// Tombstones — надгробий с файлом на диске
	Tombstones int
	Issues     []ReconcileIssue
	Duration   time.Duration
}

// Count возвращает количество проблем заданного типа.
func (r *ReconcileResult) Count(issueType string) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Type == issueType {
			n++
		}
	}
	return n
}

// ReconcileService — сверка журнала с хранилищем.
type ReconcileService struct {
	records RecordStore
	store   *filestore.FileStore
	reg     *registry.Registry
	logger  *slog.Logger
	now     func() time.Time
}

// NewReconcileService создаёт сервис reconciliation.
// records может быть nil (журнал отключён): тогда проверяются только orphan-файлы.
func NewReconcileService(
	records RecordStore,
	store *filestore.FileStore,
	reg *registry.Registry,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		records: records,
		store:   store,
		reg:     reg,
		logger:  logger.With(slog.String("component", "reconcile")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce выполняет сверку и восстанавливает записи в реестре.
// Ошибка возвращается только если журнал не удалось прочитать.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, error) {
	start := time.Now()
	result := &ReconcileResult{}
	rs.logger.Info("Reconciliation начата")

	var records []model.UploadRecord
	if rs.records != nil {
		loaded, err := rs.records.LoadAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("чтение журнала загрузок: %w", err)
		}
		records = loaded
	}
	result.Loaded = len(records)

	known := make(map[string]bool, len(records))
	live := make([]model.UploadRecord, 0, len(records))
	for i := range records {
		rec := &records[i]

		if rec.EvictedAt != nil {
			if rs.keepTombstone(ctx, rec) {
				known[rec.ID] = true
				result.Tombstones++
			}
			continue
		}
		known[rec.ID] = true

		if issue, changed := rs.reconcileRecord(rec); changed {
			result.Issues = append(result.Issues, issue)

			rec.UpdatedAt = rs.now()
			if err := rs.records.Save(ctx, rec); err != nil {
				rs.logger.Warn("Ошибка сохранения исправленной записи",
					slog.String("upload_id", rec.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		live = append(live, *rec)
	}

	result.Issues = append(result.Issues, rs.findOrphans(known)...)
	result.Restored = rs.reg.Restore(live)
	result.Duration = time.Since(start)

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(result.Duration.Seconds())
	for _, issue := range result.Issues {
		reconcileIssuesTotal.WithLabelValues(issue.Type).Inc()
		rs.logger.Warn("Reconciliation: "+issue.Description,
			slog.String("type", issue.Type),
			slog.String("upload_id", issue.UploadID),
		)
	}

	rs.logger.Info("Reconciliation завершена",
		slog.Int("loaded", result.Loaded),
		slog.Int("restored", result.Restored),
		slog.Int("tombstones", result.Tombstones),
		slog.Int("issues", len(result.Issues)),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// reconcileRecord исправляет состояние записи по файлу данных.
// Возвращает true, если состояние изменено.
func (rs *ReconcileService) reconcileRecord(rec *model.UploadRecord) (ReconcileIssue, bool) {
	if rec.State.Kind == model.StateUnInit || rec.State.Kind == model.StateFailed {
		return ReconcileIssue{}, false
	}

	size, err := rs.store.Size(rec.ID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			rs.logger.Warn("Ошибка получения размера файла",
				slog.String("upload_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
		prev := rec.State
		rec.State = model.Failed()
		return ReconcileIssue{
			Type:        IssueMissingFile,
			UploadID:    rec.ID,
			Description: fmt.Sprintf("файл данных недоступен, %s → Failed", prev),
		}, true
	}

	switch rec.State.Kind {
	case model.StateInProgress, model.StateResume:
		prev := rec.State
		rec.State = model.Broken(min(size, rec.DeclaredSize))
		return ReconcileIssue{
			Type:        IssueInterrupted,
			UploadID:    rec.ID,
			Description: fmt.Sprintf("попытка прервана остановкой, %s → %s", prev, rec.State),
		}, true
	case model.StateBroken:
		if size < rec.State.Offset {
			prev := rec.State
			rec.State = model.Broken(size)
			return ReconcileIssue{
				Type:        IssueOffsetCorrected,
				UploadID:    rec.ID,
				Description: fmt.Sprintf("файл короче подтверждённого смещения, %s → %s", prev, rec.State),
			}, true
		}
	}
	return ReconcileIssue{}, false
}

// keepTombstone сообщает, остаётся ли надгробие в журнале. Надгробие без
// файла данных удаляется: вытеснять и защищать больше нечего.
func (rs *ReconcileService) keepTombstone(ctx context.Context, rec *model.UploadRecord) bool {
	if _, err := rs.store.Size(rec.ID); err == nil || !errors.Is(err, os.ErrNotExist) {
		return true
	}
	if err := rs.records.Delete(ctx, rec.ID); err != nil {
		rs.logger.Warn("Ошибка удаления надгробия из журнала",
			slog.String("upload_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return true
	}
	rs.logger.Debug("Надгробие без файла данных удалено",
		slog.String("upload_id", rec.ID),
	)
	return false
}

// findOrphans находит .part файлы без записи.
func (rs *ReconcileService) findOrphans(known map[string]bool) []ReconcileIssue {
	ids, err := rs.store.ListIDs()
	if err != nil {
		rs.logger.Error("Ошибка чтения директории данных",
			slog.String("error", err.Error()),
		)
		return nil
	}

	var issues []ReconcileIssue
	for _, id := range ids {
		if known[id] {
			continue
		}
		issues = append(issues, ReconcileIssue{
			Type:        IssueOrphanedFile,
			UploadID:    id,
			Description: "файл данных без записи загрузки",
		})
	}
	return issues
}
