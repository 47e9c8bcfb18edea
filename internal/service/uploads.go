// uploads.go — оркестрация новых загрузок, предварительного допуска,
// докачки и статуса. Точка входа для HTTP обработчиков.
//
// Контроль допуска выполняется при каждом создании записи: и в Schedule,
// и в Start без id. Start с id ранее запланированной (UnInit) записи
// допуск повторно не проходит, докачка — никогда.
package service

import (
	"context"
	"io"
	"log/slog"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/upload-service/internal/admission"
	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-service/internal/registry"
	"github.com/bigkaa/goartstore/upload-service/internal/storage/filestore"
)

// Admitter — контроль допуска (admission.Controller).
type Admitter interface {
	Evaluate(ctx context.Context, requestedBytes int64) admission.Decision
}

// NewUploadParams — параметры новой загрузки.
type NewUploadParams struct {
	// ID — id ранее запланированной загрузки (пусто — новая запись)
	ID string
	// Name — имя файла от клиента (только метаданные)
	Name string
	// DeclaredSize — полный заявленный размер
	DeclaredSize int64
	// ContentHash — хэш содержимого от клиента (не проверяется)
	ContentHash string
	// Body — поток байт
	Body io.Reader
}

// ScheduleParams — параметры предварительного допуска.
type ScheduleParams struct {
	Hash   string
	Length int64
	Name   string
}

// ScheduleResult — результат предварительного допуска.
type ScheduleResult struct {
	Decision admission.Decision
	// ID — id созданной UnInit записи (только при одобрении)
	ID string
}

// UploadService — сервис загрузок.
type UploadService struct {
	reg      *registry.Registry
	admit    Admitter
	ingester *Ingester
	resumer  *ResumeCoordinator
	status   *StatusReporter
	dataDir  string
	maxSize  int64
	logger   *slog.Logger
}

// NewUploadService создаёт сервис загрузок.
// maxSize — максимальный заявленный размер (0 — без ограничения).
func NewUploadService(
	reg *registry.Registry,
	admit Admitter,
	store *filestore.FileStore,
	ingester *Ingester,
	status *StatusReporter,
	maxSize int64,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		reg:      reg,
		admit:    admit,
		ingester: ingester,
		resumer:  NewResumeCoordinator(reg, store, ingester, logger),
		status:   status,
		dataDir:  store.DataDir(),
		maxSize:  maxSize,
		logger:   logger.With(slog.String("component", "uploads")),
	}
}

// Start принимает новую загрузку.
// Возвращает снимок записи после попытки; при ошибке до создания записи — пустой.
func (s *UploadService) Start(ctx context.Context, p NewUploadParams) (model.UploadRecord, error) {
	if p.Name == "" {
		return model.UploadRecord{}, HeaderMissingError(FieldFileName)
	}
	if err := s.validateSize(p.DeclaredSize); err != nil {
		return model.UploadRecord{}, err
	}

	if p.ID != "" {
		return s.startScheduled(ctx, p)
	}

	if err := s.admitNew(ctx, p.DeclaredSize); err != nil {
		return model.UploadRecord{}, err
	}

	rec := model.UploadRecord{
		ID:           uuid.NewString(),
		Destination:  s.dataDir,
		DeclaredName: filestore.SanitizeName(p.Name),
		DeclaredSize: p.DeclaredSize,
		ContentHash:  p.ContentHash,
		State:        model.UnInit(),
	}
	h, err := s.reg.Create(context.WithoutCancel(ctx), rec)
	if err != nil {
		return model.UploadRecord{}, taskFailure(err, "ошибка создания записи загрузки")
	}
	defer h.Release()

	s.logger.Info("Новая загрузка",
		slog.String("upload_id", rec.ID),
		slog.String("name", rec.DeclaredName),
		slog.Int64("declared_size", rec.DeclaredSize),
	)

	err = s.ingester.Ingest(ctx, h, p.Body, 0)
	return h.Record(), err
}

// startScheduled принимает тело для ранее запланированной UnInit записи.
func (s *UploadService) startScheduled(ctx context.Context, p NewUploadParams) (model.UploadRecord, error) {
	parsed, err := uuid.Parse(p.ID)
	if err != nil {
		return model.UploadRecord{}, InvalidFieldError(FieldID, "некорректный идентификатор загрузки")
	}
	id := parsed.String()

	h, err := s.reg.Acquire(id)
	if err != nil {
		return s.resumer.acquireFailed(id, err)
	}
	defer h.Release()

	rec := h.Record()
	if rec.State.Kind != model.StateUnInit {
		return rec, withID(InvalidFieldError(FieldID,
			"загрузка %s уже начата (состояние %s): используйте докачку", id, rec.State), id)
	}
	if rec.DeclaredSize != p.DeclaredSize {
		return rec, withID(fieldMismatch(FieldUploadLength,
			"заявленный размер %d не совпадает с запланированным %d", p.DeclaredSize, rec.DeclaredSize), id)
	}

	err = s.ingester.Ingest(ctx, h, p.Body, 0)
	return h.Record(), err
}

// Schedule выполняет предварительный допуск и при одобрении создаёт UnInit запись.
// Отказ допуска — не ошибка: он возвращается в ScheduleResult.Decision.
func (s *UploadService) Schedule(ctx context.Context, p ScheduleParams) (ScheduleResult, error) {
	if err := s.validateSize(p.Length); err != nil {
		return ScheduleResult{}, err
	}

	decision := s.admit.Evaluate(ctx, p.Length)
	if !decision.Approved {
		return ScheduleResult{Decision: decision}, nil
	}

	name := p.Name
	if name != "" {
		name = filestore.SanitizeName(name)
	}
	rec := model.UploadRecord{
		ID:           uuid.NewString(),
		Destination:  s.dataDir,
		DeclaredName: name,
		DeclaredSize: p.Length,
		ContentHash:  p.Hash,
		State:        model.UnInit(),
	}
	h, err := s.reg.Create(context.WithoutCancel(ctx), rec)
	if err != nil {
		return ScheduleResult{}, taskFailure(err, "ошибка создания записи загрузки")
	}
	h.Release()

	s.logger.Info("Загрузка запланирована",
		slog.String("upload_id", rec.ID),
		slog.Int64("declared_size", rec.DeclaredSize),
	)

	return ScheduleResult{Decision: decision, ID: rec.ID}, nil
}

// Resume продолжает прерванную загрузку.
func (s *UploadService) Resume(ctx context.Context, p ResumeParams) (model.UploadRecord, error) {
	return s.resumer.Resume(ctx, p)
}

// Status возвращает состояние загрузки; неизвестный id — UnInit.
func (s *UploadService) Status(id string) model.UploadState {
	return s.status.Status(id)
}

// Record возвращает снимок записи реестра.
func (s *UploadService) Record(id string) (model.UploadRecord, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.UploadRecord{}, false
	}
	return s.reg.Snapshot(parsed.String())
}

// admitNew прогоняет новую загрузку через контроль допуска.
func (s *UploadService) admitNew(ctx context.Context, size int64) error {
	decision := s.admit.Evaluate(ctx, size)
	if decision.Approved {
		return nil
	}
	return &UploadError{
		Kind:    KindResourceExhausted,
		Message: "загрузка отклонена: " + decision.Detail,
		Reason:  string(decision.Reason),
	}
}

func (s *UploadService) validateSize(size int64) error {
	if size < 0 {
		return InvalidFieldError(FieldUploadLength, "размер не может быть отрицательным: %d", size)
	}
	if s.maxSize > 0 && size > s.maxSize {
		return InvalidFieldError(FieldUploadLength, "размер %s превышает максимум %s",
			units.BytesSize(float64(size)), units.BytesSize(float64(s.maxSize)))
	}
	return nil
}
