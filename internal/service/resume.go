// resume.go — докачка прерванной загрузки (ResumeCoordinator).
//
// Все проверки выполняются до любого обращения к файлу. Порядок:
// id → существование → эксклюзивный доступ → состояние Broken →
// границы content_pointer → длины. После проверок файл открывается
// с позиции content_pointer (хвост отбрасывается), публикуется
// Resume(content_pointer) и приём продолжается тем же Ingester.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-service/internal/observability"
	"github.com/bigkaa/goartstore/upload-service/internal/registry"
	"github.com/bigkaa/goartstore/upload-service/internal/storage/filestore"
)

// ResumeParams — параметры запроса докачки.
type ResumeParams struct {
	// ID — идентификатор загрузки
	ID string
	// DeclaredLength — полный размер, заявленный клиентом в запросе докачки
	DeclaredLength int64
	// RemainingLength — сколько байт клиент отправит в этом запросе
	RemainingLength int64
	// ContentPointer — смещение, с которого продолжается запись
	ContentPointer int64
	// Body — оставшиеся байты
	Body io.Reader
}

// ResumeCoordinator — проверка и выполнение докачки.
type ResumeCoordinator struct {
	reg      *registry.Registry
	store    *filestore.FileStore
	ingester *Ingester
	logger   *slog.Logger
}

// NewResumeCoordinator создаёт координатор докачки.
func NewResumeCoordinator(
	reg *registry.Registry,
	store *filestore.FileStore,
	ingester *Ingester,
	logger *slog.Logger,
) *ResumeCoordinator {
	return &ResumeCoordinator{
		reg:      reg,
		store:    store,
		ingester: ingester,
		logger:   logger.With(slog.String("component", "resume")),
	}
}

// Resume проверяет запрос и продолжает запись с ContentPointer.
// Возвращает снимок записи после попытки (пустой, если запись не найдена).
func (rc *ResumeCoordinator) Resume(ctx context.Context, p ResumeParams) (model.UploadRecord, error) {
	parsed, err := uuid.Parse(p.ID)
	if err != nil {
		return model.UploadRecord{}, InvalidFieldError(FieldID, "некорректный идентификатор загрузки")
	}
	id := parsed.String()

	ctx, span := observability.StartSpan(ctx, "upload.resume",
		attribute.String("upload.id", id),
		attribute.Int64("upload.content_pointer", p.ContentPointer),
		attribute.Int64("upload.remaining", p.RemainingLength),
	)
	defer span.End()

	h, err := rc.reg.Acquire(id)
	if err != nil {
		return rc.acquireFailed(id, err)
	}
	defer h.Release()

	rec := h.Record()
	if err := validateResume(&rec, p); err != nil {
		return rec, withID(err, id)
	}

	f, err := rc.store.OpenAt(id, p.ContentPointer)
	if err != nil {
		rc.ingester.fail(context.WithoutCancel(ctx), h, p.ContentPointer)
		return h.Record(), withID(ioError(err, "не удалось открыть файл данных для докачки"), id)
	}

	if err := h.SetState(context.WithoutCancel(ctx), model.Resume(p.ContentPointer)); err != nil {
		f.Close()
		return h.Record(), withID(taskFailure(err, "недопустимый переход в Resume"), id)
	}

	rc.logger.Info("Докачка принята",
		slog.String("upload_id", id),
		slog.Int64("content_pointer", p.ContentPointer),
		slog.Int64("confirmed_offset", rec.State.Offset),
		slog.Int64("declared_size", rec.DeclaredSize),
	)

	err = rc.ingester.Stream(ctx, h, f, p.Body, p.ContentPointer)
	return h.Record(), err
}

// validateResume проверяет запрос докачки против записи. Файл не трогается.
func validateResume(rec *model.UploadRecord, p ResumeParams) *UploadError {
	if rec.State.Kind != model.StateBroken {
		return InvalidFieldError(FieldID,
			"докачка возможна только из состояния Broken, текущее состояние %s", rec.State)
	}

	if p.ContentPointer <= 0 || p.ContentPointer >= rec.DeclaredSize {
		return InvalidFieldError(FieldContentPointer,
			"content_pointer должен быть в диапазоне (0, %d), получено %d", rec.DeclaredSize, p.ContentPointer)
	}

	if p.ContentPointer > rec.State.Offset {
		return InvalidFieldError(FieldContentPointer,
			"content_pointer %d больше подтверждённого смещения %d", p.ContentPointer, rec.State.Offset)
	}

	if p.RemainingLength <= 0 {
		return InvalidFieldError(FieldContentLength,
			"длина оставшихся данных должна быть больше 0, получено %d", p.RemainingLength)
	}

	if p.DeclaredLength != rec.DeclaredSize {
		return fieldMismatch(FieldUploadLength,
			"заявленный размер %d не совпадает с размером загрузки %d", p.DeclaredLength, rec.DeclaredSize)
	}

	if p.ContentPointer+p.RemainingLength != rec.DeclaredSize {
		return fieldMismatch(FieldContentLength,
			"content_pointer %d + длина %d не равны размеру загрузки %d",
			p.ContentPointer, p.RemainingLength, rec.DeclaredSize)
	}

	return nil
}

// acquireFailed переводит ошибку реестра в UploadError.
func (rc *ResumeCoordinator) acquireFailed(id string, err error) (model.UploadRecord, error) {
	switch {
	case errors.Is(err, registry.ErrJobNotFound):
		return model.UploadRecord{}, &UploadError{
			Kind:    KindJobNotFound,
			Field:   FieldID,
			Message: "загрузка " + id + " не найдена",
			Err:     err,
		}
	case errors.Is(err, registry.ErrJobBusy):
		rec, _ := rc.reg.Snapshot(id)
		return rec, &UploadError{
			Kind:     KindJobBusy,
			Field:    FieldID,
			Message:  "загрузка " + id + " уже обрабатывается другим запросом",
			UploadID: id,
			Err:      err,
		}
	default:
		return model.UploadRecord{}, taskFailure(err, "ошибка доступа к загрузке")
	}
}
