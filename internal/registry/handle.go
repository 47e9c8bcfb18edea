package registry

import (
	"context"
	"sync/atomic"

	"github.com/bigkaa/goartstore/upload-service/internal/domain/lifecycle"
	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
)

// Handle — эксклюзивный доступ к одной записи.
// Пока Handle не освобождён, никто другой не может менять запись и её файл.
// Handle не предназначен для использования из нескольких горутин.
type Handle struct {
	reg      *Registry
	e        *entry
	id       string
	released atomic.Bool
}

// ID возвращает идентификатор записи.
func (h *Handle) ID() string { return h.id }

// Record возвращает текущий снимок записи.
func (h *Handle) Record() model.UploadRecord {
	return *h.e.snap.Load()
}

// SetState переводит запись в новое состояние.
// Переход проверяется lifecycle.Validate; новый снимок публикуется атомарно
// и сразу виден Snapshot. Прогресс InProgress → InProgress не журналируется.
func (h *Handle) SetState(ctx context.Context, next model.UploadState) error {
	if h.released.Load() {
		return ErrReleased
	}

	cur := h.e.snap.Load()
	if err := lifecycle.Validate(cur.DeclaredSize, cur.State, next); err != nil {
		return err
	}

	updated := *cur
	updated.State = next
	updated.UpdatedAt = h.reg.now()
	h.e.snap.Store(&updated)

	if cur.State.Kind != next.Kind {
		recordsGauge.WithLabelValues(string(cur.State.Kind)).Dec()
		recordsGauge.WithLabelValues(string(next.Kind)).Inc()
		h.reg.persist(ctx, &updated)
	}

	return nil
}

// Release освобождает эксклюзивную секцию. Повторный вызов безопасен.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.e.mu.Unlock()
	}
}
