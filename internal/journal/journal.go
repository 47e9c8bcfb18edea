// Пакет journal — необязательный журнал записей загрузок.
//
// Журнал хранит снимки UploadRecord на переходах состояний (кроме
// прогресса InProgress → InProgress), чтобы после рестарта реестр можно
// было восстановить и докачка прерванных загрузок оставалась возможной.
// Вытесненная Complete запись остаётся в журнале надгробием (EvictedAt),
// пока на диске лежит её файл данных.
//
// Бэкенды:
//   - file — JSON файл на запись в отдельной директории (атомарная запись);
//   - postgres — таблица upload_records (миграции golang-migrate).
package journal

import (
	"context"

	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
)

// Типы журнала (UP_JOURNAL).
const (
	KindFile     = "file"
	KindPostgres = "postgres"
)

// Journal — персистентное хранилище снимков записей.
type Journal interface {
	// Save сохраняет (создаёт или заменяет) снимок записи.
	Save(ctx context.Context, rec *model.UploadRecord) error
	// Delete удаляет снимок. Отсутствующая запись — не ошибка.
	Delete(ctx context.Context, id string) error
	// LoadAll возвращает все сохранённые снимки.
	LoadAll(ctx context.Context) ([]model.UploadRecord, error)
	// Ping проверяет доступность хранилища (readiness).
	Ping(ctx context.Context) error
	// Close освобождает ресурсы.
	Close() error
}
