package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
)

// RecordSuffix — суффикс файла снимка записи.
const RecordSuffix = ".upload.json"

// FileJournal — журнал в виде JSON файлов {id}.upload.json.
// Запись атомарная: temp → fsync → rename.
type FileJournal struct {
	dir    string
	logger *slog.Logger
}

// NewFileJournal создаёт файловый журнал в директории dir.
func NewFileJournal(dir string, logger *slog.Logger) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию журнала %s: %w", dir, err)
	}
	return &FileJournal{
		dir:    dir,
		logger: logger.With(slog.String("component", "journal"), slog.String("backend", KindFile)),
	}, nil
}

func (j *FileJournal) path(id string) string {
	return filepath.Join(j.dir, id+RecordSuffix)
}

// Save атомарно записывает снимок записи.
func (j *FileJournal) Save(_ context.Context, rec *model.UploadRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи %s: %w", rec.ID, err)
	}

	path := j.path(rec.ID)
	f, err := os.CreateTemp(j.dir, rec.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// Delete удаляет снимок записи.
func (j *FileJournal) Delete(_ context.Context, id string) error {
	err := os.Remove(j.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления снимка %s: %w", id, err)
	}
	return nil
}

// LoadAll читает все снимки. Невалидные файлы пропускаются с предупреждением.
func (j *FileJournal) LoadAll(_ context.Context) ([]model.UploadRecord, error) {
	matches, err := filepath.Glob(filepath.Join(j.dir, "*"+RecordSuffix))
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования журнала %s: %w", j.dir, err)
	}

	result := make([]model.UploadRecord, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			j.logger.Warn("Ошибка чтения снимка", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}

		var rec model.UploadRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			j.logger.Warn("Невалидный снимок пропущен", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}

		// Имя файла — источник истины для id
		if want := strings.TrimSuffix(filepath.Base(path), RecordSuffix); rec.ID != want {
			j.logger.Warn("id снимка не совпадает с именем файла",
				slog.String("path", path),
				slog.String("id", rec.ID),
			)
			continue
		}

		result = append(result, rec)
	}

	return result, nil
}

// Ping проверяет, что директория журнала существует.
func (j *FileJournal) Ping(_ context.Context) error {
	info, err := os.Stat(j.dir)
	if err != nil {
		return fmt.Errorf("директория журнала недоступна: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s не является директорией", j.dir)
	}
	return nil
}

// Close ничего не делает: файловый журнал не держит ресурсов.
func (j *FileJournal) Close() error { return nil }
