// Пакет filestore — файлы данных загрузок на диске.
// Каждая загрузка — ровно один файл {id}.part в директории данных.
// Клиентское имя файла на диск не попадает.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
)

const (
	// filePerm — права на файлы данных
	filePerm = 0o640
	// maxNameRunes — максимальная длина очищенного имени
	maxNameRunes = 128
)

// ErrInvalidID — id не может использоваться как имя файла.
var ErrInvalidID = errors.New("недопустимый идентификатор файла")

// FileStore — управление файлами данных загрузок.
type FileStore struct {
	// dataDir — директория файлов данных (UP_DATA_DIR)
	dataDir string
}

// New создаёт FileStore. Создаёт директорию, если она не существует.
func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}

	return &FileStore{dataDir: dataDir}, nil
}

// DataDir возвращает путь к директории данных.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// Path возвращает полный путь к файлу данных загрузки.
func (fs *FileStore) Path(id string) string {
	return filepath.Join(fs.dataDir, id+model.PartSuffix)
}

func (fs *FileStore) checkedPath(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return fs.Path(id), nil
}

// Create создаёт (или обнуляет) файл данных и открывает его на запись.
// Вызывающий код обязан закрыть файл.
func (fs *FileStore) Create(id string) (*os.File, error) {
	path, err := fs.checkedPath(id)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания файла %s: %w", path, err)
	}
	return f, nil
}

// OpenAt открывает существующий файл данных на запись с позиции offset.
// Всё, что лежит после offset, отбрасывается.
func (fs *FileStore) OpenAt(id string, offset int64) (*os.File, error) {
	path, err := fs.checkedPath(id)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY, filePerm)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}

	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка усечения файла %s до %d: %w", path, offset, err)
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка позиционирования в файле %s на %d: %w", path, offset, err)
	}

	return f, nil
}

// Delete удаляет файл данных. Возвращает nil, если файла уже нет.
func (fs *FileStore) Delete(id string) error {
	path, err := fs.checkedPath(id)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", path, err)
	}
	return nil
}

// Size возвращает размер файла данных.
// Для отсутствующего файла ошибка удовлетворяет errors.Is(err, os.ErrNotExist).
func (fs *FileStore) Size(id string) (int64, error) {
	path, err := fs.checkedPath(id)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("ошибка получения информации о файле %s: %w", path, err)
	}
	return info.Size(), nil
}

// ListIDs возвращает id всех файлов данных (*.part) в директории.
func (fs *FileStore) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", fs.dataDir, err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), model.PartSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), model.PartSuffix))
	}
	return ids, nil
}

// CheckWritable проверяет, что в директорию данных можно писать.
// Используется readiness probe.
func (fs *FileStore) CheckWritable() error {
	f, err := os.CreateTemp(fs.dataDir, ".probe-*")
	if err != nil {
		return fmt.Errorf("директория данных недоступна для записи: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// SanitizeName очищает клиентское имя файла для логов и метаданных.
// Оставляет буквы, цифры, точку, дефис и подчёркивание.
func SanitizeName(s string) string {
	s = filepath.Base(s)
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' ||
			(r >= 0x0400 && r <= 0x04FF) { // Кириллица
			result.WriteRune(r)
		}
	}
	name := strings.TrimLeft(result.String(), ".")
	if name == "" {
		return "file"
	}
	if runes := []rune(name); len(runes) > maxNameRunes {
		name = string(runes[:maxNameRunes])
	}
	return name
}
