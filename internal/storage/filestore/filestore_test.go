package filestore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// TestNew_CreatesDirectory проверяет создание директории данных.
func TestNew_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	fs, err := New(dir)
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}

	if fs.DataDir() != dir {
		t.Errorf("ожидался путь %s, получен %s", dir, fs.DataDir())
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("директория не создана: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("путь не является директорией")
	}
}

// TestCreate_NamedByID проверяет, что файл называется {id}.part.
func TestCreate_NamedByID(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir)
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}

	f, err := fs.Create("abc")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	if _, err := os.Stat(filepath.Join(dir, "abc.part")); err != nil {
		t.Fatalf("файл abc.part не создан: %v", err)
	}

	size, err := fs.Size("abc")
	if err != nil || size != 5 {
		t.Errorf("Size: хотели 5, получили %d (%v)", size, err)
	}
}

// TestCreate_RejectsPathInjection проверяет, что id с путём отклоняется.
func TestCreate_RejectsPathInjection(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}

	for _, id := range []string{"", "..", "../etc/passwd", "a/b", `a\b`} {
		if _, err := fs.Create(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Create(%q): ожидалась ErrInvalidID, получено %v", id, err)
		}
	}
}

// TestOpenAt_TruncatesAndSeeks проверяет, что OpenAt отбрасывает хвост
// после offset и пишет с этой позиции, не трогая начало файла.
func TestOpenAt_TruncatesAndSeeks(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir)
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}

	if err := os.WriteFile(fs.Path("r"), []byte("0123456789XXXX"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := fs.OpenAt("r", 10)
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	if _, err := f.Write([]byte("ab")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	got, err := os.ReadFile(fs.Path("r"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, []byte("0123456789ab")) {
		t.Errorf("содержимое: хотели %q, получили %q", "0123456789ab", got)
	}
}

// TestOpenAt_MissingFile проверяет ошибку для отсутствующего файла.
func TestOpenAt_MissingFile(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}
	if _, err := fs.OpenAt("missing", 5); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ожидалась os.ErrNotExist, получено %v", err)
	}
}

// TestDelete_Idempotent проверяет удаление существующего и отсутствующего файла.
func TestDelete_Idempotent(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}

	f, err := fs.Create("d")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.Close()

	if err := fs.Delete("d"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := fs.Delete("d"); err != nil {
		t.Errorf("повторный Delete: %v", err)
	}
	if _, err := fs.Size("d"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Size после удаления: ожидалась os.ErrNotExist, получено %v", err)
	}
}

// TestListIDs проверяет, что в список попадают только *.part файлы.
func TestListIDs(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir)
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}

	for _, name := range []string{"a.part", "b.part", "c.upload.json", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o640); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.part"), 0o750); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	ids, err := fs.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("ListIDs: хотели [a b], получили %v", ids)
	}
}

// TestCheckWritable проверяет probe записи и отсутствие следов после него.
func TestCheckWritable(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir)
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}

	if err := fs.CheckWritable(); err != nil {
		t.Fatalf("CheckWritable: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("после probe остались файлы: %d", len(entries))
	}
}

// TestSanitizeName проверяет очистку клиентского имени.
func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"photo.jpg", "photo.jpg"},
		{"../../etc/passwd", "passwd"},
		{"мой файл.txt", "мойфайл.txt"},
		{"...", "file"},
		{"", "file"},
		{".hidden", "hidden"},
	}

	for _, tt := range tests {
		if got := SanitizeName(tt.input); got != tt.want {
			t.Errorf("SanitizeName(%q): хотели %q, получили %q", tt.input, tt.want, got)
		}
	}
}
