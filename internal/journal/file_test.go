package journal

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRecord(id string, state model.UploadState) *model.UploadRecord {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.UploadRecord{
		ID:           id,
		Destination:  "/data",
		DeclaredName: "video.mp4",
		DeclaredSize: 1000,
		ContentHash:  "sha256:abc",
		State:        state,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestFileJournal_SaveAndLoad(t *testing.T) {
	j, err := NewFileJournal(filepath.Join(t.TempDir(), "journal"), testLogger())
	if err != nil {
		t.Fatalf("NewFileJournal: %v", err)
	}
	ctx := context.Background()

	if err := j.Save(ctx, testRecord("a", model.Broken(900))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := j.Save(ctx, testRecord("b", model.Complete())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Повторное сохранение заменяет снимок
	if err := j.Save(ctx, testRecord("a", model.Resume(900))); err != nil {
		t.Fatalf("Save: %v", err)
	}

	records, err := j.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("LoadAll: хотели 2 записи, получили %d", len(records))
	}

	byID := map[string]model.UploadRecord{}
	for _, r := range records {
		byID[r.ID] = r
	}
	if byID["a"].State != model.Resume(900) {
		t.Errorf("a.State: хотели Resume(900), получили %s", byID["a"].State)
	}
	if byID["b"].State != model.Complete() {
		t.Errorf("b.State: хотели Complete, получили %s", byID["b"].State)
	}
	if byID["a"].ContentHash != "sha256:abc" || byID["a"].DeclaredSize != 1000 {
		t.Errorf("поля записи не сохранились: %+v", byID["a"])
	}
}

func TestFileJournal_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFileJournal(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileJournal: %v", err)
	}
	if err := j.Save(context.Background(), testRecord("x", model.UnInit())); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "x"+RecordSuffix {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("в директории журнала ожидался один файл x%s, получено %v", RecordSuffix, names)
	}
}

func TestFileJournal_Delete(t *testing.T) {
	j, err := NewFileJournal(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewFileJournal: %v", err)
	}
	ctx := context.Background()

	if err := j.Save(ctx, testRecord("d", model.Failed())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := j.Delete(ctx, "d"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := j.Delete(ctx, "d"); err != nil {
		t.Errorf("повторный Delete: %v", err)
	}

	records, _ := j.LoadAll(ctx)
	if len(records) != 0 {
		t.Errorf("после Delete осталось %d записей", len(records))
	}
}

func TestFileJournal_SkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFileJournal(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileJournal: %v", err)
	}
	ctx := context.Background()

	if err := j.Save(ctx, testRecord("good", model.Broken(10))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad"+RecordSuffix), []byte("{not json"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// Снимок, переименованный вручную: id не совпадает с именем файла
	data, _ := os.ReadFile(filepath.Join(dir, "good"+RecordSuffix))
	if err := os.WriteFile(filepath.Join(dir, "other"+RecordSuffix), data, 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	records, err := j.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(records) != 1 || records[0].ID != "good" {
		t.Errorf("LoadAll: ожидалась только запись good, получено %v", records)
	}
}

func TestFileJournal_Tombstone(t *testing.T) {
	j, err := NewFileJournal(filepath.Join(t.TempDir(), "journal"), testLogger())
	if err != nil {
		t.Fatalf("NewFileJournal: %v", err)
	}
	ctx := context.Background()

	rec := testRecord("t", model.Complete())
	evictedAt := rec.UpdatedAt.Add(time.Hour)
	rec.EvictedAt = &evictedAt
	if err := j.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	records, err := j.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(records) != 1 || records[0].EvictedAt == nil {
		t.Fatalf("ожидалось одно надгробие, получено %+v", records)
	}
	if !records[0].EvictedAt.Equal(evictedAt) {
		t.Errorf("EvictedAt: хотели %s, получили %s", evictedAt, records[0].EvictedAt)
	}
}

func TestFileJournal_Ping(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "j")
	j, err := NewFileJournal(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileJournal: %v", err)
	}
	if err := j.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	os.RemoveAll(dir)
	if err := j.Ping(context.Background()); err == nil {
		t.Error("Ping должен вернуть ошибку для удалённой директории")
	}
}

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		dsn     string
		want    string
		wantErr bool
	}{
		{"postgres://u:p@localhost:5432/db?sslmode=disable", "pgx5://u:p@localhost:5432/db?sslmode=disable", false},
		{"postgresql://u@h/db", "pgx5://u@h/db", false},
		{"mysql://u@h/db", "", true},
	}

	for _, tt := range tests {
		got, err := migrateURL(tt.dsn)
		if (err != nil) != tt.wantErr {
			t.Errorf("migrateURL(%q): ошибка %v, ожидалась ошибка=%v", tt.dsn, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("migrateURL(%q): хотели %q, получили %q", tt.dsn, tt.want, got)
		}
	}
}
