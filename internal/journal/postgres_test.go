package journal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
)

// setupTestDB запускает PostgreSQL в Docker-контейнере через testcontainers
// и возвращает DSN. Тест пропускается без TEST_INTEGRATION.
func setupTestDB(t *testing.T) string {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("uploads_test"),
		postgres.WithUsername("uploads"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Не удалось получить DSN контейнера: %v", err)
	}
	return dsn
}

func TestPostgresJournal(t *testing.T) {
	dsn := setupTestDB(t)
	ctx := context.Background()
	logger := testLogger()

	if err := Migrate(dsn, logger); err != nil {
		t.Fatalf("Migrate() вернул ошибку: %v", err)
	}
	// Повторное применение — без ошибки (ErrNoChange)
	if err := Migrate(dsn, logger); err != nil {
		t.Fatalf("Повторный Migrate() вернул ошибку: %v", err)
	}

	pool, err := Connect(ctx, dsn, logger)
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	j := NewPostgresJournal(pool, logger)
	defer j.Close()

	if err := j.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	if err := j.Save(ctx, testRecord("p1", model.UnInit())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	updated := testRecord("p1", model.Broken(900))
	updated.UpdatedAt = updated.UpdatedAt.Add(time.Minute)
	if err := j.Save(ctx, updated); err != nil {
		t.Fatalf("Save (upsert): %v", err)
	}
	if err := j.Save(ctx, testRecord("p2", model.Complete())); err != nil {
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
	if byID["p1"].State != model.Broken(900) {
		t.Errorf("p1.State: хотели Broken(900), получили %s", byID["p1"].State)
	}
	if !byID["p1"].UpdatedAt.Equal(updated.UpdatedAt) {
		t.Errorf("p1.UpdatedAt: хотели %s, получили %s", updated.UpdatedAt, byID["p1"].UpdatedAt)
	}
	if byID["p2"].State != model.Complete() {
		t.Errorf("p2.State: хотели Complete, получили %s", byID["p2"].State)
	}
	if byID["p2"].EvictedAt != nil {
		t.Errorf("p2.EvictedAt: хотели nil, получили %v", byID["p2"].EvictedAt)
	}

	if err := j.Delete(ctx, "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	records, _ = j.LoadAll(ctx)
	if len(records) != 1 || records[0].ID != "p2" {
		t.Errorf("после Delete ожидалась только p2, получено %v", records)
	}

	// Надгробие: upsert проставляет evicted_at
	tomb := testRecord("p2", model.Complete())
	evictedAt := tomb.UpdatedAt.Add(time.Hour)
	tomb.EvictedAt = &evictedAt
	if err := j.Save(ctx, tomb); err != nil {
		t.Fatalf("Save (надгробие): %v", err)
	}
	records, _ = j.LoadAll(ctx)
	if len(records) != 1 || records[0].EvictedAt == nil || !records[0].EvictedAt.Equal(evictedAt) {
		t.Errorf("надгробие p2: получено %+v", records)
	}
}
