package journal

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Connect создаёт пул подключений к PostgreSQL и проверяет доступность.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	logger.Info("Подключение к PostgreSQL установлено",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.Int("port", int(poolCfg.ConnConfig.Port)),
		slog.String("database", poolCfg.ConnConfig.Database),
	)

	return pool, nil
}

// Migrate применяет встроенные SQL-миграции (golang-migrate, драйвер pgx5).
func Migrate(dsn string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	dbURL, err := migrateURL(dsn)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции применены",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)

	return nil
}

// migrateURL переводит postgres:// DSN в схему pgx5:// драйвера golang-migrate.
func migrateURL(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("ошибка парсинга DSN: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql", "pgx5":
		u.Scheme = "pgx5"
	default:
		return "", fmt.Errorf("неподдерживаемая схема DSN: %q", u.Scheme)
	}
	return u.String(), nil
}

// PostgresJournal — журнал в таблице upload_records.
type PostgresJournal struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresJournal создаёт журнал поверх готового пула.
// Миграции должны быть применены заранее (Migrate).
func NewPostgresJournal(pool *pgxpool.Pool, logger *slog.Logger) *PostgresJournal {
	return &PostgresJournal{
		pool:   pool,
		logger: logger.With(slog.String("component", "journal"), slog.String("backend", KindPostgres)),
	}
}

// Pool возвращает пул подключений (для dephealth).
func (j *PostgresJournal) Pool() *pgxpool.Pool { return j.pool }

// Save вставляет или обновляет снимок записи.
func (j *PostgresJournal) Save(ctx context.Context, rec *model.UploadRecord) error {
	query := `
		INSERT INTO upload_records (id, destination, declared_name, declared_size,
			content_hash, state, state_offset, created_at, updated_at, evicted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			state_offset = EXCLUDED.state_offset,
			updated_at = EXCLUDED.updated_at,
			evicted_at = EXCLUDED.evicted_at`

	_, err := j.pool.Exec(ctx, query,
		rec.ID, rec.Destination, rec.DeclaredName, rec.DeclaredSize,
		rec.ContentHash, string(rec.State.Kind), rec.State.Offset,
		rec.CreatedAt, rec.UpdatedAt, rec.EvictedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения записи %s: %w", rec.ID, err)
	}
	return nil
}

// Delete удаляет снимок записи.
func (j *PostgresJournal) Delete(ctx context.Context, id string) error {
	if _, err := j.pool.Exec(ctx, `DELETE FROM upload_records WHERE id = $1`, id); err != nil {
		return fmt.Errorf("ошибка удаления записи %s: %w", id, err)
	}
	return nil
}

// LoadAll возвращает все снимки, упорядоченные по времени создания.
func (j *PostgresJournal) LoadAll(ctx context.Context) ([]model.UploadRecord, error) {
	query := `
		SELECT id, destination, declared_name, declared_size, content_hash,
			state, state_offset, created_at, updated_at, evicted_at
		FROM upload_records
		ORDER BY created_at`

	rows, err := j.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения журнала: %w", err)
	}
	defer rows.Close()

	var result []model.UploadRecord
	for rows.Next() {
		var (
			rec  model.UploadRecord
			kind string
		)
		if err := rows.Scan(
			&rec.ID, &rec.Destination, &rec.DeclaredName, &rec.DeclaredSize, &rec.ContentHash,
			&kind, &rec.State.Offset, &rec.CreatedAt, &rec.UpdatedAt, &rec.EvictedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		rec.State.Kind = model.StateKind(kind)
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		if rec.EvictedAt != nil {
			evictedAt := rec.EvictedAt.UTC()
			rec.EvictedAt = &evictedAt
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации журнала: %w", err)
	}

	return result, nil
}

// Ping проверяет подключение к PostgreSQL.
func (j *PostgresJournal) Ping(ctx context.Context) error {
	if err := j.pool.Ping(ctx); err != nil {
		return fmt.Errorf("PostgreSQL недоступен: %w", err)
	}
	return nil
}

// Close закрывает пул подключений.
func (j *PostgresJournal) Close() error {
	j.pool.Close()
	return nil
}
