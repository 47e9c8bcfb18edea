// Пакет config — загрузка и валидация конфигурации Upload Service
// из переменных окружения и (опционально) YAML-файла.
//
// Переменные окружения UP_* имеют приоритет над файлом UP_CONFIG_FILE.
// Ключи файла — имена переменных без префикса в нижнем регистре
// (data_dir, max_upload_size, gc_interval, ...).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Префикс переменных окружения.
const envPrefix = "UP_"

// Допустимые значения UP_JOURNAL.
const (
	JournalNone     = "none"
	JournalFile     = "file"
	JournalPostgres = "postgres"
)

// Config содержит все параметры конфигурации Upload Service.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Имя вершины графа в метриках topologymetrics
	ServiceID string
	// Путь к директории файлов данных
	DataDir string
	// Путь к TLS сертификату (опционально, вместе с TLSKey)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Максимальный заявленный размер загрузки в байтах
	MaxUploadSize int64
	// Размер буфера записи в файл
	WriteBufferSize int64

	// Контроль допуска
	AdmissionEnabled       bool
	DiskSafetyMargin       int64
	MemoryThresholdPercent float64
	NetErrorThreshold      uint64
	AdmissionSampleWindow  time.Duration

	// Журнал записей: none, file, postgres
	Journal    string
	JournalDir string
	// DSN PostgreSQL (обязателен для UP_JOURNAL=postgres)
	DatabaseURL string

	GCInterval         time.Duration
	CompletedRetention time.Duration
	BrokenRetention    time.Duration

	// Кэш терминальных состояний вытесненных записей
	StatusCacheSize int
	StatusCacheTTL  time.Duration

	// Таймауты HTTP-сервера. ReadTimeout 0 — без ограничения (загрузки длинные).
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	ShutdownTimeout  time.Duration

	// Трассировка: none, stdout, otlphttp
	OtelExporter string
	OtelEndpoint string

	DephealthCheckInterval time.Duration
	DephealthGroup         string
}

// TLSEnabled сообщает, заданы ли сертификат и ключ.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// Load загружает конфигурацию, валидирует её и возвращает Config или ошибку.
func Load() (*Config, error) {
	src, err := newSource(os.Getenv(envPrefix + "CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	return load(src)
}

func load(src *source) (*Config, error) {
	cfg := &Config{}
	var err error

	// UP_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = src.getInt("UP_PORT", 8040)
	if err != nil {
		return nil, err
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("UP_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.ServiceID = src.getDefault("UP_SERVICE_ID", "upload-service")

	// UP_DATA_DIR — обязательный
	cfg.DataDir, err = src.getRequired("UP_DATA_DIR")
	if err != nil {
		return nil, err
	}

	cfg.TLSCert = src.getDefault("UP_TLS_CERT", "")
	cfg.TLSKey = src.getDefault("UP_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("UP_TLS_CERT и UP_TLS_KEY задаются только вместе")
	}

	cfg.LogLevel, err = parseLogLevel(src.getDefault("UP_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("UP_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = src.getDefault("UP_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("UP_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// UP_MAX_UPLOAD_SIZE — максимальный размер загрузки (по умолчанию 10GiB)
	cfg.MaxUploadSize, err = src.getBytes("UP_MAX_UPLOAD_SIZE", 10*units.GiB)
	if err != nil {
		return nil, err
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("UP_MAX_UPLOAD_SIZE: значение должно быть положительным")
	}

	cfg.WriteBufferSize, err = src.getBytes("UP_WRITE_BUFFER_SIZE", units.MiB)
	if err != nil {
		return nil, err
	}
	if cfg.WriteBufferSize < 4*units.KiB || cfg.WriteBufferSize > 64*units.MiB {
		return nil, fmt.Errorf("UP_WRITE_BUFFER_SIZE: значение %s вне диапазона 4KiB-64MiB",
			units.BytesSize(float64(cfg.WriteBufferSize)))
	}

	if err := loadAdmission(src, cfg); err != nil {
		return nil, err
	}
	if err := loadJournal(src, cfg); err != nil {
		return nil, err
	}
	if err := loadRetention(src, cfg); err != nil {
		return nil, err
	}
	if err := loadHTTP(src, cfg); err != nil {
		return nil, err
	}

	cfg.OtelExporter = strings.ToLower(src.getDefault("UP_OTEL_EXPORTER", "none"))
	switch cfg.OtelExporter {
	case "none", "stdout", "otlphttp":
	default:
		return nil, fmt.Errorf("UP_OTEL_EXPORTER: недопустимое значение %q, допустимые: none, stdout, otlphttp", cfg.OtelExporter)
	}
	cfg.OtelEndpoint = src.getDefault("UP_OTEL_ENDPOINT", "")
	if cfg.OtelExporter == "otlphttp" && cfg.OtelEndpoint == "" {
		return nil, fmt.Errorf("UP_OTEL_ENDPOINT: обязателен для UP_OTEL_EXPORTER=otlphttp")
	}

	// UP_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = src.getDuration("UP_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.DephealthGroup = src.getDefault("UP_DEPHEALTH_GROUP", "upload-service")

	return cfg, nil
}

func loadAdmission(src *source, cfg *Config) error {
	var err error

	cfg.AdmissionEnabled, err = src.getBool("UP_ADMISSION_ENABLED", true)
	if err != nil {
		return err
	}

	cfg.DiskSafetyMargin, err = src.getBytes("UP_DISK_SAFETY_MARGIN", 256*units.MiB)
	if err != nil {
		return err
	}
	if cfg.DiskSafetyMargin < 0 {
		return fmt.Errorf("UP_DISK_SAFETY_MARGIN: значение не может быть отрицательным")
	}

	cfg.MemoryThresholdPercent, err = src.getFloat("UP_MEMORY_THRESHOLD_PERCENT", 90)
	if err != nil {
		return err
	}
	if cfg.MemoryThresholdPercent <= 0 || cfg.MemoryThresholdPercent > 100 {
		return fmt.Errorf("UP_MEMORY_THRESHOLD_PERCENT: значение %.1f вне диапазона (0, 100]", cfg.MemoryThresholdPercent)
	}

	threshold, err := src.getInt64("UP_NET_ERROR_THRESHOLD", 50)
	if err != nil {
		return err
	}
	if threshold < 0 {
		return fmt.Errorf("UP_NET_ERROR_THRESHOLD: значение не может быть отрицательным")
	}
	cfg.NetErrorThreshold = uint64(threshold)

	cfg.AdmissionSampleWindow, err = src.getDuration("UP_ADMISSION_SAMPLE_WINDOW", 500*time.Millisecond)
	if err != nil {
		return err
	}
	if cfg.AdmissionSampleWindow <= 0 || cfg.AdmissionSampleWindow > 10*time.Second {
		return fmt.Errorf("UP_ADMISSION_SAMPLE_WINDOW: значение %s вне диапазона (0, 10s]", cfg.AdmissionSampleWindow)
	}
	return nil
}

func loadJournal(src *source, cfg *Config) error {
	cfg.Journal = strings.ToLower(src.getDefault("UP_JOURNAL", JournalFile))
	switch cfg.Journal {
	case JournalNone, JournalFile:
	case JournalPostgres:
		url, err := src.getRequired("UP_DATABASE_URL")
		if err != nil {
			return fmt.Errorf("%w (обязателен для UP_JOURNAL=postgres)", err)
		}
		cfg.DatabaseURL = url
	default:
		return fmt.Errorf("UP_JOURNAL: недопустимое значение %q, допустимые: none, file, postgres", cfg.Journal)
	}
	cfg.JournalDir = src.getDefault("UP_JOURNAL_DIR", filepath.Join(cfg.DataDir, ".journal"))
	return nil
}

func loadRetention(src *source, cfg *Config) error {
	var err error

	// UP_GC_INTERVAL — интервал GC (по умолчанию 10m)
	cfg.GCInterval, err = src.getDuration("UP_GC_INTERVAL", 10*time.Minute)
	if err != nil {
		return err
	}
	if cfg.GCInterval <= 0 {
		return fmt.Errorf("UP_GC_INTERVAL: значение должно быть положительным")
	}

	// 0 — записи хранятся бессрочно
	cfg.CompletedRetention, err = src.getDuration("UP_COMPLETED_RETENTION", 0)
	if err != nil {
		return err
	}
	cfg.BrokenRetention, err = src.getDuration("UP_BROKEN_RETENTION", 0)
	if err != nil {
		return err
	}
	if cfg.CompletedRetention < 0 || cfg.BrokenRetention < 0 {
		return fmt.Errorf("UP_COMPLETED_RETENTION/UP_BROKEN_RETENTION: значение не может быть отрицательным")
	}

	cfg.StatusCacheSize, err = src.getInt("UP_STATUS_CACHE_SIZE", 10000)
	if err != nil {
		return err
	}
	if cfg.StatusCacheSize <= 0 {
		return fmt.Errorf("UP_STATUS_CACHE_SIZE: значение должно быть положительным")
	}
	cfg.StatusCacheTTL, err = src.getDuration("UP_STATUS_CACHE_TTL", time.Hour)
	return err
}

func loadHTTP(src *source, cfg *Config) error {
	var err error
	if cfg.HTTPReadTimeout, err = src.getDuration("UP_HTTP_READ_TIMEOUT", 0); err != nil {
		return err
	}
	if cfg.HTTPWriteTimeout, err = src.getDuration("UP_HTTP_WRITE_TIMEOUT", 0); err != nil {
		return err
	}
	if cfg.HTTPIdleTimeout, err = src.getDuration("UP_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return err
	}
	// UP_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 30s)
	if cfg.ShutdownTimeout, err = src.getDuration("UP_SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return err
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("UP_SHUTDOWN_TIMEOUT: значение должно быть положительным")
	}
	return nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
