package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// source — значения конфигурации: окружение поверх YAML-файла.
type source struct {
	file map[string]string
}

// newSource читает YAML-файл (если путь задан) в плоскую карту UP_* ключей.
func newSource(path string) (*source, error) {
	src := &source{file: make(map[string]string)}
	if path == "" {
		return src, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("UP_CONFIG_FILE: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("UP_CONFIG_FILE: некорректный YAML: %w", err)
	}
	for k, v := range raw {
		if v == nil {
			continue
		}
		key := strings.ToUpper(k)
		if !strings.HasPrefix(key, envPrefix) {
			key = envPrefix + key
		}
		src.file[key] = fmt.Sprint(v)
	}
	return src, nil
}

func (s *source) lookup(key string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return s.file[key]
}

// getRequired возвращает значение или ошибку, если оно не задано.
func (s *source) getRequired(key string) (string, error) {
	val := s.lookup(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательный параметр не задан", key)
	}
	return val, nil
}

// getDefault возвращает значение или значение по умолчанию.
func (s *source) getDefault(key, defaultVal string) string {
	if val := s.lookup(key); val != "" {
		return val
	}
	return defaultVal
}

func (s *source) getInt(key string, defaultVal int) (int, error) {
	val := s.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: некорректное целое число: %q", key, val)
	}
	return n, nil
}

func (s *source) getInt64(key string, defaultVal int64) (int64, error) {
	val := s.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: некорректное целое число: %q", key, val)
	}
	return n, nil
}

func (s *source) getFloat(key string, defaultVal float64) (float64, error) {
	val := s.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: некорректное число: %q", key, val)
	}
	return f, nil
}

func (s *source) getBool(key string, defaultVal bool) (bool, error) {
	val := s.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s: некорректное логическое значение: %q", key, val)
	}
	return b, nil
}

// getBytes разбирает размер: число байт или human-форма (512MB, 10GiB).
// Единицы двоичные: 1MB = 1MiB = 1048576.
func (s *source) getBytes(key string, defaultVal int64) (int64, error) {
	val := s.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := units.RAMInBytes(val)
	if err != nil {
		return 0, fmt.Errorf("%s: некорректный размер: %q (например: 1048576, 512MB, 10GiB)", key, val)
	}
	return n, nil
}

func (s *source) getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := s.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", key, val)
	}
	return d, nil
}
