// handler.go — APIHandler собирает доменные handler'ы и регистрирует
// маршруты в chi-роутере.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/upload-service/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-service/internal/service"
)

// Заголовки протокола загрузки.
const (
	HeaderFilename = "X-Upload-Filename"
	HeaderLength   = "X-Upload-Length"
	HeaderChecksum = "X-Upload-Checksum"
	HeaderID       = "X-Upload-Id"
	HeaderOffset   = "X-Upload-Offset"
)

// APIHandler — единая точка регистрации всех endpoints.
type APIHandler struct {
	uploads *UploadsHandler
	system  *SystemHandler
	health  *HealthHandler
	metrics http.Handler
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(
	uploads *UploadsHandler,
	system *SystemHandler,
	health *HealthHandler,
	metrics http.Handler,
) *APIHandler {
	return &APIHandler{
		uploads: uploads,
		system:  system,
		health:  health,
		metrics: metrics,
	}
}

// Register монтирует маршруты API в роутер.
func (h *APIHandler) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", h.uploads.CreateUpload)
			r.Patch("/", h.uploads.ResumeUpload)
			r.Post("/schedule", h.uploads.ScheduleUpload)
			r.Get("/status", h.uploads.GetStatus)
			r.Get("/{upload_id}", h.uploads.GetStatus)
			r.Patch("/{upload_id}", h.uploads.ResumeUpload)
		})
		r.Get("/info", h.system.GetInfo)
	})

	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		errors.NotFound(w, "маршрут не найден: "+req.URL.Path)
	})
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// int64Header разбирает неотрицательное целое из заголовка.
// present == false, если заголовок отсутствует.
func int64Header(r *http.Request, name, field string) (value int64, present bool, err error) {
	raw := strings.TrimSpace(r.Header.Get(name))
	if raw == "" {
		return 0, false, nil
	}
	n, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil || n < 0 {
		return 0, true, service.InvalidFieldError(field, "заголовок %s: ожидается неотрицательное целое, получено %q", name, raw)
	}
	return n, true, nil
}

// requiredInt64Header — то же, что int64Header, но отсутствие заголовка — HeaderMissing.
func requiredInt64Header(r *http.Request, name, field string) (int64, error) {
	n, present, err := int64Header(r, name, field)
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, service.HeaderMissingError(field)
	}
	return n, nil
}
