// uploads.go — HTTP handlers протокола загрузки: новая загрузка,
// предварительный допуск, докачка, статус.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/upload-service/internal/api/errors"
	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-service/internal/service"
)

// maxScheduleBody — ограничение тела запроса schedule.
const maxScheduleBody = 64 << 10

// uploadResponse — ответ на новую загрузку и докачку.
type uploadResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Offset       *int64 `json:"offset,omitempty"`
	DeclaredSize int64  `json:"declared_size"`
}

// statusResponse — ответ на запрос статуса.
type statusResponse struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
	Offset *int64 `json:"offset,omitempty"`
}

// scheduleRequest — тело POST /api/v1/uploads/schedule.
type scheduleRequest struct {
	Hash   string `json:"hash"`
	Length *int64 `json:"length"`
	Name   string `json:"name"`
}

// scheduleResponse — решение предварительного допуска.
type scheduleResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// UploadsHandler — обработчик endpoints загрузки.
type UploadsHandler struct {
	svc    *service.UploadService
	logger *slog.Logger
}

// NewUploadsHandler создаёт обработчик endpoints загрузки.
func NewUploadsHandler(svc *service.UploadService, logger *slog.Logger) *UploadsHandler {
	return &UploadsHandler{
		svc:    svc,
		logger: logger.With(slog.String("component", "uploads_handler")),
	}
}

// CreateUpload обрабатывает POST /api/v1/uploads.
// Тело — сырой поток байт. Заголовки: X-Upload-Filename, X-Upload-Length,
// X-Upload-Checksum (опционально), X-Upload-Id (id запланированной загрузки).
func (h *UploadsHandler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	declared, err := requiredInt64Header(r, HeaderLength, service.FieldUploadLength)
	if err != nil {
		errors.WriteUploadError(w, err)
		return
	}

	rec, err := h.svc.Start(r.Context(), service.NewUploadParams{
		ID:           r.Header.Get(HeaderID),
		Name:         r.Header.Get(HeaderFilename),
		DeclaredSize: declared,
		ContentHash:  r.Header.Get(HeaderChecksum),
		Body:         r.Body,
	})
	if err != nil {
		errors.WriteUploadError(w, err)
		return
	}

	w.Header().Set(HeaderID, rec.ID)
	writeJSON(w, http.StatusCreated, toUploadResponse(rec))
}

// ScheduleUpload обрабатывает POST /api/v1/uploads/schedule.
// Одобрение — 200 {"status":"Approved","id"}, отказ — 409 {"status":"Denied","reason"}.
func (h *UploadsHandler) ScheduleUpload(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScheduleBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		errors.ValidationError(w, "некорректное тело запроса: "+err.Error())
		return
	}
	if req.Length == nil {
		errors.WriteUploadError(w, service.HeaderMissingError(service.FieldUploadLength))
		return
	}

	res, err := h.svc.Schedule(r.Context(), service.ScheduleParams{
		Hash:   req.Hash,
		Length: *req.Length,
		Name:   req.Name,
	})
	if err != nil {
		errors.WriteUploadError(w, err)
		return
	}

	if !res.Decision.Approved {
		writeJSON(w, http.StatusConflict, scheduleResponse{
			Status: "Denied",
			Reason: string(res.Decision.Reason),
			Detail: res.Decision.Detail,
		})
		return
	}

	w.Header().Set(HeaderID, res.ID)
	writeJSON(w, http.StatusOK, scheduleResponse{Status: "Approved", ID: res.ID})
}

// ResumeUpload обрабатывает PATCH /api/v1/uploads/{upload_id} и PATCH /api/v1/uploads.
// Заголовки: X-Upload-Length (полный размер), X-Upload-Offset (content_pointer).
// Content-Length — длина оставшихся данных; для chunked тела вычисляется
// как X-Upload-Length − X-Upload-Offset.
func (h *UploadsHandler) ResumeUpload(w http.ResponseWriter, r *http.Request) {
	id := uploadID(r)
	if id == "" {
		errors.WriteUploadError(w, service.HeaderMissingError(service.FieldID))
		return
	}

	declared, err := requiredInt64Header(r, HeaderLength, service.FieldUploadLength)
	if err != nil {
		errors.WriteUploadError(w, err)
		return
	}
	pointer, err := requiredInt64Header(r, HeaderOffset, service.FieldContentPointer)
	if err != nil {
		errors.WriteUploadError(w, err)
		return
	}

	remaining := r.ContentLength
	if remaining < 0 {
		remaining = declared - pointer
	}

	rec, err := h.svc.Resume(r.Context(), service.ResumeParams{
		ID:              id,
		DeclaredLength:  declared,
		RemainingLength: remaining,
		ContentPointer:  pointer,
		Body:            r.Body,
	})
	if err != nil {
		errors.WriteUploadError(w, err)
		return
	}

	w.Header().Set(HeaderID, rec.ID)
	writeJSON(w, http.StatusOK, toUploadResponse(rec))
}

// GetStatus обрабатывает GET /api/v1/uploads/{upload_id} и GET /api/v1/uploads/status.
// Неизвестный id — 200 {"status":"UnInit"}.
func (h *UploadsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := uploadID(r)
	if id == "" {
		id = r.URL.Query().Get("id")
	}

	state := h.svc.Status(id)
	resp := statusResponse{ID: id, Status: string(state.Kind)}
	if state.HasOffset() {
		offset := state.Offset
		resp.Offset = &offset
	}
	writeJSON(w, http.StatusOK, resp)
}

// uploadID извлекает id из пути или заголовка X-Upload-Id.
func uploadID(r *http.Request) string {
	if id := chi.URLParam(r, "upload_id"); id != "" {
		return id
	}
	return r.Header.Get(HeaderID)
}

func toUploadResponse(rec model.UploadRecord) uploadResponse {
	resp := uploadResponse{
		ID:           rec.ID,
		Status:       string(rec.State.Kind),
		DeclaredSize: rec.DeclaredSize,
	}
	switch {
	case rec.State.HasOffset():
		offset := rec.State.Offset
		resp.Offset = &offset
	case rec.State.Kind == model.StateComplete:
		offset := rec.DeclaredSize
		resp.Offset = &offset
	}
	return resp
}
