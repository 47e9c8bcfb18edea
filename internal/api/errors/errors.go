// Пакет errors — ответы с ошибками в едином формате Upload Service.
// Формат: {"error": {"code": "...", "message": "...", "field": "...", "upload_id": "...", "reason": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError или WriteUploadError.
package errors //nolint:revive // TODO: переименовать пакет errors, конфликт со stdlib

import (
	"encoding/json"
	"net/http"

	"github.com/bigkaa/goartstore/upload-service/internal/service"
)

// Коды ошибок API.
const (
	CodeHeaderMissing     = "HEADER_MISSING"
	CodeInvalidField      = "INVALID_FIELD"
	CodeFieldMismatch     = "FIELD_MISMATCH"
	CodeJobNotFound       = "JOB_NOT_FOUND"
	CodeJobBusy           = "JOB_BUSY"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeIOError           = "IO_ERROR"
	CodeTaskFailure       = "TASK_FAILURE"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeInternalError     = "INTERNAL_ERROR"
)

// Mapping — HTTP статус и код для класса ошибки.
type Mapping struct {
	Status int
	Code   string
}

// kindTable — отображение класса ошибки сервиса в HTTP ответ.
// Заполняется один раз при инициализации пакета и далее только читается.
var kindTable = map[service.Kind]Mapping{
	service.KindHeaderMissing:     {http.StatusBadRequest, CodeHeaderMissing},
	service.KindInvalidField:      {http.StatusBadRequest, CodeInvalidField},
	service.KindFieldMismatch:     {http.StatusBadRequest, CodeFieldMismatch},
	service.KindJobNotFound:       {http.StatusNotFound, CodeJobNotFound},
	service.KindJobBusy:           {http.StatusConflict, CodeJobBusy},
	service.KindResourceExhausted: {http.StatusConflict, CodeResourceExhausted},
	service.KindIOError:           {http.StatusInternalServerError, CodeIOError},
	service.KindTaskFailure:       {http.StatusInternalServerError, CodeTaskFailure},
}

// internalMapping — ответ для ошибок вне таблицы.
var internalMapping = Mapping{http.StatusInternalServerError, CodeInternalError}

// MappingFor возвращает HTTP статус и код для класса ошибки.
func MappingFor(kind service.Kind) Mapping {
	if m, ok := kindTable[kind]; ok {
		return m
	}
	return internalMapping
}

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
	UploadID string `json:"upload_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	writeDetail(w, statusCode, ErrorDetail{Code: code, Message: message})
}

// WriteUploadError записывает ответ для ошибки сервисного слоя.
// Ошибки, не являющиеся *service.UploadError, отдаются как 500 без деталей.
// Если запись загрузки существует, её id дублируется в заголовке X-Upload-Id.
func WriteUploadError(w http.ResponseWriter, err error) {
	ue, ok := service.AsUploadError(err)
	if !ok {
		InternalError(w, "внутренняя ошибка сервера")
		return
	}

	m := MappingFor(ue.Kind)
	if ue.UploadID != "" {
		w.Header().Set("X-Upload-Id", ue.UploadID)
	}
	writeDetail(w, m.Status, ErrorDetail{
		Code:     m.Code,
		Message:  ue.Message,
		Field:    ue.Field,
		UploadID: ue.UploadID,
		Reason:   ue.Reason,
	})
}

func writeDetail(w http.ResponseWriter, statusCode int, detail ErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: detail})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
