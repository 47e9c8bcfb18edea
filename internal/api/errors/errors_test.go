package errors //nolint:revive // пакет errors, конфликт со stdlib

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bigkaa/goartstore/upload-service/internal/service"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Ошибка декодирования ответа: %v", err)
	}
	return body.Error
}

func TestMappingFor(t *testing.T) {
	tests := []struct {
		kind   service.Kind
		status int
		code   string
	}{
		{service.KindHeaderMissing, http.StatusBadRequest, CodeHeaderMissing},
		{service.KindInvalidField, http.StatusBadRequest, CodeInvalidField},
		{service.KindFieldMismatch, http.StatusBadRequest, CodeFieldMismatch},
		{service.KindJobNotFound, http.StatusNotFound, CodeJobNotFound},
		{service.KindJobBusy, http.StatusConflict, CodeJobBusy},
		{service.KindResourceExhausted, http.StatusConflict, CodeResourceExhausted},
		{service.KindIOError, http.StatusInternalServerError, CodeIOError},
		{service.KindTaskFailure, http.StatusInternalServerError, CodeTaskFailure},
		{service.Kind("Unknown"), http.StatusInternalServerError, CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			m := MappingFor(tt.kind)
			if m.Status != tt.status || m.Code != tt.code {
				t.Errorf("MappingFor(%s) = %d %s, ожидалось %d %s", tt.kind, m.Status, m.Code, tt.status, tt.code)
			}
		})
	}
}

func TestWriteUploadError(t *testing.T) {
	rec := httptest.NewRecorder()
	err := fmt.Errorf("обёртка: %w", &service.UploadError{
		Kind:     service.KindResourceExhausted,
		Message:  "загрузка отклонена",
		UploadID: "abc",
		Reason:   "insufficient_disk",
	})

	WriteUploadError(rec, err)

	if rec.Code != http.StatusConflict {
		t.Errorf("статус: хотели 409, получили %d", rec.Code)
	}
	if got := rec.Header().Get("X-Upload-Id"); got != "abc" {
		t.Errorf("X-Upload-Id: хотели abc, получили %q", got)
	}
	d := decode(t, rec)
	if d.Code != CodeResourceExhausted || d.Reason != "insufficient_disk" || d.UploadID != "abc" {
		t.Errorf("неожиданное тело ошибки: %+v", d)
	}
}

func TestWriteUploadError_PlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteUploadError(rec, fmt.Errorf("секретная деталь"))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("статус: хотели 500, получили %d", rec.Code)
	}
	d := decode(t, rec)
	if d.Code != CodeInternalError {
		t.Errorf("код: хотели %s, получили %s", CodeInternalError, d.Code)
	}
	if d.Message == "секретная деталь" {
		t.Error("внутренние детали не должны попадать в ответ")
	}
}

func TestWriteError_Format(t *testing.T) {
	rec := httptest.NewRecorder()
	NotFound(rec, "маршрут не найден: /x")

	if rec.Code != http.StatusNotFound {
		t.Errorf("статус: хотели 404, получили %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: хотели application/json, получили %q", ct)
	}
	d := decode(t, rec)
	if d.Code != CodeNotFound || d.Field != "" {
		t.Errorf("неожиданное тело ошибки: %+v", d)
	}
}
