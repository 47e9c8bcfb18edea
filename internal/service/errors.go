// errors.go — ошибки сервисного слоя загрузок.
package service

import (
	"errors"
	"fmt"
)

// Kind — класс ошибки загрузки. Отображение в HTTP статус и код
// задаётся таблицей в пакете api/errors.
type Kind string

const (
	// KindHeaderMissing — обязательное поле запроса отсутствует
	KindHeaderMissing Kind = "HeaderMissing"
	// KindInvalidField — поле не прошло проверку
	KindInvalidField Kind = "InvalidField"
	// KindFieldMismatch — заявленная длина не совпала с фактической
	KindFieldMismatch Kind = "FieldMismatch"
	// KindJobNotFound — запись с таким id не существует
	KindJobNotFound Kind = "JobNotFound"
	// KindJobBusy — запись занята другим запросом
	KindJobBusy Kind = "JobBusy"
	// KindResourceExhausted — отказ контроля допуска
	KindResourceExhausted Kind = "ResourceExhausted"
	// KindIOError — ошибка хранилища, запись переведена в Failed
	KindIOError Kind = "IOError"
	// KindTaskFailure — обрыв потока или внутренняя ошибка выполнения
	KindTaskFailure Kind = "TaskFailure"
)

// Имена полей запроса в ошибках.
const (
	FieldID             = "id"
	FieldFileName       = "file_name"
	FieldUploadLength   = "upload_length"
	FieldContentLength  = "content_length"
	FieldContentPointer = "content_pointer"
)

// UploadError — ошибка операции загрузки.
type UploadError struct {
	Kind Kind
	// Field — имя поля запроса, к которому относится ошибка
	Field string
	// Message — описание для клиента (без внутренних деталей)
	Message string
	// UploadID — id записи, если она существует
	UploadID string
	// Reason — машиночитаемая причина отказа допуска
	Reason string
	// Err — исходная ошибка (в ответ не попадает)
	Err error
}

func (e *UploadError) Error() string {
	msg := string(e.Kind)
	if e.Field != "" {
		msg += " [" + e.Field + "]"
	}
	msg += ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UploadError) Unwrap() error { return e.Err }

// AsUploadError извлекает *UploadError из цепочки ошибок.
func AsUploadError(err error) (*UploadError, bool) {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// HeaderMissingError — обязательное поле отсутствует.
func HeaderMissingError(field string) *UploadError {
	return &UploadError{
		Kind:    KindHeaderMissing,
		Field:   field,
		Message: fmt.Sprintf("отсутствует обязательное поле %s", field),
	}
}

// InvalidFieldError — поле не прошло проверку.
func InvalidFieldError(field, format string, args ...any) *UploadError {
	return &UploadError{Kind: KindInvalidField, Field: field, Message: fmt.Sprintf(format, args...)}
}

func fieldMismatch(field, format string, args ...any) *UploadError {
	return &UploadError{Kind: KindFieldMismatch, Field: field, Message: fmt.Sprintf(format, args...)}
}

func ioError(err error, format string, args ...any) *UploadError {
	return &UploadError{Kind: KindIOError, Message: fmt.Sprintf(format, args...), Err: err}
}

func taskFailure(err error, format string, args ...any) *UploadError {
	return &UploadError{Kind: KindTaskFailure, Message: fmt.Sprintf(format, args...), Err: err}
}

// withID дополняет ошибку id записи.
func withID(e *UploadError, id string) *UploadError {
	e.UploadID = id
	return e
}
