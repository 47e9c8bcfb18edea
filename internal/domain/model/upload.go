// Пакет model — доменные модели сервиса докачиваемых загрузок.
// UploadRecord — единая структура записи о загрузке: используется
// в реестре (in-memory), в журнале (JSON/PostgreSQL) и в API-ответах.
package model

import (
	"strconv"
	"time"
)

// PartSuffix — суффикс файла данных загрузки на диске.
// Имя файла всегда {id}.part, клиентское имя на диск не попадает.
const PartSuffix = ".part"

// StateKind — позиция записи в конечном автомате загрузки.
type StateKind string

const (
	// StateUnInit — запись создана, ни одного байта ещё не принято
	StateUnInit StateKind = "UnInit"
	// StateInProgress — байты поступают в файл
	StateInProgress StateKind = "InProgress"
	// StateResume — докачка принята, первый байт ещё не записан
	StateResume StateKind = "Resume"
	// StateBroken — попытка прервана, возможна докачка
	StateBroken StateKind = "Broken"
	// StateComplete — загрузка завершена успешно (терминальное)
	StateComplete StateKind = "Complete"
	// StateFailed — ошибка хранилища, докачка невозможна (терминальное)
	StateFailed StateKind = "Failed"
)

// AllStateKinds — все состояния в порядке жизненного цикла.
var AllStateKinds = []StateKind{
	StateUnInit, StateInProgress, StateResume, StateBroken, StateComplete, StateFailed,
}

// UploadState — текущее состояние загрузки.
// Offset имеет смысл только для InProgress, Resume и Broken.
type UploadState struct {
	Kind   StateKind `json:"status"`
	Offset int64     `json:"offset,omitempty"`
}

// UnInit возвращает начальное состояние.
func UnInit() UploadState { return UploadState{Kind: StateUnInit} }

// InProgress возвращает состояние активной записи с количеством записанных байт.
func InProgress(written int64) UploadState {
	return UploadState{Kind: StateInProgress, Offset: written}
}

// Resume возвращает маркер принятой докачки с позиции offset.
func Resume(offset int64) UploadState { return UploadState{Kind: StateResume, Offset: offset} }

// Broken возвращает состояние прерванной попытки.
func Broken(written int64) UploadState { return UploadState{Kind: StateBroken, Offset: written} }

// Complete возвращает состояние успешного завершения.
func Complete() UploadState { return UploadState{Kind: StateComplete} }

// Failed возвращает состояние неустранимой ошибки.
func Failed() UploadState { return UploadState{Kind: StateFailed} }

// IsTerminal проверяет, что из состояния нет переходов.
func (s UploadState) IsTerminal() bool {
	return s.Kind == StateComplete || s.Kind == StateFailed
}

// HasOffset проверяет, несёт ли состояние байтовое смещение.
func (s UploadState) HasOffset() bool {
	switch s.Kind {
	case StateInProgress, StateResume, StateBroken:
		return true
	default:
		return false
	}
}

// String возвращает имя состояния, для смещаемых состояний — с offset.
func (s UploadState) String() string {
	if s.HasOffset() {
		return string(s.Kind) + "(" + strconv.FormatInt(s.Offset, 10) + ")"
	}
	return string(s.Kind)
}

// UploadRecord — запись об одной загрузке.
// ID, Destination, DeclaredName, DeclaredSize, ContentHash неизменны после создания.
type UploadRecord struct {
	// ID — глобально уникальный идентификатор (UUID v4), ключ реестра
	ID string `json:"id"`

	// Destination — директория, в которой лежит файл данных
	Destination string `json:"destination"`

	// DeclaredName — имя файла, заявленное клиентом (только метаданные)
	DeclaredName string `json:"declared_name"`

	// DeclaredSize — полный размер, заявленный клиентом, в байтах
	DeclaredSize int64 `json:"declared_size"`

	// ContentHash — хэш содержимого от клиента (хранится, не проверяется)
	ContentHash string `json:"content_hash,omitempty"`

	// State — текущее состояние
	State UploadState `json:"state"`

	// CreatedAt — время создания записи (UTC)
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего перехода (UTC)
	UpdatedAt time.Time `json:"updated_at"`

	// EvictedAt — время вытеснения из реестра; задано только у надгробий
	// в журнале (Complete запись вытеснена, файл данных остался на диске)
	EvictedAt *time.Time `json:"evicted_at,omitempty"`
}
