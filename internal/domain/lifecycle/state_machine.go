// Пакет lifecycle — конечный автомат состояний загрузки.
//
// Жизненный цикл:
//   - UnInit → InProgress → Complete (успех, конечное)
//   - InProgress → Broken → Resume → InProgress → ... (докачка)
//   - любое нетерминальное → Failed (ошибка хранилища, конечное)
//
// Пакет не хранит состояние: текущее состояние живёт в записи реестра,
// здесь только матрица переходов и проверка смещений.
package lifecycle

import (
	"fmt"

	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
)

// Коды ошибок перехода.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeInvalidOffset     = "INVALID_OFFSET"
)

// validTransitions — матрица допустимых переходов.
// Ключ — текущее состояние, значение — набор допустимых целевых.
var validTransitions = map[model.StateKind]map[model.StateKind]bool{
	model.StateUnInit: {model.StateInProgress: true, model.StateFailed: true},
	model.StateInProgress: {
		model.StateInProgress: true,
		model.StateComplete:   true,
		model.StateBroken:     true,
		model.StateFailed:     true,
	},
	model.StateBroken:   {model.StateResume: true, model.StateFailed: true},
	model.StateResume:   {model.StateInProgress: true, model.StateBroken: true, model.StateFailed: true},
	model.StateComplete: {}, // Конечное
	model.StateFailed:   {}, // Конечное
}

// TransitionError — ошибка перехода между состояниями.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION, INVALID_OFFSET)
	From    model.UploadState
	To      model.UploadState
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CanTransition проверяет допустимость перехода по матрице без учёта смещений.
func CanTransition(from, to model.StateKind) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// AllowedTargets возвращает состояния, в которые можно перейти из from.
func AllowedTargets(from model.StateKind) []model.StateKind {
	targets := validTransitions[from]
	result := make([]model.StateKind, 0, len(targets))
	for _, kind := range model.AllStateKinds {
		if targets[kind] {
			result = append(result, kind)
		}
	}
	return result
}

// Validate проверяет переход from → to для загрузки размером declaredSize.
//
// Кроме матрицы проверяется:
//   - смещение 0 ≤ offset ≤ declaredSize;
//   - InProgress → InProgress не уменьшает смещение;
//   - Resume → InProgress начинается не раньше позиции докачки;
//   - Broken → Resume не уходит дальше подтверждённого смещения.
func Validate(declaredSize int64, from, to model.UploadState) error {
	if !CanTransition(from.Kind, to.Kind) {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			From:    from,
			To:      to,
			Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
		}
	}

	if !to.HasOffset() {
		return nil
	}

	if to.Offset < 0 || to.Offset > declaredSize {
		return &TransitionError{
			Code:    CodeInvalidOffset,
			From:    from,
			To:      to,
			Message: fmt.Sprintf("смещение %d вне диапазона [0, %d]", to.Offset, declaredSize),
		}
	}

	switch {
	case from.Kind == model.StateInProgress && to.Kind == model.StateInProgress,
		from.Kind == model.StateResume && to.Kind == model.StateInProgress:
		if to.Offset < from.Offset {
			return &TransitionError{
				Code:    CodeInvalidOffset,
				From:    from,
				To:      to,
				Message: fmt.Sprintf("смещение не может уменьшаться: %d → %d", from.Offset, to.Offset),
			}
		}
	case from.Kind == model.StateBroken && to.Kind == model.StateResume:
		if to.Offset > from.Offset {
			return &TransitionError{
				Code:    CodeInvalidOffset,
				From:    from,
				To:      to,
				Message: fmt.Sprintf("позиция докачки %d больше подтверждённой %d", to.Offset, from.Offset),
			}
		}
	}

	return nil
}
