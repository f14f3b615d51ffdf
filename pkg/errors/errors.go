package errors

import "fmt"

var (
	// Общие
	ErrNotFound   = fmt.Errorf("запись не найдена")
	ErrBadRequest = fmt.Errorf("неверный запрос")

	// Контекст
	ErrActorIDNotFoundInContext = fmt.Errorf("ActorID не найден в контексте запроса")
	ErrInvalidActorID           = fmt.Errorf("недопустимый ActorID")
)

// Кастомные типы ошибок

type InvalidInputError struct {
	Message string
}

func (e *InvalidInputError) Error() string { return e.Message }

func NewInvalidInputError(format string, args ...interface{}) error {
	return &InvalidInputError{Message: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError — запрошенная операция недопустима из текущего статуса.
type InvalidTransitionError struct {
	Operation string
	Status    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("операция '%s' недопустима из статуса '%s'", e.Operation, e.Status)
}

func NewInvalidTransitionError(operation, status string) error {
	return &InvalidTransitionError{Operation: operation, Status: status}
}

// InventoryConflictError — компонент уже зарезервирован другой открытой записью.
type InventoryConflictError struct {
	InventoryItemID   uint64
	CompetingDefectID uint64
}

func (e *InventoryConflictError) Error() string {
	if e.CompetingDefectID != 0 {
		return fmt.Sprintf("компонент %d уже зарезервирован дефектной записью %d", e.InventoryItemID, e.CompetingDefectID)
	}
	return fmt.Sprintf("компонент %d уже зарезервирован", e.InventoryItemID)
}

// SubstituteUnavailableError — сервер нельзя выдать как подменный.
type SubstituteUnavailableError struct {
	ServerID uint64
	Reason   string
}

func (e *SubstituteUnavailableError) Error() string {
	return fmt.Sprintf("сервер %d недоступен как подменный: %s", e.ServerID, e.Reason)
}

// HttpError несёт HTTP-код и пользовательское сообщение наружу,
// а внутреннюю причину и контекст — в логи.
type HttpError struct {
	Code    int
	Message string
	Err     error
	Context map[string]interface{}
	Details interface{}
}

func (e *HttpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *HttpError) Unwrap() error { return e.Err }

func NewHttpError(code int, message string, err error, context map[string]interface{}) *HttpError {
	return &HttpError{Code: code, Message: message, Err: err, Context: context}
}
