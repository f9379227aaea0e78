package ua

import (
	"errors"
	"fmt"

	"github.com/arzzra/webphone/pkg/logger"
)

// ErrorCategory категории ошибок для классификации
type ErrorCategory string

const (
	// TransportError потеря или невозможность соединения; хост повторяет Start
	TransportError ErrorCategory = "TRANSPORT"
	// RegistrationError отказ registrar; не фатальна для агента
	RegistrationError ErrorCategory = "REGISTRATION"
	// SessionSetupError ошибка установления вызова; проявляется как failed
	SessionSetupError ErrorCategory = "SESSION_SETUP"
	// BusyRejection политика отказа второму входящему вызову
	BusyRejection ErrorCategory = "BUSY"
)

func (ec ErrorCategory) String() string {
	return string(ec)
}

var (
	// ErrInvalidState операция недопустима в текущем состоянии сессии
	ErrInvalidState = errors.New("ua: invalid session state")
	// ErrStopped агент остановлен
	ErrStopped = errors.New("ua: user agent stopped")
	// ErrNotConnected нет соединения с сервером
	ErrNotConnected = errors.New("ua: not connected")
)

// Error структурированная ошибка с контекстом сессии
type Error struct {
	Category ErrorCategory
	Cause    Cause
	// StatusCode SIP код ответа, если ошибка вызвана ответом
	StatusCode int
	Message    string

	SessionID string
	CallID    string

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Category, e.Cause, e.Message)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.CallID != "" {
		msg += fmt.Sprintf(" (Call-ID: %s)", e.CallID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable повторная попытка имеет смысл
func (e *Error) Retryable() bool {
	switch e.Category {
	case TransportError, RegistrationError:
		return true
	}
	switch e.Cause {
	case CauseBusy, CauseUnavailable, CauseRequestTimeout, CauseConnectionError:
		return true
	}
	return false
}

// LogFields поля для logger.LogError
func (e *Error) LogFields() []logger.Field {
	fields := []logger.Field{
		logger.String("error_category", string(e.Category)),
		logger.String("cause", string(e.Cause)),
	}
	if e.StatusCode != 0 {
		fields = append(fields, logger.Int("status_code", e.StatusCode))
	}
	if e.SessionID != "" {
		fields = append(fields, logger.String("session_id", e.SessionID))
	}
	return fields
}

func newTransportError(cause Cause, err error) *Error {
	return &Error{
		Category: TransportError,
		Cause:    cause,
		Message:  "соединение с сервером потеряно",
		Err:      err,
	}
}

func newRegistrationError(cause Cause, status int, err error) *Error {
	return &Error{
		Category:   RegistrationError,
		Cause:      cause,
		StatusCode: status,
		Message:    "регистрация не удалась",
		Err:        err,
	}
}

func newSessionError(s *Session, cause Cause, status int, err error) *Error {
	e := &Error{
		Category:   SessionSetupError,
		Cause:      cause,
		StatusCode: status,
		Message:    "вызов не установлен",
		Err:        err,
	}
	if s != nil {
		e.SessionID = s.id
		e.CallID = s.callID
	}
	return e
}

// IsCategory проверяет категорию ошибки в цепочке
func IsCategory(err error, category ErrorCategory) bool {
	var uaErr *Error
	if !errors.As(err, &uaErr) {
		return false
	}
	return uaErr.Category == category
}
