package call

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Ошибки предусловий. Возвращаются вызывающему до каких-либо побочных
// эффектов; состояние машины при этом не меняется.
var (
	// ErrNotRegistered агент недоступен (нет регистрации), dial запрещен.
	ErrNotRegistered = errors.New("agent is not registered")
	// ErrInvalidNumber номер не проходит валидацию [0-9*#]+.
	ErrInvalidNumber = errors.New("invalid number")
	// ErrNoIncomingCall answer возможен только для входящего вызова в Ringing.
	ErrNoIncomingCall = errors.New("no incoming call to answer")
	// ErrCallInProgress новый вызов поверх активного запрещен.
	ErrCallInProgress = errors.New("another call is in progress")
	// ErrNotInCall операция допустима только в состоянии Established.
	ErrNotInCall = errors.New("no established call")
)

// ReasonForStatus переводит SIP-код отказа в сообщение для пользователя.
// Таблица совпадает с поведением продакшен-клиента и не должна меняться.
func ReasonForStatus(code int, phrase string) string {
	switch code {
	case 480:
		return "temporarily unavailable"
	case 486:
		return "busy"
	case 404:
		return "not found"
	case 603:
		return "declined"
	}
	if phrase != "" {
		return phrase
	}
	return fmt.Sprintf("call failed (%d)", code)
}

// ErrorCategory категория ошибки для классификации и логирования.
type ErrorCategory string

const (
	CategorySignaling    ErrorCategory = "SIGNALING"
	CategoryMedia        ErrorCategory = "MEDIA"
	CategoryTransport    ErrorCategory = "TRANSPORT"
	CategoryRegistration ErrorCategory = "REGISTRATION"
	CategoryTimeout      ErrorCategory = "TIMEOUT"
)

func (c ErrorCategory) String() string { return string(c) }

// ErrorSeverity уровень критичности ошибки.
type ErrorSeverity string

const (
	SeverityWarning  ErrorSeverity = "WARNING"
	SeverityError    ErrorSeverity = "ERROR"
	SeverityCritical ErrorSeverity = "CRITICAL"
)

func (s ErrorSeverity) String() string { return string(s) }

// PhoneError структурированная ошибка движка или транспорта. Message —
// готовое сообщение для пользователя (UserVisible решает, показывать ли);
// Retryable — можно ли повторить операцию без вмешательства агента.
type PhoneError struct {
	Code        string
	Message     string
	Category    ErrorCategory
	Severity    ErrorSeverity
	CallID      string
	StatusCode  int
	Timestamp   time.Time
	Cause       error
	Retryable   bool
	UserVisible bool
}

func (e *PhoneError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("[%s:%s] %s (call_id %s)", e.Category, e.Code, e.Message, e.CallID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap отдает исходную ошибку для errors.Is / errors.As.
func (e *PhoneError) Unwrap() error { return e.Cause }

// NewPhoneError создает ошибку таксономии. UserVisible по умолчанию
// выставляется для ERROR и CRITICAL.
func NewPhoneError(code, message string, category ErrorCategory, severity ErrorSeverity) *PhoneError {
	return &PhoneError{
		Code:        code,
		Message:     message,
		Category:    category,
		Severity:    severity,
		Timestamp:   time.Now(),
		UserVisible: severity == SeverityError || severity == SeverityCritical,
	}
}

// Предопределенные конструкторы для частых случаев.

// ErrCallRejected отказ удаленной стороны или сервера по SIP-коду.
// Message берется из таблицы ReasonForStatus; 480 и 486 считаются
// временными (занято/недоступен — можно перезвонить).
func ErrCallRejected(callID string, statusCode int, phrase string) *PhoneError {
	e := NewPhoneError("CALL_REJECTED", ReasonForStatus(statusCode, phrase), CategorySignaling, SeverityError)
	e.CallID = callID
	e.StatusCode = statusCode
	e.Retryable = statusCode == 480 || statusCode == 486
	return e
}

// ErrMediaFailed сбой медиа-потока или ICE; вызов не подлежит спасению.
func ErrMediaFailed(callID, kind string) *PhoneError {
	msg := "media failure"
	if kind == "ice" {
		msg = "connection failure"
	}
	e := NewPhoneError("MEDIA_FAILED", msg, CategoryMedia, SeverityError)
	e.CallID = callID
	return e
}

// ErrTransportFailure ошибка отправки SIP-запроса. Повторяемая: транспорт
// восстанавливает супервизор, пользователю ее не показываем.
func ErrTransportFailure(operation string, cause error) *PhoneError {
	e := NewPhoneError("TRANSPORT_FAILURE",
		fmt.Sprintf("transport failure during %s", operation),
		CategoryTransport, SeverityCritical)
	e.Cause = cause
	e.Retryable = true
	e.UserVisible = false
	return e
}

// ErrRegistrationFailed неуспешная SIP-регистрация; повторяет супервизор.
func ErrRegistrationFailed(cause error) *PhoneError {
	e := NewPhoneError("REGISTRATION_FAILED", "registration failed", CategoryRegistration, SeverityError)
	e.Cause = cause
	e.Retryable = true
	e.UserVisible = false
	return e
}

// IsRetryable сообщает, можно ли повторить операцию. Для ошибок вне
// таксономии — false.
func IsRetryable(err error) bool {
	var pe *PhoneError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsCritical сообщает, требует ли ошибка немедленного внимания.
func IsCritical(err error) bool {
	var pe *PhoneError
	if errors.As(err, &pe) {
		return pe.Severity == SeverityCritical
	}
	return false
}
