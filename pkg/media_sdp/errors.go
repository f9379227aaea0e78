package media_sdp

import (
	"errors"
	"fmt"
)

// SDPErrorCode определяет коды ошибок для SDP операций
type SDPErrorCode int

const (
	ErrorCodeInvalidConfig SDPErrorCode = iota + 2000
	ErrorCodeSDPGeneration
	ErrorCodeSDPParsing
	ErrorCodeIncompatibleCodec
	ErrorCodeMissingSDP
	ErrorCodePortsExhausted
	ErrorCodeUnknownSession
)

var codeNames = map[SDPErrorCode]string{
	ErrorCodeInvalidConfig:     "invalid_config",
	ErrorCodeSDPGeneration:     "sdp_generation",
	ErrorCodeSDPParsing:        "sdp_parsing",
	ErrorCodeIncompatibleCodec: "incompatible_codec",
	ErrorCodeMissingSDP:        "missing_sdp",
	ErrorCodePortsExhausted:    "ports_exhausted",
	ErrorCodeUnknownSession:    "unknown_session",
}

func (c SDPErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("sdp_error_%d", int(c))
}

// SDPError представляет ошибку в SDP операциях
type SDPError struct {
	Code      SDPErrorCode
	Message   string
	SessionID string
	Wrapped   error
}

// NewSDPError создает новую SDP ошибку
func NewSDPError(code SDPErrorCode, sessionID string, format string, args ...any) *SDPError {
	return &SDPError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		SessionID: sessionID,
	}
}

// WrapSDPError оборачивает существующую ошибку в SDPError
func WrapSDPError(code SDPErrorCode, sessionID string, err error, format string, args ...any) *SDPError {
	return &SDPError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		SessionID: sessionID,
		Wrapped:   err,
	}
}

func (e *SDPError) Error() string {
	msg := fmt.Sprintf("sdp %s: %s", e.Code, e.Message)
	if e.SessionID != "" {
		msg += fmt.Sprintf(" (session %s)", e.SessionID)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

func (e *SDPError) Unwrap() error {
	return e.Wrapped
}

// IsSDPError проверяет, является ли ошибка SDPError с указанным кодом
func IsSDPError(err error, code SDPErrorCode) bool {
	var sdpErr *SDPError
	if !errors.As(err, &sdpErr) {
		return false
	}
	return sdpErr.Code == code
}

// CodeOf возвращает код SDPError из цепочки ошибок
func CodeOf(err error) (SDPErrorCode, bool) {
	var sdpErr *SDPError
	if !errors.As(err, &sdpErr) {
		return 0, false
	}
	return sdpErr.Code, true
}
