package relay

import (
	"errors"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
)

// ErrorCode is the machine-readable code carried by outbound error messages.
type ErrorCode string

const (
	CodeInvalidToken        ErrorCode = "invalid_token"
	CodeSelfJoin            ErrorCode = "self_join"
	CodeSessionTakenOver    ErrorCode = "session_taken_over"
	CodeTooManySessions     ErrorCode = "too_many_sessions"
	CodeTokenSpaceExhausted ErrorCode = "token_space_exhausted"
	CodeBadMessage          ErrorCode = "bad_message"
	CodeRateLimited         ErrorCode = "rate_limited"
	CodeInternalError       ErrorCode = "internal_error"
)

const (
	msgInvalidToken     = "Invalid Token"
	msgSelfJoin         = "Cannot join your own session"
	msgSessionTakenOver = "Session taken over by another connection"
	msgTooManySessions  = "Too many active sessions"
	msgTokenExhausted   = "Could not allocate a session token"
	msgInternalError    = "Internal error"
)

// ErrorMessage builds an outbound error message.
func ErrorMessage(code ErrorCode, message string) Message {
	return Message{Type: TypeError, Code: code, Message: message}
}

// errorForCreate maps a registry failure on create-session to a wire error.
func errorForCreate(err error) Message {
	switch {
	case errors.Is(err, pairing.ErrTooManySessions):
		return ErrorMessage(CodeTooManySessions, msgTooManySessions)
	case errors.Is(err, pairing.ErrTokenSpaceExhausted):
		return ErrorMessage(CodeTokenSpaceExhausted, msgTokenExhausted)
	default:
		return ErrorMessage(CodeInternalError, msgInternalError)
	}
}
