package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrClosed       = fmt.Errorf("closed")
)

// Sentinel errors for the domain layer.
var (
	// Protocol errors: the event is logged and dropped.
	ErrMalformedEvent = fmt.Errorf("malformed event: %w", ErrInvalidInput)
	ErrUnknownEvent   = fmt.Errorf("unknown event kind")

	// Correlation misses: treated as stale or duplicate, never surfaced.
	ErrUnknownToolUse    = fmt.Errorf("unknown tool_use_id: %w", ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("invalid tool status transition")

	ErrSessionNotFound = fmt.Errorf("session not found: %w", ErrNotFound)
	ErrSessionClosed   = fmt.Errorf("session: %w", ErrClosed)
	ErrSessionExists   = fmt.Errorf("session already open")

	// Transport errors.
	ErrChannelClosed = fmt.Errorf("channel: %w", ErrClosed)
	ErrJoinFailed    = fmt.Errorf("channel join failed")
	ErrPushTimeout   = fmt.Errorf("channel push: %w", ErrTimeout)

	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")

	// Gateway / RPC errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Session.Approve")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsCorrelationMiss reports whether err only signals a stale or duplicate reference.
func IsCorrelationMiss(err error) bool {
	return errors.Is(err, ErrUnknownToolUse) || errors.Is(err, ErrInvalidTransition)
}

// ErrorCode is a machine-parseable error category returned to gateway clients.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeClosed            ErrorCode = "CLOSED"
	CodeMalformedEvent    ErrorCode = "MALFORMED_EVENT"
	CodeUnknownEvent      ErrorCode = "UNKNOWN_EVENT"
	CodeUnknownToolUse    ErrorCode = "UNKNOWN_TOOL_USE"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionClosed     ErrorCode = "SESSION_CLOSED"
	CodeSessionExists     ErrorCode = "SESSION_EXISTS"
	CodeChannelClosed     ErrorCode = "CHANNEL_CLOSED"
	CodeJoinFailed        ErrorCode = "JOIN_FAILED"
	CodePushTimeout       ErrorCode = "PUSH_TIMEOUT"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrInvalidInput:      CodeInvalidInput,
	ErrTimeout:           CodeTimeout,
	ErrClosed:            CodeClosed,
	ErrMalformedEvent:    CodeMalformedEvent,
	ErrUnknownEvent:      CodeUnknownEvent,
	ErrUnknownToolUse:    CodeUnknownToolUse,
	ErrInvalidTransition: CodeInvalidTransition,
	ErrSessionNotFound:   CodeSessionNotFound,
	ErrSessionClosed:     CodeSessionClosed,
	ErrSessionExists:     CodeSessionExists,
	ErrChannelClosed:     CodeChannelClosed,
	ErrJoinFailed:        CodeJoinFailed,
	ErrPushTimeout:       CodePushTimeout,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRPCMethodNotFound: CodeRPCMethodNotFound,
	ErrRPCInvalidPayload: CodeRPCInvalidPayload,
	ErrRateLimit:         CodeRateLimit,
}

// specificity orders sentinels so wrapped chains resolve to the most specific
// code: ErrSessionNotFound wraps ErrNotFound and must win over it.
var specificity = []error{
	ErrMalformedEvent,
	ErrUnknownEvent,
	ErrUnknownToolUse,
	ErrInvalidTransition,
	ErrSessionNotFound,
	ErrSessionClosed,
	ErrSessionExists,
	ErrChannelClosed,
	ErrJoinFailed,
	ErrPushTimeout,
	ErrConfigLoad,
	ErrDecryption,
	ErrGatewayAuthFailed,
	ErrAuthInvalid,
	ErrRPCMethodNotFound,
	ErrRPCInvalidPayload,
	ErrRateLimit,
	ErrNotFound,
	ErrInvalidInput,
	ErrTimeout,
	ErrClosed,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for _, sentinel := range specificity {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
