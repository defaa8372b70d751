package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound  = fmt.Errorf("llm provider not found")
	ErrSessionNotFound   = fmt.Errorf("session not found")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrMissingPrompt     = fmt.Errorf("exchange prompt is empty")
	ErrExchangeCancelled = fmt.Errorf("exchange cancelled")

	// ErrStreamingUnsupported is returned by ChatStream when the backend
	// cannot stream. Callers fall back to Chat.
	ErrStreamingUnsupported = fmt.Errorf("streaming unsupported")

	// Transport errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrStreamBroken    = fmt.Errorf("response stream interrupted")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Orchestrator.Start")
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

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrProviderError)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeProviderError        ErrorCode = "PROVIDER_ERROR"
	CodeProviderNotFound     ErrorCode = "PROVIDER_NOT_FOUND"
	CodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeMissingPrompt        ErrorCode = "MISSING_PROMPT"
	CodeExchangeCancelled    ErrorCode = "EXCHANGE_CANCELLED"
	CodeStreamingUnsupported ErrorCode = "STREAMING_UNSUPPORTED"
	CodeContextOverflow      ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodeStreamBroken         ErrorCode = "STREAM_BROKEN"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:             CodeNotFound,
	ErrTimeout:              CodeTimeout,
	ErrInvalidInput:         CodeInvalidInput,
	ErrProviderError:        CodeProviderError,
	ErrProviderNotFound:     CodeProviderNotFound,
	ErrSessionNotFound:      CodeSessionNotFound,
	ErrConfigLoad:           CodeConfigLoad,
	ErrMissingPrompt:        CodeMissingPrompt,
	ErrExchangeCancelled:    CodeExchangeCancelled,
	ErrStreamingUnsupported: CodeStreamingUnsupported,
	ErrContextOverflow:      CodeContextOverflow,
	ErrRateLimit:            CodeRateLimit,
	ErrAuthInvalid:          CodeAuthInvalid,
	ErrStreamBroken:         CodeStreamBroken,
}

// codePriority orders sentinels for the errors.Is walk so that the most
// specific sentinel wins when an error wraps several.
var codePriority = []error{
	ErrMissingPrompt,
	ErrStreamingUnsupported,
	ErrExchangeCancelled,
	ErrProviderNotFound,
	ErrSessionNotFound,
	ErrRateLimit,
	ErrAuthInvalid,
	ErrContextOverflow,
	ErrStreamBroken,
	ErrConfigLoad,
	ErrProviderError,
	ErrTimeout,
	ErrInvalidInput,
	ErrNotFound,
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

	for _, sentinel := range codePriority {
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
