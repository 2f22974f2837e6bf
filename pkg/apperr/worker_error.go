package apperr

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy of spec.md §7 — classified by meaning, not by
// the underlying Go type. Component boundaries never swallow an unknown
// error; they classify it into one of these or re-raise it.
type Kind string

const (
	KindParse              Kind = "ParseError"
	KindValidation         Kind = "ValidationError"
	KindJSON               Kind = "JSONError"
	KindTransientAdapter   Kind = "TransientAdapterError"
	KindPermanentAdapter   Kind = "PermanentAdapterError"
	KindConcurrency        Kind = "ConcurrencyError"
	KindCircuitOpen        Kind = "CircuitOpen"
	KindPreferenceCapExceeded Kind = "PreferenceCapExceeded"
)

// AppError is a structured application error carrying a taxonomy Kind, a
// stage name for attribution, and the wrapped cause.
type AppError struct {
	Kind    Kind
	Stage   string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Stage != "" {
		if e.Err != nil {
			return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Stage, e.Message, e.Err)
		}
		return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Stage, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Retryable reports whether the error's kind is one the retry policy (C2)
// should act on: transient adapter failures and lock contention.
func (e *AppError) Retryable() bool {
	return e.Kind == KindTransientAdapter || e.Kind == KindConcurrency
}

func New(kind Kind, stage, message string) *AppError {
	return &AppError{Kind: kind, Stage: stage, Message: message}
}

func Wrap(err error, kind Kind, stage, message string) *AppError {
	return &AppError{Kind: kind, Stage: stage, Message: message, Err: err}
}

// ParseErr reports a ParsedEmail construction failure (spec.md §4.12, §7):
// the message is dropped from the batch, not substituted.
func ParseErr(messageID, reason string) *AppError {
	return New(KindParse, "parse", reason).WithDetail("message_id", messageID)
}

// ValidationErr reports a Classification contract violation (spec.md §4.3).
func ValidationErr(stage, reason string) *AppError {
	return New(KindValidation, stage, reason)
}

// JSONErr reports malformed LLM output that survived the repair cascade
// (spec.md §4.6).
func JSONErr(stage string, err error) *AppError {
	return Wrap(err, KindJSON, stage, "malformed JSON output")
}

// TransientErr wraps a retryable adapter failure (5xx/timeout/network).
func TransientErr(stage string, err error) *AppError {
	return Wrap(err, KindTransientAdapter, stage, "transient adapter failure")
}

// PermanentErr wraps a non-retryable adapter failure (4xx/auth/schema).
func PermanentErr(stage string, err error) *AppError {
	return Wrap(err, KindPermanentAdapter, stage, "permanent adapter failure")
}

// ConcurrencyErr reports "database is locked" after retry exhaustion.
func ConcurrencyErr(stage string, err error) *AppError {
	return Wrap(err, KindConcurrency, stage, "database is locked")
}

// CircuitOpenErr reports that a stage's circuit breaker is open.
func CircuitOpenErr(stage string) *AppError {
	return New(KindCircuitOpen, stage, "circuit breaker open")
}

// PreferenceCapErr reports a user-preference or rule-integrity conflict.
func PreferenceCapErr(stage, reason string) *AppError {
	return New(KindPreferenceCapExceeded, stage, reason)
}

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(KindTransientAdapter, "", err.Error()).WithDetail("wrapped", true)
}

func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}
