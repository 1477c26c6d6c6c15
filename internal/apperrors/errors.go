package apperrors

import (
	"errors"
	"strings"
)

type Kind string

const (
	KindTransient    Kind = "transient"
	KindRateLimit    Kind = "rate_limit"
	KindAuth         Kind = "auth"
	KindValidation   Kind = "validation"
	KindBadRequest   Kind = "bad_request"
	KindIllegalState Kind = "illegal_state"
	KindChunking     Kind = "chunking"
	KindPermanent    Kind = "permanent"
)

type Error struct {
	Kind Kind
	// SafeMessage is intended for user-facing output and logs.
	SafeMessage string
	// Cause keeps the original internal error for troubleshooting.
	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.SafeMessage)
	if msg != "" {
		return msg
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "unknown error"
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func defaultSafeMessage(kind Kind) string {
	switch kind {
	case KindTransient:
		return "Temporary upstream error. Please try again."
	case KindRateLimit:
		return "Rate limit exceeded. Please try again later."
	case KindAuth:
		return "Authentication failed. Please verify your API key and permissions."
	case KindValidation:
		return "Request validation failed."
	case KindBadRequest:
		return "Request rejected by upstream API."
	case KindIllegalState:
		return "Operation not allowed in the job's current state."
	case KindChunking:
		return "Document could not be split into chunks."
	case KindPermanent:
		return "Translation failed permanently."
	default:
		return "Request failed."
	}
}

func New(kind Kind, safeMessage string, cause error) error {
	msg := strings.TrimSpace(safeMessage)
	if msg == "" {
		msg = defaultSafeMessage(kind)
	}
	return &Error{
		Kind:        kind,
		SafeMessage: msg,
		Cause:       cause,
	}
}

func Transient(err error) error {
	return New(KindTransient, "", err)
}

func RateLimit(err error) error {
	return New(KindRateLimit, "", err)
}

func Auth(err error) error {
	return New(KindAuth, "", err)
}

func Validation(err error) error {
	return New(KindValidation, "", err)
}

func BadRequest(err error) error {
	return New(KindBadRequest, "", err)
}

func IllegalState(err error) error {
	return New(KindIllegalState, "", err)
}

func Chunking(err error) error {
	return New(KindChunking, "", err)
}

func Permanent(err error) error {
	return New(KindPermanent, "", err)
}

func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Kind, true
}

func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return err.Error()
}

// IsRetryable reports whether the worker may retry the failed attempt.
// Transient covers server errors and network issues, RateLimit covers
// upstream throttling, Validation covers LLM output quality issues;
// the model is non-deterministic, so retrying those may succeed.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindTransient || e.Kind == KindRateLimit || e.Kind == KindValidation
}

func IsRateLimit(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindRateLimit
}

// IsJobFatal reports whether the error must fail the whole job
// immediately instead of being retried at the chunk level.
func IsJobFatal(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindPermanent, KindChunking, KindBadRequest, KindAuth, KindIllegalState:
		return true
	}
	return false
}
