package tern

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a failure for routing, retry, and surfacing decisions.
type ErrorKind int

const (
	// KindInvalidInput covers malformed tool arguments, forbidden paths,
	// and unknown tools. Surfaced to the LLM as an error tool result with
	// corrective guidance; never crashes the run.
	KindInvalidInput ErrorKind = iota
	// KindPolicyDenied marks a call blocked by a hook (dangerous command,
	// network). Surfaced to the LLM; never retried.
	KindPolicyDenied
	// KindTransient covers timeouts and temporary provider failures.
	// Retried with exponential backoff before surfacing.
	KindTransient
	// KindProviderFatal covers auth failures, quota exhaustion, and
	// permanent sandbox loss. The lease is marked dead and the session
	// closed; the next tool call forces lease recreation.
	KindProviderFatal
	// KindInternalBug marks an invariant violation. The run terminates
	// with an error event; durable state is left untouched.
	KindInternalBug
	// KindCancelled is distinct from failure; the run emits "cancelled".
	KindCancelled
)

// String returns the wire name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindPolicyDenied:
		return "policy_denied"
	case KindTransient:
		return "transient"
	case KindProviderFatal:
		return "provider_fatal"
	case KindInternalBug:
		return "internal_bug"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the structured error carried through the run engine.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to an underlying cause.
func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf classifies err. Explicit kinds win; context cancellation maps to
// KindCancelled; retryable HTTP statuses map to KindTransient; auth and
// quota statuses map to KindProviderFatal. Anything else is treated as an
// internal bug, which is deliberately loud.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var he *ErrHTTP
	if errors.As(err, &he) {
		switch {
		case he.Status == 429 || he.Status >= 500:
			return KindTransient
		case he.Status == 401 || he.Status == 403 || he.Status == 402:
			return KindProviderFatal
		default:
			return KindInvalidInput
		}
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Kind == ProviderErrTransient {
			return KindTransient
		}
		return KindProviderFatal
	}
	return KindInternalBug
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsCancelled reports whether err represents cancellation rather than failure.
func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }

// ErrLLM is a provider-level failure that is not an HTTP error (malformed
// response body, missing choices, protocol violations).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from a provider API. RetryAfter carries the
// parsed Retry-After header when the server supplied one.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value: integer seconds or an
// HTTP date. Returns 0 for empty or unparseable values and dates already
// past.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
