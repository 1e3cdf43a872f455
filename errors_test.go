package tern

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorKindString(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want string
	}{
		{KindInvalidInput, "invalid_input"},
		{KindPolicyDenied, "policy_denied"},
		{KindTransient, "transient"},
		{KindProviderFatal, "provider_fatal"},
		{KindInternalBug, "internal_bug"},
		{KindCancelled, "cancelled"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.kind), got, tt.want)
		}
	}
}

func TestErrorFormatting(t *testing.T) {
	e := Errorf(KindInvalidInput, "unknown tool %q", "frobnicate")
	want := `invalid_input: unknown tool "frobnicate"`
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := WrapError(KindTransient, errors.New("dial tcp: timeout"), "calling provider")
	if got := wrapped.Error(); got != "transient: calling provider: dial tcp: timeout" {
		t.Errorf("wrapped Error() = %q", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	e := WrapError(KindProviderFatal, cause, "context")
	if !errors.Is(e, cause) {
		t.Error("errors.Is did not find the wrapped cause")
	}
}

func TestKindOfExplicitKindWins(t *testing.T) {
	inner := Errorf(KindPolicyDenied, "blocked")
	outer := fmt.Errorf("while executing: %w", inner)
	if got := KindOf(outer); got != KindPolicyDenied {
		t.Errorf("KindOf = %v, want policy_denied", got)
	}
}

func TestKindOfContextErrors(t *testing.T) {
	if got := KindOf(context.Canceled); got != KindCancelled {
		t.Errorf("KindOf(Canceled) = %v, want cancelled", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTransient {
		t.Errorf("KindOf(DeadlineExceeded) = %v, want transient", got)
	}
}

func TestKindOfHTTPStatuses(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{429, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
		{401, KindProviderFatal},
		{402, KindProviderFatal},
		{403, KindProviderFatal},
		{400, KindInvalidInput},
		{404, KindInvalidInput},
	}
	for _, tt := range tests {
		err := fmt.Errorf("request failed: %w", &ErrHTTP{Status: tt.status, Body: "x"})
		if got := KindOf(err); got != tt.want {
			t.Errorf("KindOf(http %d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestKindOfProviderError(t *testing.T) {
	tests := []struct {
		kind ProviderErrorKind
		want ErrorKind
	}{
		{ProviderErrTransient, KindTransient},
		{ProviderErrAuth, KindProviderFatal},
		{ProviderErrQuota, KindProviderFatal},
		{ProviderErrPermanent, KindProviderFatal},
	}
	for _, tt := range tests {
		err := NewProviderError("docker", "exec", tt.kind, errors.New("boom"))
		if got := KindOf(err); got != tt.want {
			t.Errorf("KindOf(provider %s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestKindOfUnknownIsInternalBug(t *testing.T) {
	if got := KindOf(errors.New("mystery")); got != KindInternalBug {
		t.Errorf("KindOf(unknown) = %v, want internal_bug", got)
	}
}

func TestIsTransientAndIsCancelled(t *testing.T) {
	if !IsTransient(&ErrHTTP{Status: 500}) {
		t.Error("IsTransient(500) = false")
	}
	if IsTransient(Errorf(KindPolicyDenied, "no")) {
		t.Error("IsTransient(policy_denied) = true")
	}
	if !IsCancelled(context.Canceled) {
		t.Error("IsCancelled(context.Canceled) = false")
	}
}

func TestErrHTTPRetryAfter(t *testing.T) {
	e := &ErrHTTP{Status: 429, Body: "slow down", RetryAfter: 3 * time.Second}
	if e.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", e.RetryAfter)
	}
	if got := e.Error(); got != "http 429: slow down" {
		t.Errorf("Error() = %q", got)
	}
}

func TestProviderErrorFormatting(t *testing.T) {
	cause := errors.New("connection refused")
	e := NewProviderError("httpbox", "resume", ProviderErrTransient, cause)
	want := "sandbox httpbox: resume: transient: connection refused"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(e, cause) {
		t.Error("Unwrap chain broken")
	}
}
