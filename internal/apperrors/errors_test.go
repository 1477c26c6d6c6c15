package apperrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := Transient(errors.New("socket closed"))
	kind, ok := KindOf(err)
	if !ok {
		t.Fatal("expected a kinded error")
	}
	if kind != KindTransient {
		t.Errorf("expected %q, got %q", KindTransient, kind)
	}

	if _, ok := KindOf(errors.New("plain")); ok {
		t.Error("plain errors must not report a kind")
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := RateLimit(errors.New("429"))
	wrapped := fmt.Errorf("calling model: %w", inner)

	kind, ok := KindOf(wrapped)
	if !ok || kind != KindRateLimit {
		t.Errorf("expected rate_limit through wrapping, got %q ok=%v", kind, ok)
	}
	if !IsRateLimit(wrapped) {
		t.Error("IsRateLimit should see through fmt.Errorf wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", Transient(errors.New("x")), true},
		{"rate limit", RateLimit(errors.New("x")), true},
		{"validation", Validation(errors.New("x")), true},
		{"bad request", BadRequest(errors.New("x")), false},
		{"auth", Auth(errors.New("x")), false},
		{"permanent", Permanent(errors.New("x")), false},
		{"illegal state", IllegalState(errors.New("x")), false},
		{"plain", errors.New("x"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsJobFatal(t *testing.T) {
	if !IsJobFatal(Permanent(errors.New("400"))) {
		t.Error("permanent errors are job fatal")
	}
	if !IsJobFatal(Chunking(errors.New("empty source"))) {
		t.Error("chunking errors are job fatal")
	}
	if IsJobFatal(Transient(errors.New("503"))) {
		t.Error("transient errors are not job fatal")
	}
}

func TestPublicMessageOmitsCause(t *testing.T) {
	cause := errors.New("upstream said: key=AIzaSyDUMMYDUMMYDUMMY rejected")
	err := New(KindAuth, "", cause)

	msg := PublicMessage(err)
	if msg != defaultSafeMessage(KindAuth) {
		t.Errorf("unexpected public message: %q", msg)
	}
	if !errors.Is(err, cause) {
		t.Error("cause must stay reachable via errors.Is")
	}
}

func TestDefaultSafeMessages(t *testing.T) {
	kinds := []Kind{
		KindTransient, KindRateLimit, KindAuth, KindValidation,
		KindBadRequest, KindIllegalState, KindChunking, KindPermanent,
	}
	for _, k := range kinds {
		if defaultSafeMessage(k) == "" {
			t.Errorf("kind %q has no default safe message", k)
		}
	}
}
