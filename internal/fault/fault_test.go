package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKindAndReason(t *testing.T) {
	err := fmt.Errorf("validate: %w", New(KindKeyInvalid, ReasonExhausted, "key abc has no remaining uses"))

	if !errors.Is(err, ErrKeyExhausted) {
		t.Fatalf("expected match on kind and reason")
	}
	if !errors.Is(err, ErrKeyInvalid) {
		t.Fatalf("sentinel without reason must match every reason of its kind")
	}
	if errors.Is(err, ErrKeyExpired) {
		t.Fatalf("different reason must not match")
	}
	if errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("different kind must not match")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	err := Provider(ReasonTimeout, "provider timed out", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cause lost")
	}
	if KindOf(err) != KindProviderFailure {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
	if got := err.Error(); got != "provider_failure/timeout: provider timed out" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := ErrKeyInvalid.Error(); got != "key_invalid: key is invalid" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("boom")) != "" {
		t.Fatalf("plain errors have no kind")
	}
	if _, ok := As(nil); ok {
		t.Fatalf("nil is not a fault")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrProviderTimeout, true},
		{ErrProviderNetwork, true},
		{Provider(ReasonRejected, "Link is private", nil), false},
		{ErrProviderNoBalance, false},
		{ErrKeyExhausted, false},
		{errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v)=%v, want %v", tc.err, got, tc.want)
		}
	}
}
