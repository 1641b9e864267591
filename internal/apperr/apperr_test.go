package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

var errTooMuch = Sentinel(ErrValidation, "Amount is too large.")

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"auth", fmt.Errorf("signing in: %w", ErrAuth), KindAuth},
		{"permission", ErrPermissionDenied, KindPermissionDenied},
		{"transport", fmt.Errorf("%w: publish: boom", ErrTransport), KindTransport},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), KindTransport},
		{"not found", fmt.Errorf("device: %w", ErrNotFound), KindNotFound},
		{"validation sentinel", errTooMuch, KindValidation},
		{"wrapped validationf", fmt.Errorf("schedule: %w", Validationf("bad time %q", "25:00")), KindValidation},
		{"unknown", errors.New("disk on fire"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestMessage_NeverLeaksBackendText(t *testing.T) {
	backend := errors.New("sqlite3: database disk image is malformed at page 42")

	errs := []error{
		fmt.Errorf("%w: %w", ErrTransport, backend),
		fmt.Errorf("loading device: %w", backend),
		fmt.Errorf("%w: %w", ErrNotFound, backend),
		fmt.Errorf("%w: %w", ErrAuth, backend),
	}
	for _, err := range errs {
		msg := Message(err)
		if msg == "" {
			t.Errorf("Message(%v) is empty", err)
		}
		if strings.Contains(msg, "sqlite3") || strings.Contains(msg, "page 42") {
			t.Errorf("Message(%v) = %q leaks backend text", err, msg)
		}
	}
}

func TestMessage_ValidationDetail(t *testing.T) {
	if got := Message(fmt.Errorf("feed: %w", errTooMuch)); got != "Amount is too large." {
		t.Errorf("Message() = %q", got)
	}
	if got := Message(Validationf("Pick between %d and %d grams.", 5, 100)); got != "Pick between 5 and 100 grams." {
		t.Errorf("Message() = %q", got)
	}
	if got := Message(ErrValidation); got == "" {
		t.Error("bare ErrValidation should map to a generic message")
	}
	if got := Message(nil); got != "" {
		t.Errorf("Message(nil) = %q, want empty", got)
	}
}

func TestSentinel_Is(t *testing.T) {
	if !errors.Is(errTooMuch, ErrValidation) {
		t.Error("sentinel should match its kind")
	}
	wrapped := fmt.Errorf("ctx: %w", errTooMuch)
	if !errors.Is(wrapped, errTooMuch) {
		t.Error("wrapped sentinel should match itself")
	}
	if errors.Is(errTooMuch, ErrTransport) {
		t.Error("sentinel matched the wrong kind")
	}
}
