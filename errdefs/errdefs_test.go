package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	base := errors.New("disk full")
	e := Wrap(KindCheckpoint, base, "dump container %s", "web")
	want := "checkpoint: dump container web: disk full"
	if e.Error() != want {
		t.Errorf("expected %q, got %q", want, e.Error())
	}
	if !errors.Is(e, base) {
		t.Errorf("expected wrapped error to match errors.Is")
	}
}

func TestGetKindThroughWrapChain(t *testing.T) {
	e := New(KindRestore, "no pid file")
	wrapped := fmt.Errorf("phase failed: %w", e)
	if got := GetKind(wrapped); got != KindRestore {
		t.Errorf("expected %q, got %q", KindRestore, got)
	}
	if !IsKind(wrapped, KindRestore) {
		t.Errorf("expected IsKind to see through the wrap")
	}
	if GetKind(errors.New("plain")) != "" {
		t.Errorf("expected empty kind for unkinded error")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"connection lost", NewTransfer(ReasonConnectionLost, nil, "scp interrupted"), true},
		{"checksum mismatch", NewTransfer(ReasonChecksumMismatch, nil, "bad digest"), true},
		{"plain transfer", New(KindTransfer, "no reason"), false},
		{"checkpoint", New(KindCheckpoint, "criu failed"), false},
		{"unkinded", errors.New("whatever"), false},
		{"wrapped retryable", fmt.Errorf("outer: %w", NewTransfer(ReasonConnectionLost, nil, "x")), true},
	}
	for _, c := range cases {
		if got := Retryable(c.err); got != c.want {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, got)
		}
	}
}
