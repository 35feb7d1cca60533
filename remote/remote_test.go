package remote

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// --- Local ---

func TestLocalRun(t *testing.T) {
	out, err := Local{}.Run(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Text() != "hello" {
		t.Errorf("expected %q, got %q", "hello", out.Text())
	}
	if (Local{}).Host() != "" {
		t.Errorf("expected empty host for local runner")
	}
}

func TestLocalRun_ExitError(t *testing.T) {
	out, err := Local{}.Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if ee.Code != 3 {
		t.Errorf("expected exit code 3, got %d", ee.Code)
	}
	if !strings.Contains(string(out.Stderr), "oops") {
		t.Errorf("expected captured stderr, got %q", out.Stderr)
	}
}

// --- SSH ---

func TestQuoteCommand(t *testing.T) {
	got := quoteCommand("criu", []string{"dump", "-D", "/tmp/my dir", "it's"})
	want := `'criu' 'dump' '-D' '/tmp/my dir' 'it'\''s'`
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestIsConnectionError(t *testing.T) {
	if !IsConnectionError(&ExitError{Cmd: "ssh", Code: 255}) {
		t.Errorf("expected exit 255 to be a connection error")
	}
	if IsConnectionError(&ExitError{Cmd: "criu", Code: 1}) {
		t.Errorf("expected exit 1 not to be a connection error")
	}
	if IsConnectionError(errors.New("other")) {
		t.Errorf("expected plain error not to be a connection error")
	}
}
