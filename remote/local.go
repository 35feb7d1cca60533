package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Local runs commands on the local host.
type Local struct{}

var _ Runner = Local{}

func (Local) Host() string { return "" }

func (Local) Run(ctx context.Context, name string, args ...string) (*Output, error) {
	return runCommand(ctx, name, args)
}

func runCommand(ctx context.Context, name string, args []string) (*Output, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return out, nil
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return out, &ExitError{
			Cmd:    name + " " + strings.Join(args, " "),
			Code:   ee.ExitCode(),
			Stderr: strings.TrimSpace(stderr.String()),
		}
	}
	return out, fmt.Errorf("exec %s: %w", name, err)
}
