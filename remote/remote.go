// Package remote runs commands on the local host or on a named remote
// host over ssh. Every target-side action of a migration (restore, unpack,
// runtime queries) goes through a Runner, so the same pipeline code drives
// both sides.
package remote

import (
	"context"
	"fmt"
	"strings"
)

// Output captures the result of a completed command.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Text returns trimmed stdout as a string.
func (o *Output) Text() string {
	if o == nil {
		return ""
	}
	return strings.TrimSpace(string(o.Stdout))
}

// Runner executes a command and returns its captured output. A non-zero
// exit status is an *ExitError; the Output is still returned for
// diagnostics when available.
type Runner interface {
	// Host is the host this runner targets; empty for the local host.
	Host() string
	Run(ctx context.Context, name string, args ...string) (*Output, error)
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: exit status %d: %s", e.Cmd, e.Code, e.Stderr)
	}
	return fmt.Sprintf("%s: exit status %d", e.Cmd, e.Code)
}

// sshConnectionExit is the exit status ssh reserves for its own failures
// (unreachable host, auth failure) as opposed to the remote command's.
const sshConnectionExit = 255

// IsConnectionError reports whether err indicates the transport channel
// failed rather than the remote command.
func IsConnectionError(err error) bool {
	if ee, ok := err.(*ExitError); ok {
		return ee.Code == sshConnectionExit
	}
	return false
}
