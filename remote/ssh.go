package remote

import (
	"context"
	"fmt"
	"strings"
)

// SSH runs commands on a remote host through the ssh client binary.
// Authentication is assumed to be configured already (keys/agent);
// BatchMode keeps a misconfigured host from hanging on a prompt.
type SSH struct {
	Binary         string
	TargetHost     string
	ConnectTimeout int // seconds
}

var _ Runner = (*SSH)(nil)

// NewSSH creates a runner for host using the given ssh binary.
func NewSSH(binary, host string, connectTimeoutSecs int) *SSH {
	return &SSH{Binary: binary, TargetHost: host, ConnectTimeout: connectTimeoutSecs}
}

func (s *SSH) Host() string { return s.TargetHost }

func (s *SSH) Run(ctx context.Context, name string, args ...string) (*Output, error) {
	sshArgs := []string{
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", s.ConnectTimeout),
		s.TargetHost,
		"--",
		quoteCommand(name, args),
	}
	return runCommand(ctx, s.Binary, sshArgs)
}

// quoteCommand builds a single shell word sequence safe to pass through
// the remote shell: every argument is single-quoted.
func quoteCommand(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{name}, args...) {
		parts = append(parts, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
	}
	return strings.Join(parts, " ")
}
