// Package scp implements the transport over the scp/ssh client binaries.
package scp

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/caravanctl/caravan/errdefs"
	"github.com/caravanctl/caravan/remote"
	"github.com/caravanctl/caravan/transport"
)

// SCP ships packages with scp and verifies them with sha256sum over ssh.
type SCP struct {
	scpBinary      string
	sshBinary      string
	connectTimeout int
}

var _ transport.Transport = (*SCP)(nil)

// New creates an SCP transport.
func New(scpBinary, sshBinary string, connectTimeoutSecs int) *SCP {
	return &SCP{scpBinary: scpBinary, sshBinary: sshBinary, connectTimeout: connectTimeoutSecs}
}

func (s *SCP) Kind() string { return "scp" }

func (s *SCP) Send(ctx context.Context, localPath, targetHost, remotePath string) error {
	runner := s.runner(targetHost)
	if _, err := runner.Run(ctx, "mkdir", "-p", filepath.Dir(remotePath)); err != nil {
		return classify(err, "prepare %s on %s", filepath.Dir(remotePath), targetHost)
	}
	out, err := remote.Local{}.Run(ctx, s.scpBinary, s.scpArgs(localPath, targetHost+":"+remotePath)...)
	if err != nil {
		return classify(err, "scp %s to %s: %s", localPath, targetHost, out.Text())
	}
	return nil
}

func (s *SCP) Recv(ctx context.Context, targetHost, remotePath, localPath string) error {
	out, err := remote.Local{}.Run(ctx, s.scpBinary, s.scpArgs(targetHost+":"+remotePath, localPath)...)
	if err != nil {
		return classify(err, "scp %s from %s: %s", remotePath, targetHost, out.Text())
	}
	return nil
}

func (s *SCP) Checksum(ctx context.Context, targetHost, remotePath string) (string, error) {
	out, err := s.runner(targetHost).Run(ctx, "sha256sum", remotePath)
	if err != nil {
		return "", classify(err, "checksum %s on %s", remotePath, targetHost)
	}
	fields := strings.Fields(out.Text())
	if len(fields) == 0 {
		return "", errdefs.New(errdefs.KindTransfer, "empty checksum output for %s on %s", remotePath, targetHost)
	}
	return "sha256:" + fields[0], nil
}

func (s *SCP) Remove(ctx context.Context, targetHost, remotePath string) error {
	if _, err := s.runner(targetHost).Run(ctx, "rm", "-f", remotePath); err != nil {
		return classify(err, "remove %s on %s", remotePath, targetHost)
	}
	return nil
}

// Materialize is a no-op: Send already placed the file at remotePath.
func (s *SCP) Materialize(context.Context, remote.Runner, string) error { return nil }

func (s *SCP) runner(host string) remote.Runner {
	return remote.NewSSH(s.sshBinary, host, s.connectTimeout)
}

func (s *SCP) scpArgs(src, dst string) []string {
	return []string{
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", s.connectTimeout),
		"-q",
		src,
		dst,
	}
}

// classify maps ssh-level failures to the retryable connection-lost reason;
// everything else is a plain transfer error.
func classify(err error, format string, args ...any) error {
	if remote.IsConnectionError(err) {
		return errdefs.NewTransfer(errdefs.ReasonConnectionLost, err, format, args...)
	}
	return errdefs.Wrap(errdefs.KindTransfer, err, format, args...)
}
