// Package transport moves package archives between hosts. Backends are
// swappable: the pipeline only needs "send bytes, verify, or fail".
package transport

import (
	"context"

	"github.com/caravanctl/caravan/remote"
)

// Transport ships a local file to a target host and supports the
// verification and cleanup the transfer phase needs. Implementations treat
// a transfer as at-most-once: callers retry the whole operation.
type Transport interface {
	Kind() string

	// Send copies localPath to remotePath on targetHost.
	Send(ctx context.Context, localPath, targetHost, remotePath string) error
	// Recv copies remotePath on targetHost back to localPath.
	Recv(ctx context.Context, targetHost, remotePath, localPath string) error
	// Checksum returns the canonical digest of the transferred content as
	// observed on the receiving side.
	Checksum(ctx context.Context, targetHost, remotePath string) (string, error)
	// Remove deletes the transferred content on the receiving side, used to
	// discard partial data after a failed verification.
	Remove(ctx context.Context, targetHost, remotePath string) error
	// Materialize ensures the sent package exists as a plain file at
	// remotePath on the target, running commands through runner when the
	// backend stores content elsewhere (e.g. an OCI registry).
	Materialize(ctx context.Context, runner remote.Runner, remotePath string) error
}
