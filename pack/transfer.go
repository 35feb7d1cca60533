package pack

import (
	"context"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/caravanctl/caravan/errdefs"
	"github.com/caravanctl/caravan/transport"
	"github.com/caravanctl/caravan/types"
	"github.com/caravanctl/caravan/utils"
)

// Transferer ships a package and its sidecar metadata to a target host and
// verifies the received bytes before reporting success.
type Transferer struct {
	Transport transport.Transport
	// Retries bounds local re-attempts for retryable failures (lost
	// connections, checksum mismatches). The whole send is re-invoked;
	// verification rejects partial data, so retrying is idempotent.
	Retries int
}

// Transfer copies the package to targetPath on targetHost, re-computes the
// checksum on the receiving side, and compares it to the sender's recorded
// checksum. A mismatch deletes the partial file and fails the attempt.
func (t *Transferer) Transfer(ctx context.Context, pkg *types.Package, targetHost, targetPath string) (*types.TransferReceipt, error) {
	logger := log.WithFunc("pack.Transfer")
	metaTarget := targetPath + MetaSuffix

	attempts := 0
	try := func() error {
		attempts++

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return t.Transport.Send(gctx, pkg.SourcePath, targetHost, targetPath)
		})
		g.Go(func() error {
			return t.Transport.Send(gctx, pkg.SourcePath+MetaSuffix, targetHost, metaTarget)
		})
		if err := g.Wait(); err != nil {
			return err
		}

		got, err := t.Transport.Checksum(ctx, targetHost, targetPath)
		if err != nil {
			return err
		}
		if got != pkg.Checksum {
			// Never leave partial data behind on the target.
			if rmErr := t.Transport.Remove(ctx, targetHost, targetPath); rmErr != nil {
				logger.Warnf(ctx, "discard partial %s on %s: %v", targetPath, targetHost, rmErr)
			}
			return errdefs.NewTransfer(errdefs.ReasonChecksumMismatch, nil,
				"received %s on %s, sender recorded %s", got, targetHost, pkg.Checksum)
		}
		return nil
	}

	if err := utils.Retry(ctx, t.Retries+1, errdefs.Retryable, func() error {
		err := try()
		if err != nil && errdefs.Retryable(err) {
			logger.Warnf(ctx, "transfer attempt %d to %s failed: %v", attempts, targetHost, err)
		}
		return err
	}); err != nil {
		return nil, err
	}

	return &types.TransferReceipt{
		TargetHost:     targetHost,
		TargetPath:     targetPath,
		BytesSent:      pkg.SizeBytes,
		Checksum:       pkg.Checksum,
		VerifiedAt:     time.Now(),
		RetriesUsed:    attempts - 1,
		MetaTargetPath: metaTarget,
	}, nil
}
