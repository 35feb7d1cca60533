package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/caravanctl/caravan/errdefs"
	"github.com/caravanctl/caravan/runtime"
	"github.com/caravanctl/caravan/types"
	"github.com/caravanctl/caravan/utils"
)

const rollbackPollInterval = time.Second

// fail routes a pipeline error to its terminal phase. The context passed
// in must not carry the pipeline's deadline: the timeout that triggered the
// failure must never abort the rollback itself.
//
// Compatibility and checkpoint failures left the source untouched or still
// running, so they never need rollback. Later failures need it exactly when
// checkpointing stopped the source container.
func (p *pipeline) fail(ctx context.Context, cause error) (final types.Phase, rolledBack bool, rbErr error) {
	if !p.m.req.RollbackOnFailure || !p.sourceStopped {
		return types.PhaseFailed, false, nil
	}

	if err := p.rollback(ctx); err != nil {
		// Rollback failure is fatal and requires an operator; never
		// claim success.
		log.WithFunc("orchestrator.fail").Errorf(ctx, err,
			"rollback of migration %s FAILED after %v, manual intervention required", p.m.state.ID, cause)
		return types.PhaseFailed, false, err
	}

	p.cleanupArtifacts(ctx)
	return types.PhaseRolledBack, true, nil
}

// rollback restarts the original source container from its pre-checkpoint
// state, using the runtime's own container object rather than the checkpoint.
func (p *pipeline) rollback(ctx context.Context) error {
	logger := log.WithFunc("orchestrator.rollback")
	containerID := p.m.req.ContainerID
	rt := p.o.deps.SourceRuntime

	if _, err := rt.Inspect(ctx, containerID); err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return errdefs.New(errdefs.KindRollback, "source container %s no longer exists", containerID)
		}
		return errdefs.Wrap(errdefs.KindRollback, err, "inspect source container %s", containerID)
	}

	logger.Infof(ctx, "restarting source container %s", containerID)
	if err := rt.Start(ctx, containerID); err != nil {
		return errdefs.Wrap(errdefs.KindRollback, err, "restart source container %s", containerID)
	}

	wait := time.Duration(p.o.conf.RestoreWaitSeconds) * time.Second
	err := utils.WaitFor(ctx, wait, rollbackPollInterval, func() (bool, error) {
		return rt.IsRunning(ctx, containerID)
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindRollback, err, "source container %s did not come back up", containerID)
	}
	return nil
}

// restartSourceIfStopped restores the source container after cancellation
// when checkpointing had already stopped it. Reports whether a restart
// happened.
func (p *pipeline) restartSourceIfStopped(ctx context.Context) (bool, error) {
	if !p.sourceStopped {
		return false, nil
	}
	if err := p.rollback(ctx); err != nil {
		return false, err
	}
	return true, nil
}
