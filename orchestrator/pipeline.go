package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/caravanctl/caravan/compat"
	"github.com/caravanctl/caravan/criu"
	"github.com/caravanctl/caravan/errdefs"
	"github.com/caravanctl/caravan/remote"
	"github.com/caravanctl/caravan/runtime"
	"github.com/caravanctl/caravan/types"
	"github.com/caravanctl/caravan/utils"
)

// pipeline carries the per-migration working set through the phases.
type pipeline struct {
	o *Orchestrator
	m *migration

	targetRuntime runtime.Runtime
	targetEngine  Engine

	checkpoint *types.Checkpoint
	pkg        *types.Package

	// sourceStopped flips once checkpointing has stopped the source
	// container; it decides whether a failure needs rollback.
	sourceStopped bool
	// restoreStarted defers cancellation once the target restore begins.
	restoreStarted bool
}

// run drives one migration to a terminal phase. It owns the goroutine.
func (o *Orchestrator) run(m *migration) {
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if m.req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.req.Timeout)
	}
	defer cancel()

	logger := log.WithFunc("orchestrator.run")
	start := time.Now()

	p := &pipeline{
		o:             o,
		m:             m,
		targetRuntime: o.deps.NewTargetRuntime(m.req.TargetHost),
	}
	p.targetEngine = o.deps.NewTargetEngine(m.req.TargetHost, p.targetRuntime)

	err := p.execute(ctx)

	result := &types.MigrationResult{
		Success:  err == nil,
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
		p.advance(ctx, types.PhaseCompleted)
	case errdefs.IsKind(err, errdefs.KindCancelled):
		p.cleanupArtifacts(ctx)
		rolledBack, rbErr := p.restartSourceIfStopped(context.WithoutCancel(ctx))
		result.RolledBack = rolledBack
		if rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		p.advance(ctx, types.PhaseCancelled)
	default:
		p.recordError(ctx, err)
		p.advance(ctx, types.PhaseFailing)
		final, rolledBack, rbErr := p.fail(context.WithoutCancel(ctx), err)
		result.RolledBack = rolledBack
		if rbErr != nil {
			err = errors.Join(err, rbErr)
			p.recordError(ctx, rbErr)
		}
		p.advance(ctx, final)
	}

	result.Err = err
	result.FinalPhaseReached = m.snapshot().Phase

	if err == nil {
		logger.Infof(ctx, "migration %s completed in %s", m.state.ID, result.Duration)
	} else {
		logger.Errorf(ctx, err, "migration %s ended in %s", m.state.ID, result.FinalPhaseReached)
	}
	o.finish(ctx, m, result)
}

// execute walks the linear phase sequence, honoring cancellation at every
// boundary before restore begins.
func (p *pipeline) execute(ctx context.Context) error {
	steps := []struct {
		phase types.Phase
		fn    func(context.Context) error
	}{
		{types.PhaseChecking, p.checkCompatibility},
		{types.PhaseCheckpointing, p.checkpointSource},
		{types.PhasePackaging, p.packageCheckpoint},
		{types.PhaseTransferring, p.transferPackage},
		{types.PhaseUnpacking, p.unpackOnTarget},
		{types.PhaseRestoring, p.restoreOnTarget},
		{types.PhaseValidating, p.validateTarget},
	}

	for _, step := range steps {
		if !p.restoreStarted && p.m.cancelRequested() {
			return errdefs.New(errdefs.KindCancelled, "migration cancelled before %s", step.phase)
		}
		if step.phase == types.PhaseRestoring {
			p.restoreStarted = true
		}
		p.advance(ctx, step.phase)
		if err := step.fn(ctx); err != nil {
			return err
		}
	}

	p.cleanupArtifacts(ctx)
	return nil
}

func (p *pipeline) checkCompatibility(ctx context.Context) error {
	if err := p.o.deps.SourceEngine.ValidateEnvironment(ctx); err != nil {
		return errdefs.Wrap(errdefs.KindCompatibility, err, "source checkpoint engine unavailable")
	}
	if err := p.targetEngine.ValidateEnvironment(ctx); err != nil {
		return errdefs.Wrap(errdefs.KindCompatibility, err, "target checkpoint engine unavailable")
	}

	var prober compat.DriverProber
	if dp, ok := p.targetRuntime.(compat.DriverProber); ok {
		prober = dp
	}
	report := p.o.deps.Compat.Check(ctx, &p.m.req, prober)
	for _, w := range report.Warnings {
		log.WithFunc("orchestrator.checkCompatibility").Warnf(ctx, "migration %s: %s", p.m.state.ID, w)
	}
	if !report.Compatible {
		return errdefs.New(errdefs.KindCompatibility, "container %s cannot migrate: %v",
			p.m.req.ContainerID, report.BlockingReasons)
	}
	return nil
}

func (p *pipeline) checkpointSource(ctx context.Context) error {
	dir := p.o.conf.CheckpointDir(p.m.state.ID)
	if err := utils.EnsureDir(p.o.conf.MigrationDir(p.m.state.ID)); err != nil {
		return errdefs.Wrap(errdefs.KindCheckpoint, err, "prepare migration workspace")
	}

	opts := criu.DefaultOptions()
	cp, err := p.o.deps.SourceEngine.Create(ctx, p.m.req.ContainerID, dir, opts)
	if err != nil {
		return err
	}
	p.checkpoint = cp
	// The dump stopped the container; from here on a failure must restart it.
	p.sourceStopped = !opts.LeaveRunning
	return nil
}

func (p *pipeline) packageCheckpoint(ctx context.Context) error {
	pkg, err := p.o.deps.Packager.Package(ctx, p.checkpoint,
		p.m.req.SourceArch, p.m.req.TargetArch, p.o.conf.PackagePath(p.m.state.ID))
	if err != nil {
		return err
	}
	p.pkg = pkg
	return nil
}

func (p *pipeline) transferPackage(ctx context.Context) error {
	_, err := p.o.deps.Transferer.Transfer(ctx, p.pkg, p.m.req.TargetHost, p.targetPackagePath())
	return err
}

// unpackOnTarget extracts the package into the target-side checkpoint
// directory. A local target uses the packager directly; a remote target is
// driven through its runner with the same contract: the destination is
// reset first and the extracted tree must match the package manifest.
func (p *pipeline) unpackOnTarget(ctx context.Context) error {
	runner := p.o.deps.NewTargetRunner(p.m.req.TargetHost)
	if err := p.o.deps.Transport.Materialize(ctx, runner, p.targetPackagePath()); err != nil {
		return errdefs.Wrap(errdefs.KindUnpack, err, "materialize package on %s", p.m.req.TargetHost)
	}

	dest := p.targetCheckpointDir()
	if runner.Host() == "" {
		_, err := p.o.deps.Packager.Unpack(ctx, p.targetPackagePath(), dest)
		return err
	}

	// A retried migration may find stale files from an earlier attempt.
	if _, err := runner.Run(ctx, "rm", "-rf", dest); err != nil {
		return errdefs.Wrap(errdefs.KindUnpack, err, "reset %s on %s", dest, p.m.req.TargetHost)
	}
	if _, err := runner.Run(ctx, "mkdir", "-p", dest); err != nil {
		return errdefs.Wrap(errdefs.KindUnpack, err, "prepare %s on %s", dest, p.m.req.TargetHost)
	}
	if out, err := runner.Run(ctx, "tar", "-xzf", p.targetPackagePath(), "-C", dest); err != nil {
		return errdefs.Wrap(errdefs.KindUnpack, err, "extract package on %s: %s", p.m.req.TargetHost, out.Text())
	}
	return p.verifyRemoteUnpack(ctx, runner, dest)
}

// verifyRemoteUnpack lists the extracted tree on the target and compares it
// to the manifest recorded at packaging time.
func (p *pipeline) verifyRemoteUnpack(ctx context.Context, runner remote.Runner, dest string) error {
	out, err := runner.Run(ctx, "find", dest, "-type", "f")
	if err != nil {
		return errdefs.Wrap(errdefs.KindUnpack, err, "list extracted checkpoint on %s", p.m.req.TargetHost)
	}

	var got []string
	for _, line := range strings.Split(out.Text(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		got = append(got, strings.TrimPrefix(line, dest+"/"))
	}
	slices.Sort(got)

	if !slices.Equal(got, p.checkpoint.Manifest) {
		return errdefs.New(errdefs.KindUnpack, "unpacked contents on %s do not match the package manifest", p.m.req.TargetHost)
	}
	return nil
}

func (p *pipeline) restoreOnTarget(ctx context.Context) error {
	return p.targetEngine.Restore(ctx, p.m.req.ContainerID, p.targetCheckpointDir())
}

// validateTarget confirms the restored container is healthy on the target.
func (p *pipeline) validateTarget(ctx context.Context) error {
	running, err := p.targetRuntime.IsRunning(ctx, p.m.req.ContainerID)
	if err != nil {
		return errdefs.Wrap(errdefs.KindValidation, err, "validate %s on %s", p.m.req.ContainerID, p.m.req.TargetHost)
	}
	if !running {
		return errdefs.New(errdefs.KindValidation, "container %s is not running on %s after restore",
			p.m.req.ContainerID, p.m.req.TargetHost)
	}
	return nil
}

func (p *pipeline) targetPackagePath() string {
	return filepath.Join(p.o.conf.TargetDir(p.m.state.ID), "package.tar.gz")
}

func (p *pipeline) targetCheckpointDir() string {
	return filepath.Join(p.o.conf.TargetDir(p.m.state.ID), "checkpoint")
}

func (p *pipeline) advance(ctx context.Context, phase types.Phase) {
	p.m.setPhase(phase)
	p.o.persist(ctx, p.m)
	log.WithFunc("orchestrator.advance").Debugf(ctx, "migration %s → %s", p.m.state.ID, phase)
}

func (p *pipeline) recordError(ctx context.Context, err error) {
	p.m.setError(string(errdefs.GetKind(err)), err.Error())
	p.o.persist(ctx, p.m)
}

// cleanupArtifacts removes the migration's source-side checkpoint and
// package. Called after success, cancellation, and rollback so no residual
// artifacts outlive the migration.
func (p *pipeline) cleanupArtifacts(ctx context.Context) {
	logger := log.WithFunc("orchestrator.cleanupArtifacts")
	if p.checkpoint != nil {
		if err := p.o.deps.SourceEngine.Cleanup(ctx, p.checkpoint.DirectoryPath); err != nil {
			logger.Warnf(ctx, "cleanup checkpoint: %v", err)
		}
	}
	dir := p.o.conf.MigrationDir(p.m.state.ID)
	if err := os.RemoveAll(dir); err != nil {
		logger.Warnf(ctx, "cleanup workspace %s: %v", dir, err)
	}
}
