// Package compat decides whether a container can migrate to a target
// architecture. The checker has no side effects and fails closed: an
// inspection error becomes a blocking reason in the report, not a fault.
package compat

import (
	"context"
	"errors"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/caravanctl/caravan/config"
	"github.com/caravanctl/caravan/runtime"
	"github.com/caravanctl/caravan/types"
)

// DriverProber reports a host's storage driver. Implemented by
// runtime.Docker; consulted only when volumes must be preserved.
type DriverProber interface {
	StorageDriver(ctx context.Context) (string, error)
}

// Checker evaluates migration feasibility for containers on one source host.
type Checker struct {
	conf   *config.Config
	source runtime.Runtime
}

// New creates a Checker backed by the source host's runtime.
func New(conf *config.Config, source runtime.Runtime) *Checker {
	return &Checker{conf: conf, source: source}
}

// Check inspects the container and applies every rule, so the report is
// complete rather than short-circuited. Only a missing container cuts the
// evaluation short, since the remaining rules would be meaningless.
// targetProber may be nil when PreserveVolumes is false.
func (c *Checker) Check(ctx context.Context, req *types.MigrationRequest, targetProber DriverProber) *types.CompatibilityReport {
	logger := log.WithFunc("compat.Check")
	report := &types.CompatibilityReport{Compatible: true}

	info, err := c.source.Inspect(ctx, req.ContainerID)
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			report.Block(fmt.Sprintf("container %s not found on source", req.ContainerID))
		} else {
			report.Block(fmt.Sprintf("source runtime unreachable: %v", err))
		}
		return report
	}

	if !info.Running {
		report.Block(fmt.Sprintf("container %s is not running", req.ContainerID))
	}

	// Rule 1: architecture pair allow-list. Unknown pairs block; they are
	// never a silent pass.
	srcArch := runtime.NormalizeArch(req.SourceArch)
	dstArch := runtime.NormalizeArch(req.TargetArch)
	if !c.conf.ArchPairAllowed(srcArch, dstArch) {
		report.Block(fmt.Sprintf("architecture pair %s→%s is not on the allow-list", srcArch, dstArch))
	}
	if info.Arch != "" && info.Arch != srcArch {
		report.Warn(fmt.Sprintf("image architecture %s differs from declared source architecture %s", info.Arch, srcArch))
	}

	// Rule 2: privileged containers.
	if info.Privileged && !c.conf.AllowPrivileged {
		report.Block("privileged container")
	}

	// Rule 3: network mode.
	switch info.NetworkMode {
	case "host":
		if req.PreserveNetworking {
			report.Block("host-mode networking cannot be preserved across hosts")
		} else {
			report.Warn("host-mode networking will not be recreated on the target")
		}
	case "", "default", "none":
		// Nothing to remap.
	default:
		report.Warn(fmt.Sprintf("network mode %q: addresses may change after migration", info.NetworkMode))
	}

	// Rule 4: device pass-through. No cross-architecture device
	// equivalence is assumed.
	for _, dev := range info.Devices {
		report.Block(fmt.Sprintf("device binding %s has no equivalent on the target", dev))
	}

	// Rule 5: bind mounts outside the allow-list may be absent on the target.
	for _, bind := range info.Binds {
		hostPath := bindHostPath(bind)
		if !c.conf.MountAllowed(hostPath) {
			report.Warn(fmt.Sprintf("bind mount %s may not exist on the target", hostPath))
		}
	}

	// Added capabilities depend on the target kernel.
	for _, capability := range info.CapAdd {
		report.Warn(fmt.Sprintf("added capability %s may be unavailable on the target kernel", capability))
	}

	// Divergent storage drivers make volume preservation impossible; fail
	// closed rather than attempt a best-effort copy.
	if req.PreserveVolumes && targetProber != nil {
		c.checkStorageDrivers(ctx, info, targetProber, report)
	}

	logger.Debugf(ctx, "container %s: compatible=%v blocking=%d warnings=%d",
		req.ContainerID, report.Compatible, len(report.BlockingReasons), len(report.Warnings))
	return report
}

func (c *Checker) checkStorageDrivers(ctx context.Context, info *types.ContainerInfo, targetProber DriverProber, report *types.CompatibilityReport) {
	targetDriver, err := targetProber.StorageDriver(ctx)
	if err != nil {
		report.Block(fmt.Sprintf("cannot determine target storage driver: %v", err))
		return
	}
	if info.StorageDriver != "" && targetDriver != "" && info.StorageDriver != targetDriver {
		report.Block(fmt.Sprintf("volume preservation requires matching storage drivers (source %s, target %s)",
			info.StorageDriver, targetDriver))
	}
}

// bindHostPath extracts the host side of a "host:container[:opts]" bind spec.
func bindHostPath(bind string) string {
	for i := 0; i < len(bind); i++ {
		if bind[i] == ':' {
			return bind[:i]
		}
	}
	return bind
}
