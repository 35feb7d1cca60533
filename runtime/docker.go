package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/caravanctl/caravan/remote"
	"github.com/caravanctl/caravan/types"
)

// Docker drives the docker CLI through a remote.Runner, so the same code
// inspects containers on the source host and validates them on the target.
type Docker struct {
	binary      string
	runner      remote.Runner
	stopTimeout int // seconds, passed to docker stop -t
}

var _ Runtime = (*Docker)(nil)

// NewDocker creates a Docker runtime on the given runner.
func NewDocker(binary string, runner remote.Runner, stopTimeoutSecs int) *Docker {
	return &Docker{binary: binary, runner: runner, stopTimeout: stopTimeoutSecs}
}

// dockerInspect is the subset of `docker inspect` output we read.
type dockerInspect struct {
	ID    string `json:"Id"`
	State struct {
		Status  string `json:"Status"`
		Running bool   `json:"Running"`
		Pid     int    `json:"Pid"`
	} `json:"State"`
	Config struct {
		Architecture string `json:"Architecture"`
	} `json:"Config"`
	HostConfig struct {
		Privileged  bool     `json:"Privileged"`
		NetworkMode string   `json:"NetworkMode"`
		Binds       []string `json:"Binds"`
		CapAdd      []string `json:"CapAdd"`
		Devices     []struct {
			PathOnHost      string `json:"PathOnHost"`
			PathInContainer string `json:"PathInContainer"`
		} `json:"Devices"`
	} `json:"HostConfig"`
	Architecture string `json:"Architecture"`
	Driver       string `json:"Driver"`
}

// isNoSuchObject matches the stderr marker docker prints for an unknown
// ID. docker also exits 1 when the daemon is unreachable, so the exit code
// alone cannot distinguish a missing container from a broken runtime.
func isNoSuchObject(err error) bool {
	ee, ok := err.(*remote.ExitError)
	if !ok || remote.IsConnectionError(err) {
		return false
	}
	return strings.Contains(ee.Stderr, "No such object") || strings.Contains(ee.Stderr, "No such container")
}

func (d *Docker) Inspect(ctx context.Context, id string) (*types.ContainerInfo, error) {
	out, err := d.runner.Run(ctx, d.binary, "inspect", id)
	if err != nil {
		if isNoSuchObject(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("docker inspect %s: %w", id, err)
	}

	var entries []dockerInspect
	if err := json.Unmarshal(out.Stdout, &entries); err != nil {
		return nil, fmt.Errorf("parse docker inspect %s: %w", id, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e := entries[0]

	arch := e.Architecture
	if arch == "" {
		arch = e.Config.Architecture
	}
	devices := make([]string, 0, len(e.HostConfig.Devices))
	for _, dev := range e.HostConfig.Devices {
		devices = append(devices, dev.PathOnHost)
	}

	return &types.ContainerInfo{
		ID:            e.ID,
		Running:       e.State.Running,
		PID:           e.State.Pid,
		Arch:          NormalizeArch(arch),
		Privileged:    e.HostConfig.Privileged,
		NetworkMode:   e.HostConfig.NetworkMode,
		Devices:       devices,
		Binds:         e.HostConfig.Binds,
		CapAdd:        e.HostConfig.CapAdd,
		StorageDriver: e.Driver,
	}, nil
}

func (d *Docker) Stop(ctx context.Context, id string) error {
	_, err := d.runner.Run(ctx, d.binary, "stop", "-t", strconv.Itoa(d.stopTimeout), id)
	if err != nil {
		return fmt.Errorf("docker stop %s: %w", id, err)
	}
	return nil
}

func (d *Docker) Start(ctx context.Context, id string) error {
	_, err := d.runner.Run(ctx, d.binary, "start", id)
	if err != nil {
		return fmt.Errorf("docker start %s: %w", id, err)
	}
	return nil
}

func (d *Docker) IsRunning(ctx context.Context, id string) (bool, error) {
	out, err := d.runner.Run(ctx, d.binary, "inspect", "-f", "{{.State.Running}}", id)
	if err != nil {
		if isNoSuchObject(err) {
			return false, nil // gone entirely
		}
		return false, fmt.Errorf("docker inspect %s: %w", id, err)
	}
	return out.Text() == "true", nil
}

// StorageDriver reports the daemon's storage driver on this runner's host.
func (d *Docker) StorageDriver(ctx context.Context) (string, error) {
	out, err := d.runner.Run(ctx, d.binary, "info", "-f", "{{.Driver}}")
	if err != nil {
		return "", fmt.Errorf("docker info: %w", err)
	}
	return out.Text(), nil
}

// NormalizeArch maps runtime-reported architecture names onto kernel
// conventions, so compatibility checks compare like with like.
func NormalizeArch(arch string) string {
	switch strings.ToLower(strings.TrimSpace(arch)) {
	case "amd64", "x86_64":
		return "x86_64"
	case "arm64", "aarch64":
		return "aarch64"
	case "386", "i386":
		return "i386"
	case "arm", "armv7l":
		return "arm"
	default:
		return strings.ToLower(strings.TrimSpace(arch))
	}
}
