// Package criu wraps the external CRIU binary as the checkpoint/restore
// engine. Only exit status and stdout/stderr are interpreted; engine image
// formats are opaque to us.
package criu

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/singleflight"

	"github.com/caravanctl/caravan/errdefs"
	"github.com/caravanctl/caravan/remote"
	containerruntime "github.com/caravanctl/caravan/runtime"
	"github.com/caravanctl/caravan/types"
	"github.com/caravanctl/caravan/utils"
)

const (
	metadataFile   = "metadata.json"
	dumpLog        = "dump.log"
	restoreLog     = "restore.log"
	restorePIDFile = "restore.pid"

	runningPollInterval = time.Second
)

// Options is the fixed option set passed to the engine.
type Options struct {
	LeaveRunning   bool
	TCPEstablished bool
	ShellJob       bool
	ExtUnixSk      bool
	FileLocks      bool
}

// DefaultOptions matches the common Docker-migration case: the container is
// stopped by the dump, established TCP connections are captured.
func DefaultOptions() Options {
	return Options{
		TCPEstablished: true,
		ShellJob:       true,
		ExtUnixSk:      true,
		FileLocks:      true,
	}
}

// Metadata is written beside the engine's image files at checkpoint time.
type Metadata struct {
	ContainerID   string    `json:"container_id"`
	CreatedAt     time.Time `json:"created_at"`
	Arch          string    `json:"arch"`
	KernelVersion string    `json:"kernel_version"`
	EngineVersion string    `json:"engine_version"`
	Warnings      []string  `json:"warnings,omitempty"`
}

// Engine drives CRIU on one host through a remote.Runner. Checkpoint
// creation is a source-host (local runner) operation; restore may run on
// either side.
type Engine struct {
	binary      string
	runner      remote.Runner
	rt          containerruntime.Runtime
	restoreWait time.Duration

	checkGroup singleflight.Group
}

// New creates an Engine for the host behind runner.
func New(binary string, runner remote.Runner, rt containerruntime.Runtime, restoreWait time.Duration) *Engine {
	return &Engine{binary: binary, runner: runner, rt: rt, restoreWait: restoreWait}
}

// ValidateEnvironment verifies the engine binary is present and the kernel
// exposes the features CRIU needs. Concurrent calls are deduplicated; the
// kernel feature probe is not cheap.
func (e *Engine) ValidateEnvironment(ctx context.Context) error {
	_, err, _ := e.checkGroup.Do("check", func() (any, error) {
		out, err := e.runner.Run(ctx, e.binary, "check")
		if err != nil {
			detail := out.Text()
			if detail == "" {
				detail = err.Error()
			}
			return nil, errdefs.Wrap(errdefs.KindCheckpoint, err, "criu environment check failed on %q: %s", hostLabel(e.runner), detail)
		}
		return nil, nil
	})
	return err
}

// Create checkpoints a running container into dir. The directory must not
// contain data from a prior run; there is no silent overwrite. On success the
// container is left stopped unless opts.LeaveRunning is set.
func (e *Engine) Create(ctx context.Context, containerID, dir string, opts Options) (*types.Checkpoint, error) {
	logger := log.WithFunc("criu.Create")

	info, err := e.rt.Inspect(ctx, containerID)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCheckpoint, err, "inspect %s", containerID)
	}
	if !info.Running || info.PID <= 0 {
		return nil, errdefs.New(errdefs.KindCheckpoint, "container %s is not running", containerID)
	}

	empty, err := utils.DirIsEmpty(dir)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCheckpoint, err, "probe checkpoint dir %s", dir)
	}
	if !empty {
		return nil, errdefs.New(errdefs.KindCheckpoint, "checkpoint dir %s already contains data from a prior run", dir)
	}
	if err := utils.EnsureDir(dir); err != nil {
		return nil, errdefs.Wrap(errdefs.KindCheckpoint, err, "create checkpoint dir %s", dir)
	}

	args := []string{
		"dump",
		"-t", fmt.Sprintf("%d", info.PID),
		"-D", dir,
		"-v4",
		"--log-file", dumpLog,
	}
	args = append(args, opts.flags()...)

	logger.Infof(ctx, "checkpointing container %s (pid %d) into %s", containerID, info.PID, dir)
	if out, err := e.runner.Run(ctx, e.binary, args...); err != nil {
		return nil, errdefs.Wrap(errdefs.KindCheckpoint, err, "criu dump %s: %s", containerID, out.Text())
	}

	warnings := scanEngineLog(filepath.Join(dir, dumpLog))
	if err := e.writeMetadata(ctx, dir, containerID, warnings); err != nil {
		return nil, err
	}

	size, err := utils.DirSize(dir)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCheckpoint, err, "measure checkpoint %s", dir)
	}
	// An empty checkpoint is never valid, whatever the engine's exit status said.
	if size == 0 {
		return nil, errdefs.New(errdefs.KindCheckpoint, "checkpoint of %s is empty", containerID)
	}
	manifest, err := utils.DirManifest(dir)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCheckpoint, err, "list checkpoint %s", dir)
	}

	return &types.Checkpoint{
		ContainerID:   containerID,
		CreatedAt:     time.Now(),
		DirectoryPath: dir,
		SizeBytes:     size,
		Manifest:      manifest,
	}, nil
}

// Restore reconstructs a container from the checkpoint unpacked in dir and
// waits for it to reach the running state within the bounded poll window.
// Restore is never retried here; retry policy belongs to the orchestrator.
func (e *Engine) Restore(ctx context.Context, containerID, dir string) error {
	logger := log.WithFunc("criu.Restore")

	if err := e.validateRestorable(ctx, dir); err != nil {
		return err
	}

	args := []string{
		"restore",
		"-D", dir,
		"-v4",
		"--log-file", restoreLog,
		"--pidfile", restorePIDFile,
		"-d",
		"--shell-job",
		"--ext-unix-sk",
		"--file-locks",
		"--tcp-established",
	}

	logger.Infof(ctx, "restoring container %s from %s on %q", containerID, dir, hostLabel(e.runner))
	if out, err := e.runner.Run(ctx, e.binary, args...); err != nil {
		return errdefs.Wrap(errdefs.KindRestore, err, "criu restore %s: %s", containerID, out.Text())
	}

	// Local restores surface the engine's pid file quickly; wait for it
	// before polling the runtime so a failed detached restore is caught early.
	if e.runner.Host() == "" {
		if err := waitForPIDFile(ctx, filepath.Join(dir, restorePIDFile), e.restoreWait); err != nil {
			return errdefs.Wrap(errdefs.KindRestore, err, "restored process of %s never appeared", containerID)
		}
	}

	err := utils.WaitFor(ctx, e.restoreWait, runningPollInterval, func() (bool, error) {
		return e.rt.IsRunning(ctx, containerID)
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindRestore, err, "container %s did not reach running state", containerID)
	}
	return nil
}

// validateRestorable checks the unpacked checkpoint's shape on the engine's
// host: metadata and dump log must be present.
func (e *Engine) validateRestorable(ctx context.Context, dir string) error {
	for _, name := range []string{metadataFile, dumpLog} {
		if _, err := e.runner.Run(ctx, "test", "-f", filepath.Join(dir, name)); err != nil {
			return errdefs.New(errdefs.KindRestore, "checkpoint in %s is missing %s", dir, name)
		}
	}
	return nil
}

// ReadMetadata loads checkpoint metadata from a local checkpoint directory.
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile)) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("read checkpoint metadata: %w", err)
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parse checkpoint metadata: %w", err)
	}
	for _, field := range []string{md.ContainerID, md.Arch} {
		if field == "" {
			return nil, fmt.Errorf("checkpoint metadata in %s is incomplete", dir)
		}
	}
	return &md, nil
}

// Cleanup removes a local checkpoint directory.
func (e *Engine) Cleanup(ctx context.Context, dir string) error {
	log.WithFunc("criu.Cleanup").Debugf(ctx, "removing checkpoint %s", dir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove checkpoint %s: %w", dir, err)
	}
	return nil
}

func (e *Engine) writeMetadata(ctx context.Context, dir, containerID string, warnings []string) error {
	md := Metadata{
		ContainerID:   containerID,
		CreatedAt:     time.Now(),
		Arch:          containerruntime.NormalizeArch(runtime.GOARCH),
		KernelVersion: e.probe(ctx, "uname", "-r"),
		EngineVersion: e.probe(ctx, e.binary, "--version"),
		Warnings:      warnings,
	}
	data, err := json.MarshalIndent(&md, "", "  ")
	if err != nil {
		return errdefs.Wrap(errdefs.KindCheckpoint, err, "encode checkpoint metadata")
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), data, 0o600); err != nil {
		return errdefs.Wrap(errdefs.KindCheckpoint, err, "write checkpoint metadata")
	}
	return nil
}

// probe runs a best-effort diagnostic command; failures yield "unknown".
func (e *Engine) probe(ctx context.Context, name string, args ...string) string {
	out, err := e.runner.Run(ctx, name, args...)
	if err != nil {
		return "unknown"
	}
	if line, _, found := strings.Cut(out.Text(), "\n"); found {
		return line
	}
	return out.Text()
}

// scanEngineLog extracts warning markers from a CRIU log. Best effort: a
// missing or unreadable log yields no warnings.
func scanEngineLog(path string) []string {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil
	}
	content := string(data)
	var warnings []string
	if strings.Contains(content, "Error") {
		warnings = append(warnings, "errors recorded in engine dump log")
	}
	if strings.Contains(content, "Warn") {
		warnings = append(warnings, "warnings recorded in engine dump log")
	}
	return warnings
}

func (o Options) flags() []string {
	var flags []string
	if o.LeaveRunning {
		flags = append(flags, "--leave-running")
	}
	if o.TCPEstablished {
		flags = append(flags, "--tcp-established")
	}
	if o.ShellJob {
		flags = append(flags, "--shell-job")
	}
	if o.ExtUnixSk {
		flags = append(flags, "--ext-unix-sk")
	}
	if o.FileLocks {
		flags = append(flags, "--file-locks")
	}
	return flags
}

func hostLabel(r remote.Runner) string {
	if h := r.Host(); h != "" {
		return h
	}
	return "localhost"
}
