package config

import (
	"fmt"
	"path/filepath"
	"strings"

	units "github.com/docker/go-units"
	coretypes "github.com/projecteru2/core/types"
)

// Config holds global Caravan configuration.
type Config struct {
	// WorkDir is the base directory for migration workspaces (checkpoints,
	// packages, the migration index).
	// Env: CARAVAN_WORK_DIR. Default: /var/lib/caravan.
	WorkDir string `json:"work_dir" mapstructure:"work_dir"`
	// CriuBinary is the path or name of the CRIU executable used on both
	// the source and target hosts. Default: "criu".
	CriuBinary string `json:"criu_binary" mapstructure:"criu_binary"`
	// DockerBinary is the path or name of the container runtime CLI.
	// Default: "docker".
	DockerBinary string `json:"docker_binary" mapstructure:"docker_binary"`
	// SSHBinary and SCPBinary back the remote runner and the scp transport.
	SSHBinary string `json:"ssh_binary" mapstructure:"ssh_binary"`
	SCPBinary string `json:"scp_binary" mapstructure:"scp_binary"`
	// ConnectTimeoutSeconds is passed to ssh/scp as ConnectTimeout.
	// Default: 10.
	ConnectTimeoutSeconds int `json:"connect_timeout_seconds" mapstructure:"connect_timeout_seconds"`
	// StopTimeoutSeconds is how long the runtime may take to stop a
	// container before the stop is reported as failed. Default: 30.
	StopTimeoutSeconds int `json:"stop_timeout_seconds" mapstructure:"stop_timeout_seconds"`
	// RestoreWaitSeconds bounds the poll window for a restored container to
	// reach the running state. Default: 60.
	RestoreWaitSeconds int `json:"restore_wait_seconds" mapstructure:"restore_wait_seconds"`
	// TransferRetries bounds local retries of an interrupted transfer.
	// Default: 3.
	TransferRetries int `json:"transfer_retries" mapstructure:"transfer_retries"`
	// Transport selects the package transport backend: "scp" or "registry".
	// Default: "scp".
	Transport string `json:"transport" mapstructure:"transport"`
	// RegistryRepo is the OCI repository packages are pushed to when the
	// registry transport is selected, e.g. "ghcr.io/acme/checkpoints".
	RegistryRepo string `json:"registry_repo" mapstructure:"registry_repo"`
	// AllowPrivileged permits migrating privileged containers. Default: false.
	AllowPrivileged bool `json:"allow_privileged" mapstructure:"allow_privileged"`
	// ArchPairs is the allow-list of known-working "source:target"
	// architecture pairs. Default: x86_64:aarch64, amd64:arm64, and the
	// same-architecture identity pairs.
	ArchPairs []string `json:"arch_pairs" mapstructure:"arch_pairs"`
	// MountAllowList lists host path prefixes whose bind mounts are assumed
	// to exist on the target. Mounts outside the list produce warnings.
	MountAllowList []string `json:"mount_allow_list" mapstructure:"mount_allow_list"`
	// MaxPackageSize caps the packaged checkpoint size ("0" = unlimited).
	// Accepts human-readable values like "2GiB".
	MaxPackageSize string `json:"max_package_size" mapstructure:"max_package_size"`
	// PoolSize bounds concurrent migrations in batch commands.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		WorkDir:               "/var/lib/caravan",
		CriuBinary:            "criu",
		DockerBinary:          "docker",
		SSHBinary:             "ssh",
		SCPBinary:             "scp",
		ConnectTimeoutSeconds: 10,
		StopTimeoutSeconds:    30,
		RestoreWaitSeconds:    60,
		TransferRetries:       3,
		Transport:             "scp",
		ArchPairs: []string{
			"x86_64:aarch64",
			"amd64:arm64",
			"x86_64:x86_64",
			"aarch64:aarch64",
		},
		MaxPackageSize: "0",
	}
}

// MigrationDir returns the workspace owned by one migration.
func (c *Config) MigrationDir(migrationID string) string {
	return filepath.Join(c.WorkDir, "migrations", migrationID)
}

// CheckpointDir returns the checkpoint directory inside a migration workspace.
func (c *Config) CheckpointDir(migrationID string) string {
	return filepath.Join(c.MigrationDir(migrationID), "checkpoint")
}

// PackagePath returns the package archive path inside a migration workspace.
func (c *Config) PackagePath(migrationID string) string {
	return filepath.Join(c.MigrationDir(migrationID), "package.tar.gz")
}

// TargetDir returns the per-migration workspace on the target host.
// Namespacing by migration ID keeps concurrent migrations to the same
// target from colliding.
func (c *Config) TargetDir(migrationID string) string {
	return filepath.Join("/var/lib/caravan/incoming", migrationID)
}

// IndexFile returns the path of the persisted migration index.
func (c *Config) IndexFile() string {
	return filepath.Join(c.WorkDir, "migrations.json")
}

// IndexLock returns the flock path guarding the migration index.
func (c *Config) IndexLock() string {
	return filepath.Join(c.WorkDir, "migrations.lock")
}

// ArchPairAllowed reports whether source→target is on the allow-list.
func (c *Config) ArchPairAllowed(sourceArch, targetArch string) bool {
	want := sourceArch + ":" + targetArch
	for _, pair := range c.ArchPairs {
		if strings.TrimSpace(pair) == want {
			return true
		}
	}
	return false
}

// MountAllowed reports whether a bind-mounted host path falls under an
// allow-listed prefix.
func (c *Config) MountAllowed(hostPath string) bool {
	for _, prefix := range c.MountAllowList {
		prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
		if prefix == "" {
			continue
		}
		if hostPath == prefix || strings.HasPrefix(hostPath, prefix+"/") {
			return true
		}
	}
	return false
}

// MaxPackageBytes parses MaxPackageSize; zero means unlimited.
func (c *Config) MaxPackageBytes() (int64, error) {
	if c.MaxPackageSize == "" || c.MaxPackageSize == "0" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.MaxPackageSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max_package_size %q: %w", c.MaxPackageSize, err)
	}
	return n, nil
}
