package types

import "time"

// Checkpoint is the captured process/container state on a single host.
// DirectoryPath is owned by the engine that created it; exactly one live
// checkpoint exists per in-flight migration.
type Checkpoint struct {
	ContainerID   string    `json:"container_id"`
	CreatedAt     time.Time `json:"created_at"`
	DirectoryPath string    `json:"directory_path"`
	SizeBytes     int64     `json:"size_bytes"`
	Manifest      []string  `json:"manifest"`
}

// Package is the packaged, transferable form of a checkpoint. Checksum
// covers the archive payload only, so packaging the same checkpoint twice
// yields the same checksum.
type Package struct {
	SourcePath string    `json:"source_path"`
	SizeBytes  int64     `json:"size_bytes"`
	Checksum   string    `json:"checksum"`
	CreatedAt  time.Time `json:"created_at"`
}

// PackageMeta is the sidecar metadata shipped alongside a package so the
// receiving host can verify it without a side channel.
type PackageMeta struct {
	ContainerID string    `json:"container_id"`
	SourceArch  string    `json:"source_arch"`
	TargetArch  string    `json:"target_arch"`
	Checksum    string    `json:"checksum"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	Manifest    []string  `json:"manifest"`
}

// TransferReceipt confirms a verified transfer to a target host.
type TransferReceipt struct {
	TargetHost     string    `json:"target_host"`
	TargetPath     string    `json:"target_path"`
	BytesSent      int64     `json:"bytes_sent"`
	Checksum       string    `json:"checksum"`
	VerifiedAt     time.Time `json:"verified_at"`
	RetriesUsed    int       `json:"retries_used,omitempty"`
	MetaTargetPath string    `json:"meta_target_path,omitempty"`
}

// ContainerInfo is the subset of runtime inspect output the migration core
// depends on.
type ContainerInfo struct {
	ID            string   `json:"id"`
	Running       bool     `json:"running"`
	PID           int      `json:"pid"`
	Arch          string   `json:"arch"`
	Privileged    bool     `json:"privileged"`
	NetworkMode   string   `json:"network_mode"`
	Devices       []string `json:"devices,omitempty"`
	Binds         []string `json:"binds,omitempty"`
	CapAdd        []string `json:"cap_add,omitempty"`
	StorageDriver string   `json:"storage_driver,omitempty"`
}
