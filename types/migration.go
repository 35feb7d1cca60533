package types

import "time"

// Phase is one step of the migration state machine. Phases for a single
// migration always advance in declaration order; FAILING, FAILED,
// ROLLED_BACK and CANCELLED are the failure branch.
type Phase string

const (
	PhasePending       Phase = "pending"
	PhaseChecking      Phase = "checking_compatibility"
	PhaseCheckpointing Phase = "checkpointing"
	PhasePackaging     Phase = "packaging"
	PhaseTransferring  Phase = "transferring"
	PhaseUnpacking     Phase = "unpacking"
	PhaseRestoring     Phase = "restoring"
	PhaseValidating    Phase = "validating"
	PhaseCompleted     Phase = "completed"
	PhaseFailing       Phase = "failing"
	PhaseFailed        Phase = "failed"
	PhaseRolledBack    Phase = "rolled_back"
	PhaseCancelled     Phase = "cancelled"
)

// Terminal reports whether no further transitions are possible from p.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseRolledBack, PhaseCancelled:
		return true
	}
	return false
}

// MigrationRequest is the immutable input describing one migration.
type MigrationRequest struct {
	ContainerID        string        `json:"container_id"`
	SourceHost         string        `json:"source_host"`
	TargetHost         string        `json:"target_host"`
	SourceArch         string        `json:"source_arch"`
	TargetArch         string        `json:"target_arch"`
	PreserveNetworking bool          `json:"preserve_networking"`
	PreserveVolumes    bool          `json:"preserve_volumes"`
	RollbackOnFailure  bool          `json:"rollback_on_failure"`
	Timeout            time.Duration `json:"timeout"`
}

// MigrationState is the orchestrator-owned mutable record for one migration.
// Snapshots returned by status lookups are value copies.
type MigrationState struct {
	ID              string    `json:"id"`
	ContainerID     string    `json:"container_id"`
	Phase           Phase     `json:"phase"`
	StartedAt       time.Time `json:"started_at"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorKind   string    `json:"last_error_kind,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
}

// MigrationResult is the terminal outcome of a migration.
type MigrationResult struct {
	Success           bool          `json:"success"`
	FinalPhaseReached Phase         `json:"final_phase_reached"`
	Err               error         `json:"-"`
	Duration          time.Duration `json:"duration"`
	RolledBack        bool          `json:"rolled_back"`
}

// CompatibilityReport is the outcome of a compatibility check. A non-empty
// BlockingReasons always implies Compatible == false; warnings never block.
type CompatibilityReport struct {
	Compatible      bool     `json:"compatible"`
	BlockingReasons []string `json:"blocking_reasons,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Block records a blocking reason and flips the report to incompatible.
func (r *CompatibilityReport) Block(reason string) {
	r.Compatible = false
	r.BlockingReasons = append(r.BlockingReasons, reason)
}

// Warn records a non-blocking warning.
func (r *CompatibilityReport) Warn(warning string) {
	r.Warnings = append(r.Warnings, warning)
}
