// Package orchestrator sequences the migration pipeline: compatibility
// check, checkpoint, package, transfer, unpack, restore, validation, with
// rollback on failure. Each migration runs in its own goroutine; the only
// shared mutable state is the registry, guarded by one mutex that is never
// held across blocking I/O.
package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/caravanctl/caravan/compat"
	"github.com/caravanctl/caravan/config"
	"github.com/caravanctl/caravan/criu"
	"github.com/caravanctl/caravan/errdefs"
	"github.com/caravanctl/caravan/lock/flock"
	"github.com/caravanctl/caravan/pack"
	"github.com/caravanctl/caravan/remote"
	"github.com/caravanctl/caravan/runtime"
	"github.com/caravanctl/caravan/store"
	"github.com/caravanctl/caravan/transport"
	transportregistry "github.com/caravanctl/caravan/transport/registry"
	"github.com/caravanctl/caravan/transport/scp"
	"github.com/caravanctl/caravan/types"
	"github.com/caravanctl/caravan/utils"
)

// CompatChecker decides migration feasibility.
type CompatChecker interface {
	Check(ctx context.Context, req *types.MigrationRequest, prober compat.DriverProber) *types.CompatibilityReport
}

// Engine is the checkpoint/restore engine contract on one host.
type Engine interface {
	ValidateEnvironment(ctx context.Context) error
	Create(ctx context.Context, containerID, dir string, opts criu.Options) (*types.Checkpoint, error)
	Restore(ctx context.Context, containerID, dir string) error
	Cleanup(ctx context.Context, dir string) error
}

// Packager builds and opens package archives on the local host.
type Packager interface {
	Package(ctx context.Context, cp *types.Checkpoint, sourceArch, targetArch, outPath string) (*types.Package, error)
	Unpack(ctx context.Context, pkgPath, destDir string) (*types.Checkpoint, error)
}

// Transferer ships a package to a target host with verification.
type Transferer interface {
	Transfer(ctx context.Context, pkg *types.Package, targetHost, targetPath string) (*types.TransferReceipt, error)
}

// Deps collects the orchestrator's collaborators. The default set is
// assembled from config by New; tests inject fakes.
type Deps struct {
	Compat        CompatChecker
	SourceRuntime runtime.Runtime
	SourceEngine  Engine
	Packager      Packager
	Transferer    Transferer
	Transport     transport.Transport

	NewTargetRunner  func(host string) remote.Runner
	NewTargetRuntime func(host string) runtime.Runtime
	NewTargetEngine  func(host string, rt runtime.Runtime) Engine
}

// Orchestrator owns the migration registry and drives pipelines.
type Orchestrator struct {
	conf *config.Config
	deps Deps

	mu     sync.Mutex
	active map[string]*migration // containerID → in-flight migration
	byID   map[string]*migration // migrationID → migration (any state)
	index  *store.Store[Index]
}

// New assembles an Orchestrator with production collaborators.
func New(conf *config.Config) (*Orchestrator, error) {
	if err := utils.EnsureDir(conf.WorkDir); err != nil {
		return nil, fmt.Errorf("ensure work dir: %w", err)
	}

	local := remote.Local{}
	sourceRuntime := runtime.NewDocker(conf.DockerBinary, local, conf.StopTimeoutSeconds)
	restoreWait := time.Duration(conf.RestoreWaitSeconds) * time.Second
	sourceEngine := criu.New(conf.CriuBinary, local, sourceRuntime, restoreWait)

	tp, err := newTransport(conf)
	if err != nil {
		return nil, err
	}

	newTargetRunner := func(host string) remote.Runner {
		if host == "" || host == "localhost" {
			return remote.Local{}
		}
		return remote.NewSSH(conf.SSHBinary, host, conf.ConnectTimeoutSeconds)
	}
	newTargetRuntime := func(host string) runtime.Runtime {
		return runtime.NewDocker(conf.DockerBinary, newTargetRunner(host), conf.StopTimeoutSeconds)
	}

	maxBytes, err := conf.MaxPackageBytes()
	if err != nil {
		return nil, err
	}

	deps := Deps{
		Compat:           compat.New(conf, sourceRuntime),
		SourceRuntime:    sourceRuntime,
		SourceEngine:     sourceEngine,
		Packager:         &pack.Packager{MaxBytes: maxBytes},
		Transferer:       &pack.Transferer{Transport: tp, Retries: conf.TransferRetries},
		Transport:        tp,
		NewTargetRunner:  newTargetRunner,
		NewTargetRuntime: newTargetRuntime,
		NewTargetEngine: func(host string, rt runtime.Runtime) Engine {
			return criu.New(conf.CriuBinary, newTargetRunner(host), rt, restoreWait)
		},
	}
	return NewWithDeps(conf, deps), nil
}

// NewWithDeps assembles an Orchestrator with explicit collaborators.
func NewWithDeps(conf *config.Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		conf:   conf,
		deps:   deps,
		active: make(map[string]*migration),
		byID:   make(map[string]*migration),
		index:  store.New[Index](conf.IndexFile(), flock.New(conf.IndexLock())),
	}
}

func newTransport(conf *config.Config) (transport.Transport, error) {
	switch conf.Transport {
	case "", "scp":
		return scp.New(conf.SCPBinary, conf.SSHBinary, conf.ConnectTimeoutSeconds), nil
	case "registry":
		if conf.RegistryRepo == "" {
			return nil, fmt.Errorf("registry transport requires registry_repo")
		}
		return transportregistry.New(conf.RegistryRepo), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", conf.Transport)
	}
}

// Submit registers a migration and starts its pipeline. At most one
// migration per container may be active; a second submission fails with
// AlreadyInProgress while the first has not reached a terminal phase.
func (o *Orchestrator) Submit(ctx context.Context, req *types.MigrationRequest) (string, error) {
	if req.ContainerID == "" {
		return "", fmt.Errorf("container ID is required")
	}
	if req.TargetHost == "" {
		return "", fmt.Errorf("target host is required")
	}

	m := &migration{
		req: *req,
		state: types.MigrationState{
			ID:          utils.GenerateID(),
			ContainerID: req.ContainerID,
			Phase:       types.PhasePending,
			StartedAt:   time.Now(),
		},
		done: make(chan struct{}),
	}

	o.mu.Lock()
	if _, busy := o.active[req.ContainerID]; busy {
		o.mu.Unlock()
		return "", errdefs.New(errdefs.KindAlreadyInProgress, "migration for container %s is already in progress", req.ContainerID)
	}
	o.active[req.ContainerID] = m
	o.byID[m.state.ID] = m
	o.mu.Unlock()

	o.persist(ctx, m)
	log.WithFunc("orchestrator.Submit").Infof(ctx, "migration %s submitted for container %s → %s",
		m.state.ID, req.ContainerID, req.TargetHost)

	go o.run(m)
	return m.state.ID, nil
}

// Status returns a read-only snapshot of the migration. In-flight
// migrations come from memory; finished ones from the persisted index.
func (o *Orchestrator) Status(ctx context.Context, migrationID string) (types.MigrationState, error) {
	o.mu.Lock()
	m := o.byID[migrationID]
	o.mu.Unlock()
	if m != nil {
		return m.snapshot(), nil
	}

	var state types.MigrationState
	err := o.index.With(ctx, func(idx *Index) error {
		rec, ok := utils.LookupCopy(idx.Migrations, migrationID)
		if !ok {
			return fmt.Errorf("migration %s not found", migrationID)
		}
		state = rec.MigrationState
		return nil
	})
	return state, err
}

// List returns snapshots of all known migrations, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]types.MigrationState, error) {
	seen := make(map[string]struct{})
	var states []types.MigrationState

	o.mu.Lock()
	for id, m := range o.byID {
		states = append(states, m.snapshot())
		seen[id] = struct{}{}
	}
	o.mu.Unlock()

	err := o.index.With(ctx, func(idx *Index) error {
		for id, rec := range idx.Migrations {
			if rec == nil {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			states = append(states, rec.MigrationState)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortStatesByStart(states)
	return states, nil
}

// Cancel requests cooperative cancellation. The running phase finishes its
// current atomic step; the flag is observed at the next phase boundary.
// Once restore has begun the request is deferred and the migration
// completes with its natural outcome.
func (o *Orchestrator) Cancel(ctx context.Context, migrationID string) error {
	o.mu.Lock()
	m := o.byID[migrationID]
	o.mu.Unlock()
	if m == nil {
		return fmt.Errorf("migration %s not found", migrationID)
	}
	if m.snapshot().Phase.Terminal() {
		return fmt.Errorf("migration %s already finished", migrationID)
	}
	m.requestCancel()
	o.persist(ctx, m)
	log.WithFunc("orchestrator.Cancel").Infof(ctx, "cancellation requested for migration %s", migrationID)
	return nil
}

// Wait blocks until the migration finishes and returns its result.
func (o *Orchestrator) Wait(ctx context.Context, migrationID string) (*types.MigrationResult, error) {
	o.mu.Lock()
	m := o.byID[migrationID]
	o.mu.Unlock()
	if m == nil {
		return nil, fmt.Errorf("migration %s not found", migrationID)
	}
	select {
	case <-m.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result, nil
}

// finish removes the migration from the active set and records the result.
func (o *Orchestrator) finish(ctx context.Context, m *migration, result *types.MigrationResult) {
	m.mu.Lock()
	m.result = result
	m.mu.Unlock()

	o.mu.Lock()
	delete(o.active, m.req.ContainerID)
	o.mu.Unlock()

	o.persist(ctx, m)
	close(m.done)
}

// persist mirrors the in-memory state into the index. Best effort: the
// index is for operators, the in-memory registry is authoritative.
func (o *Orchestrator) persist(ctx context.Context, m *migration) {
	m.mu.Lock()
	rec := &Record{
		MigrationState: m.state,
		Request:        m.req,
	}
	if m.result != nil {
		now := time.Now()
		rec.FinishedAt = &now
		rec.RolledBack = m.result.RolledBack
		rec.DurationMs = m.result.Duration.Milliseconds()
	}
	m.mu.Unlock()

	if err := o.index.Update(ctx, func(idx *Index) error {
		idx.Migrations[rec.ID] = rec
		return nil
	}); err != nil {
		log.WithFunc("orchestrator.persist").Warnf(ctx, "persist migration %s: %v", rec.ID, err)
	}
}

func sortStatesByStart(states []types.MigrationState) {
	slices.SortFunc(states, func(a, b types.MigrationState) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
}
