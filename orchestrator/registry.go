package orchestrator

import (
	"sync"
	"time"

	"github.com/caravanctl/caravan/types"
)

// Record is the persisted form of one migration in the index.
type Record struct {
	types.MigrationState

	Request    types.MigrationRequest `json:"request"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	RolledBack bool                   `json:"rolled_back,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
}

// Index is the on-disk migration index. It survives process restarts so
// ps/status can report historical migrations.
type Index struct {
	Migrations map[string]*Record `json:"migrations"` // keyed by migration ID
}

// Init implements store.Initer.
func (idx *Index) Init() {
	if idx.Migrations == nil {
		idx.Migrations = make(map[string]*Record)
	}
}

// migration is the in-memory record the orchestrator owns while a
// migration is in flight.
type migration struct {
	req types.MigrationRequest

	mu     sync.Mutex
	state  types.MigrationState
	result *types.MigrationResult

	done chan struct{}
}

// snapshot returns a detached copy of the mutable state.
func (m *migration) snapshot() types.MigrationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *migration) setPhase(phase types.Phase) {
	m.mu.Lock()
	m.state.Phase = phase
	m.mu.Unlock()
}

func (m *migration) setError(kind, detail string) {
	m.mu.Lock()
	m.state.LastErrorKind = kind
	m.state.LastError = detail
	m.mu.Unlock()
}

func (m *migration) requestCancel() {
	m.mu.Lock()
	m.state.CancelRequested = true
	m.mu.Unlock()
}

func (m *migration) cancelRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CancelRequested
}
