// Package state provides the pluggable persistence layer for the run
// ledger. Two interchangeable backends exist: a file tree (default) and a
// transactional SQLite table store. Contract parity between them is part of
// the test suite.
package state

import (
	"fmt"
	"os"
	"strings"

	"github.com/strongdm/daokit/internal/contract"
)

// BackendEnv selects the backend. It is intentionally not a CLI flag.
const BackendEnv = "DAOKIT_STATE_BACKEND"

const (
	BackendFilesystem = "filesystem"
	BackendSQLite     = "sqlite"
)

// Frozen layout under the run root. Release evidence depends on these paths.
const (
	StateDir           = "state"
	PipelineStateFile  = "state/pipeline_state.json"
	EventsFile         = "state/events.jsonl"
	LeasesFile         = "state/process_leases.json"
	HeartbeatFile      = "state/heartbeat_status.json"
	SnapshotsFile      = "state/snapshots.jsonl"
	CheckpointsDir     = "checkpoints"
	ArtifactsDir       = "artifacts/dispatch"
	HandoffDir         = "handoff"
	SQLiteFile         = "state/daokit.db"
	DefaultHandoffFile = "state/handoff_package.json"
)

// RequiredStateFiles are checked by the layout validator (file backend).
var RequiredStateFiles = []string{
	PipelineStateFile,
	EventsFile,
	LeasesFile,
	HeartbeatFile,
}

// Store is the backend contract. All writes preserve the ledger invariants:
// event ids are assigned monotonically by the store, and SaveState persists
// the snapshot journal entry, the state object, and the announcing
// transition event inside one write boundary.
type Store interface {
	LoadState() (contract.PipelineState, error)
	// SaveState returns the state exactly as persisted (schema version and
	// updated_at filled in) so checkpoint hashes can bind it.
	SaveState(st contract.PipelineState, node, fromStatus, toStatus string) (contract.PipelineState, contract.Event, error)

	AppendEvent(ev contract.Event) (contract.Event, error)
	ListEvents() ([]contract.Event, error)

	ListSnapshots() ([]contract.Snapshot, error)

	LoadLeases() ([]contract.Lease, error)
	SaveLeases(leases []contract.Lease) error

	LoadHeartbeatStatus() (contract.HeartbeatStatus, bool, error)
	SaveHeartbeatStatus(hb contract.HeartbeatStatus) error

	AppendCheckpoint(cp contract.Checkpoint) (contract.Checkpoint, error)
	ListCheckpoints() ([]contract.Checkpoint, error)

	Close() error
}

// Backend reports the configured backend name, defaulting to filesystem.
func Backend() (string, error) {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(BackendEnv)))
	switch raw {
	case "", BackendFilesystem:
		return BackendFilesystem, nil
	case BackendSQLite:
		return BackendSQLite, nil
	default:
		return "", fmt.Errorf("unsupported state backend %q (allowed: %s, %s)", raw, BackendFilesystem, BackendSQLite)
	}
}

// Open returns the store for the configured backend rooted at root.
func Open(root string) (Store, error) {
	backend, err := Backend()
	if err != nil {
		return nil, err
	}
	return OpenBackend(root, backend)
}

// OpenBackend returns the named backend rooted at root.
func OpenBackend(root, backend string) (Store, error) {
	switch backend {
	case BackendFilesystem:
		return NewFileStore(root)
	case BackendSQLite:
		return NewSQLiteStore(root)
	default:
		return nil, fmt.Errorf("unsupported state backend %q", backend)
	}
}

// normalizeState fills schema version and keeps closed-shape collections
// non-null so persisted JSON always validates.
func normalizeState(st *contract.PipelineState) {
	st.SchemaVersion = contract.SchemaVersion
	if st.Steps == nil {
		st.Steps = []contract.StepState{}
	}
	if st.RoleLifecycle == nil {
		st.RoleLifecycle = map[string]string{}
	}
}
