// Package contract defines the persisted record family shared by every
// DAOKit subsystem: pipeline state, events, leases, heartbeat status,
// checkpoints, and the canonical-JSON identity derivations that bind them.
package contract

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is carried by every persisted record. The 1.0.0 contract
// family is frozen: enum values never change, new detail fields live inside
// payload objects only.
const SchemaVersion = "1.0.0"

type PipelineStatus string

const (
	StatusPlanning PipelineStatus = "PLANNING"
	StatusAnalysis PipelineStatus = "ANALYSIS"
	StatusFreeze   PipelineStatus = "FREEZE"
	StatusExecute  PipelineStatus = "EXECUTE"
	StatusAccept   PipelineStatus = "ACCEPT"
	StatusDone     PipelineStatus = "DONE"
	StatusDraining PipelineStatus = "DRAINING"
	StatusBlocked  PipelineStatus = "BLOCKED"
	StatusFailed   PipelineStatus = "FAILED"
)

func ParsePipelineStatus(s string) (PipelineStatus, error) {
	switch PipelineStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusPlanning, StatusAnalysis, StatusFreeze, StatusExecute,
		StatusAccept, StatusDone, StatusDraining, StatusBlocked, StatusFailed:
		return PipelineStatus(strings.ToUpper(strings.TrimSpace(s))), nil
	default:
		return "", fmt.Errorf("invalid pipeline status: %q", s)
	}
}

// Step lifecycle states as recorded in pipeline state.
const (
	StepPending  = "PENDING"
	StepRunning  = "RUNNING"
	StepAccepted = "ACCEPTED"
	StepFailed   = "FAILED"
)

// ExpectedOutput names one evidence artifact a step must produce, at a path
// relative to the evidence root.
type ExpectedOutput struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// Step is the declarative contract for one unit of work.
type Step struct {
	ID                 string           `json:"id" yaml:"id"`
	Title              string           `json:"title" yaml:"title"`
	Category           string           `json:"category,omitempty" yaml:"category"`
	Goal               string           `json:"goal" yaml:"goal"`
	Actions            []string         `json:"actions" yaml:"actions"`
	AcceptanceCriteria []string         `json:"acceptance_criteria" yaml:"acceptance_criteria"`
	ExpectedOutputs    []ExpectedOutput `json:"expected_outputs" yaml:"expected_outputs"`
	Dependencies       []string         `json:"dependencies" yaml:"dependencies"`
	AllowedScope       []string         `json:"allowed_scope,omitempty" yaml:"allowed_scope"`
	RetrievalPolicy    string           `json:"retrieval_policy,omitempty" yaml:"retrieval_policy"`
}

// StepState is the per-step lifecycle entry inside pipeline state.
type StepState struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Succession records the most recent controller replacement.
type Succession struct {
	LastTakeoverAt string `json:"last_takeover_at,omitempty"`
	Successor      string `json:"successor,omitempty"`
}

// PipelineState is the whole-object snapshot for one (task_id, run_id).
// The top-level shape is closed; extensibility lives in RoleLifecycle and
// the succession sub-record.
type PipelineState struct {
	SchemaVersion string            `json:"schema_version"`
	TaskID        string            `json:"task_id"`
	RunID         string            `json:"run_id"`
	Goal          string            `json:"goal"`
	Status        PipelineStatus    `json:"status"`
	CurrentStep   string            `json:"current_step"`
	Steps         []StepState       `json:"steps"`
	RoleLifecycle map[string]string `json:"role_lifecycle"`
	Succession    Succession        `json:"succession"`
	UpdatedAt     string            `json:"updated_at"`
}

// StepStatus returns the lifecycle status recorded for a step id, or
// StepPending when the step is unknown.
func (p *PipelineState) StepStatus(stepID string) string {
	for _, s := range p.Steps {
		if s.ID == stepID {
			return s.Status
		}
	}
	return StepPending
}

// SetStepStatus updates (or appends) the lifecycle entry for a step.
func (p *PipelineState) SetStepStatus(stepID, title, status string) {
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			p.Steps[i].Status = status
			if title != "" {
				p.Steps[i].Title = title
			}
			return
		}
	}
	p.Steps = append(p.Steps, StepState{ID: stepID, Title: title, Status: status})
}

// Event is one append-only journal entry.
type Event struct {
	SchemaVersion string         `json:"schema_version"`
	EventID       int64          `json:"event_id"`
	Timestamp     string         `json:"timestamp"`
	EventType     string         `json:"event_type"`
	Severity      string         `json:"severity"`
	TaskID        string         `json:"task_id"`
	RunID         string         `json:"run_id"`
	StepID        string         `json:"step_id,omitempty"`
	DedupKey      string         `json:"dedup_key,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Closed event type enum.
const (
	EventRunStarted          = "RUN_STARTED"
	EventRunDone             = "RUN_DONE"
	EventLifecycleTransition = "LIFECYCLE_TRANSITION"
	EventStepStarted         = "STEP_STARTED"
	EventStepCompleted       = "STEP_COMPLETED"
	EventStepFailed          = "STEP_FAILED"
	EventDispatchCompleted   = "DISPATCH_COMPLETED"
	EventAcceptancePassed    = "ACCEPTANCE_PASSED"
	EventAcceptanceFailed    = "ACCEPTANCE_FAILED"
	EventReworkEmitted       = "REWORK_EMITTED"
	EventHeartbeatWarning    = "HEARTBEAT_WARNING"
	EventHeartbeatStale      = "HEARTBEAT_STALE"
	EventLeaseTakeover       = "LEASE_TAKEOVER"
	EventLeaseAdopted        = "LEASE_ADOPTED"
	EventLeaseNotAdopted     = "LEASE_NOT_ADOPTED"
	EventSuccessionAccepted  = "SUCCESSION_ACCEPTED"
	EventHumanInput          = "HUMAN_INPUT"
	EventCheckpointPersisted = "CHECKPOINT_PERSISTED"
	EventHandoffCreated      = "HANDOFF_CREATED"
	EventHandoffApplied      = "HANDOFF_APPLIED"
)

// Severity levels for events.
const (
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
)

// Lease statuses.
const (
	LeaseActive   = "ACTIVE"
	LeaseReleased = "RELEASED"
	LeaseExpired  = "EXPIRED"
)

// Lease binds an executor identity to a (run, step) for a bounded time.
type Lease struct {
	SchemaVersion   string `json:"schema_version"`
	Lane            string `json:"lane"`
	StepID          string `json:"step_id"`
	TaskID          string `json:"task_id"`
	RunID           string `json:"run_id"`
	ThreadID        string `json:"thread_id"`
	PID             int    `json:"pid"`
	LeaseToken      string `json:"lease_token"`
	Expiry          string `json:"expiry"`
	Status          string `json:"status"`
	LastHeartbeatAt string `json:"last_heartbeat_at,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// Heartbeat statuses.
const (
	HeartbeatIdle    = "IDLE"
	HeartbeatRunning = "RUNNING"
	HeartbeatWarning = "WARNING"
	HeartbeatStale   = "STALE"
	HeartbeatBlocked = "BLOCKED"
)

// HeartbeatStatus is the persisted liveness view for the current run.
type HeartbeatStatus struct {
	SchemaVersion       string `json:"schema_version"`
	Status              string `json:"status"`
	ReasonCode          string `json:"reason_code"`
	LastHeartbeatAt     string `json:"last_heartbeat_at,omitempty"`
	ObservedAt          string `json:"observed_at"`
	WarningAfterSeconds int    `json:"warning_after_seconds"`
	StaleAfterSeconds   int    `json:"stale_after_seconds"`
}

// Checkpoint marks a safe resume boundary after a lifecycle node completes.
type Checkpoint struct {
	SchemaVersion string `json:"schema_version"`
	CheckpointID  string `json:"checkpoint_id"`
	StepID        string `json:"step_id"`
	LifecycleNode string `json:"lifecycle_node"`
	SnapshotHash  string `json:"snapshot_hash"`
	CreatedAt     string `json:"created_at"`
	Valid         bool   `json:"valid"`
}

// Snapshot is one entry in the snapshot journal: the full pipeline state at
// a transition boundary.
type Snapshot struct {
	Timestamp  string        `json:"timestamp"`
	Node       string        `json:"node"`
	FromStatus string        `json:"from_status"`
	ToStatus   string        `json:"to_status"`
	State      PipelineState `json:"state"`
}

// FormatTime renders a timestamp in the frozen persisted form: RFC 3339 UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTime accepts RFC 3339 with or without sub-second precision.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// CanonicalJSON renders v with sorted object keys and no insignificant
// whitespace. This is the hash input form for every derived identifier.
func CanonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	// encoding/json sorts map keys and emits compact output.
	return json.Marshal(generic)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SnapshotHash binds a pipeline-state snapshot for checkpoint validation.
func SnapshotHash(state PipelineState) (string, error) {
	b, err := CanonicalJSON(state)
	if err != nil {
		return "", err
	}
	return sha256Hex(b), nil
}

// ThreadID derives the stable dispatch thread identity so retries for one
// (task, run, step) converge on the same thread-space.
func ThreadID(taskID, runID, stepID string) string {
	digest := sha256Hex([]byte(taskID + "|" + runID + "|" + stepID))
	return "thread-" + digest[:12]
}

// CorrelationID derives the stable dispatch correlation identity.
func CorrelationID(taskID, runID, stepID string) string {
	digest := sha256Hex([]byte(taskID + "|" + runID + "|" + stepID + "|dispatch"))
	return "corr-" + digest[:16]
}

// ProofID derives a stable proof identity from an acceptance proof payload.
func ProofID(payload any) (string, error) {
	b, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return "proof-" + sha256Hex(b)[:16], nil
}

// DeriveRunIdentity produces deterministic task/run ids from canonicalised
// plan input. Explicit ids always win over derivation.
func DeriveRunIdentity(canonicalInput []byte, taskID, runID string) (string, string) {
	digest := strings.ToUpper(sha256Hex(canonicalInput))
	if taskID == "" {
		taskID = "TASK-" + digest[:12]
	}
	if runID == "" {
		runID = taskID + "_" + digest[12:24]
	}
	return taskID, runID
}

// NewLeaseToken returns a fresh opaque lease token.
func NewLeaseToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("lease token entropy unavailable: %v", err))
	}
	return "lease_" + hex.EncodeToString(b[:])
}

// PackageHash computes the handoff package hash over every field except
// package_hash itself.
func PackageHash(pkg map[string]any) (string, error) {
	trimmed := make(map[string]any, len(pkg))
	for k, v := range pkg {
		if k == "package_hash" {
			continue
		}
		trimmed[k] = v
	}
	b, err := CanonicalJSON(trimmed)
	if err != nil {
		return "", err
	}
	return sha256Hex(b), nil
}
