// Package accept gates step completion on evidence at declared output
// paths, declared-scope conformance of changed files, and optional command
// evidence inside verification logs. Evaluation returns a result value;
// only I/O against the ledger propagates as a Go error elsewhere.
package accept

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/strongdm/daokit/internal/contract"
)

// Outcomes.
const (
	OutcomePassed = "passed"
	OutcomeFailed = "failed"
)

// Stable acceptance reason codes.
const (
	ReasonMissingEvidence        = "MISSING_EVIDENCE"
	ReasonUnreadableEvidence     = "UNREADABLE_EVIDENCE"
	ReasonInvalidEvidencePath    = "INVALID_EVIDENCE_PATH"
	ReasonOutOfScopeChange       = "OUT_OF_SCOPE_CHANGE"
	ReasonMissingCommandEvidence = "MISSING_COMMAND_EVIDENCE"
	ReasonReworkExhausted        = "REWORK_EXHAUSTED"
	ReasonScopeAuditIncomplete   = "SCOPE_AUDIT_INPUT_INCOMPLETE"
	ReasonScopeAuditInvalid      = "SCOPE_AUDIT_INPUT_INVALID"
)

// Config is the explicit acceptance configuration record.
type Config struct {
	RequireCommandEvidence bool
	ReworkBound            int
}

// DefaultReworkBound applies when the settings layer supplies nothing.
const DefaultReworkBound = 2

// CriterionState records the verdict for one acceptance criterion.
type CriterionState struct {
	ID         string `json:"id"`
	Criterion  string `json:"criterion"`
	Status     string `json:"status"`
	ReasonCode string `json:"reason_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// EvidenceRecord binds one expected output to its on-disk content.
type EvidenceRecord struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
}

// Proof is the durable acceptance proof for a passing step.
type Proof struct {
	ProofID        string           `json:"proof_id"`
	StepID         string           `json:"step_id"`
	CriteriaStates []CriterionState `json:"criteria_states"`
	Evidence       []EvidenceRecord `json:"evidence"`
}

// Rework names exactly what must change for the next attempt: the failed
// criteria and the minimal artifact delta.
type Rework struct {
	StepID          string   `json:"step_id"`
	FailedCriteria  []string `json:"failed_criteria"`
	MissingPaths    []string `json:"missing_paths,omitempty"`
	InvalidPaths    []string `json:"invalid_paths,omitempty"`
	UnreadablePaths []string `json:"unreadable_paths,omitempty"`
	OutOfScope      []string `json:"out_of_scope,omitempty"`
	Guidance        string   `json:"guidance,omitempty"`
}

// Result is the acceptance verdict for one step attempt.
type Result struct {
	Outcome        string           `json:"outcome"`
	ReasonCode     string           `json:"reason_code,omitempty"`
	CriteriaStates []CriterionState `json:"criteria_states"`
	Violations     []string         `json:"violations,omitempty"`
	Proof          *Proof           `json:"proof,omitempty"`
	Rework         *Rework          `json:"rework,omitempty"`
}

// Engine evaluates steps against an evidence root.
type Engine struct {
	evidenceRoot string
	cfg          Config
}

func NewEngine(evidenceRoot string, cfg Config) *Engine {
	if cfg.ReworkBound <= 0 {
		cfg.ReworkBound = DefaultReworkBound
	}
	return &Engine{evidenceRoot: evidenceRoot, cfg: cfg}
}

// CriterionID assigns the stable per-step criterion identity.
func CriterionID(index int) string {
	return fmt.Sprintf("AC-%03d", index+1)
}

// Evaluate checks a step's declared evidence, the scope of changedFiles, and
// the command-evidence requirement. Every failure carries a stable reason
// code; the result's ReasonCode is the highest-priority failure observed.
func (e *Engine) Evaluate(step contract.Step, changedFiles []string) Result {
	states := make([]CriterionState, 0, len(step.AcceptanceCriteria))
	for i, criterion := range step.AcceptanceCriteria {
		states = append(states, CriterionState{
			ID:        CriterionID(i),
			Criterion: criterion,
			Status:    OutcomePassed,
		})
	}

	var missing, invalid, unreadable []string
	evidence := make([]EvidenceRecord, 0, len(step.ExpectedOutputs))
	for _, out := range step.ExpectedOutputs {
		full, ok := e.resolveEvidencePath(out.Path)
		if !ok {
			invalid = append(invalid, out.Path)
			continue
		}
		info, err := os.Stat(full)
		if err != nil {
			missing = append(missing, out.Path)
			continue
		}
		if info.IsDir() {
			unreadable = append(unreadable, out.Path)
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			unreadable = append(unreadable, out.Path)
			continue
		}
		sum := blake3.Sum256(data)
		evidence = append(evidence, EvidenceRecord{
			Name:        out.Name,
			Path:        out.Path,
			Fingerprint: fmt.Sprintf("%x", sum),
		})
	}

	reason := ""
	detail := ""
	switch {
	case len(invalid) > 0:
		reason = ReasonInvalidEvidencePath
		detail = "evidence path escapes the evidence root: " + strings.Join(invalid, ", ")
	case len(missing) > 0:
		reason = ReasonMissingEvidence
		detail = "expected evidence not found: " + strings.Join(missing, ", ")
	case len(unreadable) > 0:
		reason = ReasonUnreadableEvidence
		detail = "evidence could not be read: " + strings.Join(unreadable, ", ")
	}

	if reason == "" && e.cfg.RequireCommandEvidence {
		if msg, ok := e.checkCommandEvidence(step); !ok {
			reason = ReasonMissingCommandEvidence
			detail = msg
		}
	}

	if reason == "" {
		if violations, audit := auditScope(step.AllowedScope, changedFiles); audit != "" {
			return failAll(step, states, audit, "scope audit input rejected", violations)
		} else if len(violations) > 0 {
			return failAll(step, states, ReasonOutOfScopeChange,
				"changes outside allowed scope: "+strings.Join(violations, ", "), violations)
		}
	}

	if reason != "" {
		res := failAll(step, states, reason, detail, nil)
		res.Rework.MissingPaths = missing
		res.Rework.InvalidPaths = invalid
		res.Rework.UnreadablePaths = unreadable
		return res
	}

	proof := &Proof{StepID: step.ID, CriteriaStates: states, Evidence: evidence}
	proofID, err := contract.ProofID(proof)
	if err != nil {
		return failAll(step, states, ReasonUnreadableEvidence, "proof derivation failed: "+err.Error(), nil)
	}
	proof.ProofID = proofID
	return Result{Outcome: OutcomePassed, CriteriaStates: states, Proof: proof}
}

func failAll(step contract.Step, states []CriterionState, reason, detail string, violations []string) Result {
	failed := make([]string, 0, len(states))
	for i := range states {
		states[i].Status = OutcomeFailed
		states[i].ReasonCode = reason
		states[i].Detail = detail
		failed = append(failed, states[i].ID)
	}
	rework := &Rework{
		StepID:         step.ID,
		FailedCriteria: failed,
		OutOfScope:     violations,
		Guidance:       detail,
	}
	if reason == ReasonScopeAuditIncomplete || reason == ReasonScopeAuditInvalid {
		rework.OutOfScope = nil
	}
	return Result{
		Outcome:        OutcomeFailed,
		ReasonCode:     reason,
		CriteriaStates: states,
		Violations:     violations,
		Rework:         rework,
	}
}

// resolveEvidencePath maps a declared relative output path onto the evidence
// root. Absolute paths and paths that climb out of the root are invalid.
func (e *Engine) resolveEvidencePath(declared string) (string, bool) {
	cleaned := path.Clean(strings.ReplaceAll(strings.TrimSpace(declared), "\\", "/"))
	if cleaned == "" || cleaned == "." || path.IsAbs(cleaned) {
		return "", false
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return filepath.Join(e.evidenceRoot, filepath.FromSlash(cleaned)), true
}

// checkCommandEvidence scans the step's verification log for either the
// single-line "Command: <cmd>" marker or the block-entry markers.
func (e *Engine) checkCommandEvidence(step contract.Step) (string, bool) {
	var logPath string
	for _, out := range step.ExpectedOutputs {
		base := path.Base(strings.ReplaceAll(out.Path, "\\", "/"))
		if out.Name == "verification.log" || base == "verification.log" {
			logPath = out.Path
			break
		}
	}
	if logPath == "" {
		return "command evidence required but no verification.log declared", false
	}
	full, ok := e.resolveEvidencePath(logPath)
	if !ok {
		return "verification.log path is invalid", false
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "verification.log could not be read", false
	}
	if hasCommandEvidence(string(data)) {
		return "", true
	}
	return "verification.log carries no command evidence markers", false
}

func hasCommandEvidence(log string) bool {
	for _, line := range strings.Split(log, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Command: ") && len(trimmed) > len("Command: ") {
			return true
		}
		if strings.HasPrefix(trimmed, "=== COMMAND ENTRY ") &&
			(strings.HasSuffix(trimmed, " START ===") || strings.HasSuffix(trimmed, " END ===")) {
			return true
		}
	}
	return false
}

// ExhaustedResult is the terminal verdict once the rework bound is crossed.
func ExhaustedResult(step contract.Step, attempts int) Result {
	states := make([]CriterionState, 0, len(step.AcceptanceCriteria))
	detail := fmt.Sprintf("rework bound reached after %d attempts", attempts)
	for i, criterion := range step.AcceptanceCriteria {
		states = append(states, CriterionState{
			ID:         CriterionID(i),
			Criterion:  criterion,
			Status:     OutcomeFailed,
			ReasonCode: ReasonReworkExhausted,
			Detail:     detail,
		})
	}
	return Result{Outcome: OutcomeFailed, ReasonCode: ReasonReworkExhausted, CriteriaStates: states}
}

func sortedUnique(items []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
