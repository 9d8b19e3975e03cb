// Package handoff rotates run context across executor sessions: a
// content-hashed snapshot of what is open, what is done, and what a
// successor should do next. Packages are written before compaction and
// applied at session start; apply never replays accepted work.
package handoff

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/strongdm/daokit/internal/contract"
	"github.com/strongdm/daokit/internal/ledger"
)

// Next actions a package can hand to a successor.
const (
	NextActionResume   = "resume"
	NextActionComplete = "complete"
)

// now is the package clock; tests freeze it.
var now = func() time.Time { return time.Now().UTC() }

// Stable rejection codes for apply.
var (
	ErrPackageMismatch = errors.New("HANDOFF_PACKAGE_MISMATCH")
	ErrPackageCorrupt  = errors.New("HANDOFF_PACKAGE_CORRUPT")
)

// AcceptanceItem names one still-open criterion.
type AcceptanceItem struct {
	StepID    string `json:"step_id"`
	Criterion string `json:"criterion"`
}

// StepStatusGroups buckets every known step by its handoff classification.
type StepStatusGroups struct {
	Accepted []string `json:"accepted"`
	Failed   []string `json:"failed"`
	Pending  []string `json:"pending"`
}

// Package is the persisted handoff record.
type Package struct {
	SchemaVersion       string           `json:"schema_version"`
	TaskID              string           `json:"task_id"`
	RunID               string           `json:"run_id"`
	CurrentStep         string           `json:"current_step"`
	OpenAcceptanceItems []AcceptanceItem `json:"open_acceptance_items"`
	EvidencePaths       []string         `json:"evidence_paths"`
	NextAction          string           `json:"next_action"`
	ResumableStepIDs    []string         `json:"resumable_step_ids"`
	SkippedStepIDs      []string         `json:"skipped_step_ids"`
	StepStatus          StepStatusGroups `json:"step_status"`
	CreatedAt           string           `json:"created_at"`
	PackageHash         string           `json:"package_hash"`
}

// ResumePlan is the outcome of applying a package: which steps replay and
// which are locked in as done.
type ResumePlan struct {
	TaskID           string   `json:"task_id"`
	RunID            string   `json:"run_id"`
	NextAction       string   `json:"next_action"`
	ResumableStepIDs []string `json:"resumable_step_ids"`
	SkippedStepIDs   []string `json:"skipped_step_ids"`
}

// Options tunes package creation.
type Options struct {
	EvidencePaths []string
	// IncludeAcceptedSteps lists accepted steps as resumable too, for a
	// successor that wants to re-verify finished work.
	IncludeAcceptedSteps bool
	// CriteriaByStep supplies the acceptance criteria per step so open
	// items can be enumerated; steps absent from the map contribute a
	// single placeholder item.
	CriteriaByStep map[string][]string
}

// ClassifyStepStatus buckets a raw step status string. Accepted is a closed
// set of synonyms; failed is substring-matched so upstream variants like
// "failed_non_adopted_lease" land correctly; everything else is pending.
func ClassifyStepStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "accepted", "done", "completed", "passed", "verified":
		return "accepted"
	}
	for _, marker := range []string{"failed", "error", "blocked"} {
		if strings.Contains(s, marker) {
			return "failed"
		}
	}
	return "pending"
}

// Build assembles a package from the current pipeline state.
func Build(st contract.PipelineState, opts Options) (Package, error) {
	groups := StepStatusGroups{Accepted: []string{}, Failed: []string{}, Pending: []string{}}
	resumable := []string{}
	skipped := []string{}
	openItems := []AcceptanceItem{}

	for _, step := range st.Steps {
		switch ClassifyStepStatus(step.Status) {
		case "accepted":
			groups.Accepted = append(groups.Accepted, step.ID)
			if opts.IncludeAcceptedSteps {
				resumable = append(resumable, step.ID)
			} else {
				skipped = append(skipped, step.ID)
			}
		case "failed":
			groups.Failed = append(groups.Failed, step.ID)
			resumable = append(resumable, step.ID)
			openItems = append(openItems, openItemsFor(step.ID, opts.CriteriaByStep)...)
		default:
			groups.Pending = append(groups.Pending, step.ID)
			resumable = append(resumable, step.ID)
			openItems = append(openItems, openItemsFor(step.ID, opts.CriteriaByStep)...)
		}
	}

	// Work remains while any step is failed or pending; a fully accepted
	// run hands off as complete even when accepted steps are re-listed.
	nextAction := NextActionComplete
	if len(groups.Failed) > 0 || len(groups.Pending) > 0 {
		nextAction = NextActionResume
	}

	evidence := opts.EvidencePaths
	if evidence == nil {
		evidence = []string{}
	}

	pkg := Package{
		SchemaVersion:       contract.SchemaVersion,
		TaskID:              st.TaskID,
		RunID:               st.RunID,
		CurrentStep:         st.CurrentStep,
		OpenAcceptanceItems: openItems,
		EvidencePaths:       evidence,
		NextAction:          nextAction,
		ResumableStepIDs:    resumable,
		SkippedStepIDs:      skipped,
		StepStatus:          groups,
		CreatedAt:           contract.FormatTime(now()),
	}
	hash, err := hashPackage(pkg)
	if err != nil {
		return Package{}, err
	}
	pkg.PackageHash = hash
	return pkg, nil
}

func openItemsFor(stepID string, criteriaByStep map[string][]string) []AcceptanceItem {
	criteria := criteriaByStep[stepID]
	if len(criteria) == 0 {
		return []AcceptanceItem{{StepID: stepID, Criterion: "step not yet accepted"}}
	}
	items := make([]AcceptanceItem, 0, len(criteria))
	for _, c := range criteria {
		items = append(items, AcceptanceItem{StepID: stepID, Criterion: c})
	}
	return items
}

func hashPackage(pkg Package) (string, error) {
	b, err := json.Marshal(pkg)
	if err != nil {
		return "", err
	}
	var asMap map[string]any
	if err := json.Unmarshal(b, &asMap); err != nil {
		return "", err
	}
	return contract.PackageHash(asMap)
}

// Store persists and applies packages against a ledger.
type Store struct {
	ledger *ledger.Ledger
}

func NewStore(led *ledger.Ledger) *Store {
	return &Store{ledger: led}
}

// WritePackage snapshots the current ledger state into path and announces
// the handoff in the journal.
func (s *Store) WritePackage(path string, opts Options) (Package, error) {
	st, err := s.ledger.LoadState()
	if err != nil {
		return Package{}, err
	}
	if st.TaskID == "" {
		return Package{}, fmt.Errorf("no pipeline state to hand off")
	}
	pkg, err := Build(st, opts)
	if err != nil {
		return Package{}, err
	}
	if err := contract.ValidateHandoffPackage(pkg); err != nil {
		return Package{}, err
	}
	b, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return Package{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Package{}, err
	}
	if err := renameio.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return Package{}, err
	}
	if _, err := s.ledger.Emit(contract.EventHandoffCreated, contract.SeverityInfo, st.CurrentStep, map[string]any{
		"package_path": path,
		"package_hash": pkg.PackageHash,
		"next_action":  pkg.NextAction,
	}); err != nil {
		return Package{}, err
	}
	return pkg, nil
}

// LoadPackage reads and verifies a package: schema shape first, then the
// content hash.
func LoadPackage(path string) (Package, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Package{}, err
	}
	var pkg Package
	if err := json.Unmarshal(b, &pkg); err != nil {
		return Package{}, fmt.Errorf("%w: %v", ErrPackageCorrupt, err)
	}
	if err := contract.ValidateHandoffPackage(pkg); err != nil {
		return Package{}, fmt.Errorf("%w: %v", ErrPackageCorrupt, err)
	}
	want, err := hashPackage(pkg)
	if err != nil {
		return Package{}, err
	}
	if pkg.PackageHash != want {
		return Package{}, fmt.Errorf("%w: package hash %s does not match content", ErrPackageCorrupt, pkg.PackageHash)
	}
	return pkg, nil
}

// ApplyPackage verifies the package against the current ledger and computes
// the resume plan. Accepted and done steps never replay.
func (s *Store) ApplyPackage(path string) (ResumePlan, error) {
	pkg, err := LoadPackage(path)
	if err != nil {
		return ResumePlan{}, err
	}
	st, err := s.ledger.LoadState()
	if err != nil {
		return ResumePlan{}, err
	}
	if pkg.TaskID != st.TaskID || pkg.RunID != st.RunID {
		return ResumePlan{}, fmt.Errorf("%w: package is for (%s, %s), ledger holds (%s, %s)",
			ErrPackageMismatch, pkg.TaskID, pkg.RunID, st.TaskID, st.RunID)
	}

	// The live ledger wins over the package: a step accepted since the
	// package was written must not replay.
	resumable := []string{}
	skipped := []string{}
	for _, stepID := range pkg.ResumableStepIDs {
		if ClassifyStepStatus(st.StepStatus(stepID)) == "accepted" {
			skipped = append(skipped, stepID)
			continue
		}
		resumable = append(resumable, stepID)
	}
	skipped = append(skipped, pkg.SkippedStepIDs...)

	nextAction := pkg.NextAction
	if len(resumable) == 0 {
		nextAction = NextActionComplete
	}

	plan := ResumePlan{
		TaskID:           pkg.TaskID,
		RunID:            pkg.RunID,
		NextAction:       nextAction,
		ResumableStepIDs: resumable,
		SkippedStepIDs:   skipped,
	}
	if _, err := s.ledger.Emit(contract.EventHandoffApplied, contract.SeverityInfo, st.CurrentStep, map[string]any{
		"package_path":       path,
		"package_hash":       pkg.PackageHash,
		"resumable_step_ids": resumable,
		"skipped_step_ids":   skipped,
	}); err != nil {
		return ResumePlan{}, err
	}
	return plan, nil
}
