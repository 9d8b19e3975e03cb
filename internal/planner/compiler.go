// Package planner compiles a goal plus optional pre-authored steps into a
// frozen, validated step DAG with deterministic identifiers.
package planner

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strongdm/daokit/internal/contract"
)

// Input is the canonical compiler input. Explicit ids win over derivation.
type Input struct {
	Goal                 string          `json:"goal"`
	Constraints          []string        `json:"constraints,omitempty"`
	Steps                []contract.Step `json:"steps,omitempty"`
	TaskID               string          `json:"-"`
	RunID                string          `json:"-"`
	ExternalDependencies []string        `json:"external_dependencies,omitempty"`
}

// Plan is the compiled, dispatch-ready result.
type Plan struct {
	SchemaVersion string          `json:"schema_version"`
	TaskID        string          `json:"task_id"`
	RunID         string          `json:"run_id"`
	Goal          string          `json:"goal"`
	Constraints   []string        `json:"constraints"`
	Steps         []contract.Step `json:"steps"`
	CompiledAt    string          `json:"compiled_at"`
}

// Step lookup by id.
func (p *Plan) Step(id string) (contract.Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return contract.Step{}, false
}

// Diagnostic codes emitted by validation.
const (
	DiagGoalEmpty          = "PLAN_GOAL_EMPTY"
	DiagStepIDEmpty        = "PLAN_STEP_ID_EMPTY"
	DiagStepDuplicate      = "PLAN_STEP_DUPLICATE"
	DiagGoalMissing        = "PLAN_STEP_GOAL_MISSING"
	DiagActionsMissing     = "PLAN_STEP_ACTIONS_MISSING"
	DiagCriteriaMissing    = "PLAN_STEP_CRITERIA_MISSING"
	DiagOutputsMissing     = "PLAN_STEP_OUTPUTS_MISSING"
	DiagOutputPathInvalid  = "PLAN_OUTPUT_PATH_INVALID"
	DiagOutputPathConflict = "PLAN_OUTPUT_PATH_CONFLICT"
	DiagSelfDependency     = "PLAN_SELF_DEPENDENCY"
	DiagUnknownDependency  = "PLAN_UNKNOWN_DEPENDENCY"
	DiagDependencyCycle    = "PLAN_DEPENDENCY_CYCLE"
)

type Diagnostic struct {
	Code    string `json:"code"`
	StepID  string `json:"step_id,omitempty"`
	Message string `json:"message"`
}

// CompileError carries every diagnostic collected before the compiler gave up.
type CompileError struct {
	Diagnostics []Diagnostic
}

func (e *CompileError) Error() string {
	parts := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		if d.StepID != "" {
			parts = append(parts, fmt.Sprintf("%s[%s]: %s", d.Code, d.StepID, d.Message))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", d.Code, d.Message))
		}
	}
	return "plan rejected: " + strings.Join(parts, "; ")
}

// Compile validates and freezes the plan. For identical canonical input the
// result is identical modulo CompiledAt.
func Compile(in Input) (Plan, error) {
	var diags []Diagnostic

	goal := strings.TrimSpace(in.Goal)
	if goal == "" {
		diags = append(diags, Diagnostic{Code: DiagGoalEmpty, Message: "goal must be non-empty"})
	}

	steps := in.Steps
	if len(steps) == 0 && goal != "" {
		steps = []contract.Step{defaultStep(goal)}
	}
	steps = normalizeSteps(steps)

	external := map[string]bool{}
	for _, dep := range in.ExternalDependencies {
		external[strings.TrimSpace(dep)] = true
	}

	diags = append(diags, validateSteps(steps, external)...)
	if len(diags) > 0 {
		return Plan{}, &CompileError{Diagnostics: diags}
	}

	ordered, cycleDiag := topoSort(steps)
	if cycleDiag != nil {
		return Plan{}, &CompileError{Diagnostics: []Diagnostic{*cycleDiag}}
	}

	constraints := in.Constraints
	if constraints == nil {
		constraints = []string{}
	}
	canonical, err := contract.CanonicalJSON(Input{Goal: goal, Constraints: constraints, Steps: ordered})
	if err != nil {
		return Plan{}, err
	}
	taskID, runID := contract.DeriveRunIdentity(canonical, strings.TrimSpace(in.TaskID), strings.TrimSpace(in.RunID))

	return Plan{
		SchemaVersion: contract.SchemaVersion,
		TaskID:        taskID,
		RunID:         runID,
		Goal:          goal,
		Constraints:   constraints,
		Steps:         ordered,
		CompiledAt:    contract.FormatTime(time.Now()),
	}, nil
}

// defaultStep synthesizes a single-step plan from a bare goal.
func defaultStep(goal string) contract.Step {
	return contract.Step{
		ID:                 "S1",
		Title:              goal,
		Category:           "execute",
		Goal:               goal,
		Actions:            []string{"complete the goal"},
		AcceptanceCriteria: []string{"goal is complete with evidence recorded"},
		ExpectedOutputs: []contract.ExpectedOutput{
			{Name: "report", Path: "S1/report"},
			{Name: "verification_log", Path: "S1/verification.log"},
			{Name: "audit_summary", Path: "S1/audit-summary"},
		},
		Dependencies: []string{},
	}
}

func normalizeSteps(steps []contract.Step) []contract.Step {
	out := make([]contract.Step, len(steps))
	for i, s := range steps {
		s.ID = strings.TrimSpace(s.ID)
		s.Title = strings.TrimSpace(s.Title)
		s.Goal = strings.TrimSpace(s.Goal)
		if s.Dependencies == nil {
			s.Dependencies = []string{}
		}
		for j, eo := range s.ExpectedOutputs {
			s.ExpectedOutputs[j].Name = strings.TrimSpace(eo.Name)
			s.ExpectedOutputs[j].Path = normalizePath(eo.Path)
		}
		out[i] = s
	}
	return out
}

// normalizePath collapses aliases like a/./b onto a/b while preserving
// escape markers for validation.
func normalizePath(raw string) string {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, "\\", "/"))
	if raw == "" {
		return ""
	}
	cleaned := path.Clean(raw)
	if cleaned == "." {
		return ""
	}
	return cleaned
}

func validateSteps(steps []contract.Step, external map[string]bool) []Diagnostic {
	var diags []Diagnostic

	ids := map[string]bool{}
	for _, s := range steps {
		if s.ID == "" {
			diags = append(diags, Diagnostic{Code: DiagStepIDEmpty, Message: "step id must be non-empty"})
			continue
		}
		if ids[s.ID] {
			diags = append(diags, Diagnostic{Code: DiagStepDuplicate, StepID: s.ID, Message: "duplicate step id"})
		}
		ids[s.ID] = true
	}

	outputOwners := map[string]string{}
	for _, s := range steps {
		if s.Goal == "" {
			diags = append(diags, Diagnostic{Code: DiagGoalMissing, StepID: s.ID, Message: "step goal must be non-empty"})
		}
		if len(s.Actions) == 0 {
			diags = append(diags, Diagnostic{Code: DiagActionsMissing, StepID: s.ID, Message: "step must declare actions"})
		}
		if len(s.AcceptanceCriteria) == 0 {
			diags = append(diags, Diagnostic{Code: DiagCriteriaMissing, StepID: s.ID, Message: "step must declare acceptance criteria"})
		}
		if len(s.ExpectedOutputs) == 0 {
			diags = append(diags, Diagnostic{Code: DiagOutputsMissing, StepID: s.ID, Message: "step must declare expected outputs"})
		}
		for _, out := range s.ExpectedOutputs {
			switch {
			case out.Path == "":
				diags = append(diags, Diagnostic{Code: DiagOutputPathInvalid, StepID: s.ID, Message: "expected output path must be non-empty"})
			case path.IsAbs(out.Path) || out.Path == ".." || strings.HasPrefix(out.Path, "../"):
				diags = append(diags, Diagnostic{Code: DiagOutputPathInvalid, StepID: s.ID,
					Message: fmt.Sprintf("expected output path escapes the evidence root: %s", out.Path)})
			default:
				if owner, taken := outputOwners[out.Path]; taken && owner != s.ID {
					diags = append(diags, Diagnostic{Code: DiagOutputPathConflict, StepID: s.ID,
						Message: fmt.Sprintf("output path %s already declared by step %s", out.Path, owner)})
				} else if taken {
					diags = append(diags, Diagnostic{Code: DiagOutputPathConflict, StepID: s.ID,
						Message: fmt.Sprintf("output path %s declared twice", out.Path)})
				}
				outputOwners[out.Path] = s.ID
			}
		}
		for _, dep := range s.Dependencies {
			dep = strings.TrimSpace(dep)
			if dep == s.ID {
				diags = append(diags, Diagnostic{Code: DiagSelfDependency, StepID: s.ID, Message: "step depends on itself"})
				continue
			}
			if !ids[dep] && !external[dep] {
				diags = append(diags, Diagnostic{Code: DiagUnknownDependency, StepID: s.ID,
					Message: fmt.Sprintf("unknown dependency %q", dep)})
			}
		}
	}
	return diags
}

// topoSort orders steps by iterative Kahn processing. Ties break on input
// order so compilation stays deterministic. A non-empty remainder is a cycle.
func topoSort(steps []contract.Step) ([]contract.Step, *Diagnostic) {
	index := map[string]int{}
	for i, s := range steps {
		index[s.ID] = i
	}
	indegree := make([]int, len(steps))
	dependents := map[string][]int{}
	for i, s := range steps {
		for _, dep := range s.Dependencies {
			if j, ok := index[dep]; ok {
				indegree[i]++
				dependents[steps[j].ID] = append(dependents[steps[j].ID], i)
			}
		}
	}

	ready := make([]int, 0, len(steps))
	for i := range steps {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	sort.Ints(ready)

	ordered := make([]contract.Step, 0, len(steps))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		ordered = append(ordered, steps[i])
		for _, j := range dependents[steps[i].ID] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
				sort.Ints(ready)
			}
		}
	}

	if len(ordered) != len(steps) {
		var stuck []string
		for i, s := range steps {
			if indegree[i] > 0 {
				stuck = append(stuck, s.ID)
			}
		}
		sort.Strings(stuck)
		return nil, &Diagnostic{Code: DiagDependencyCycle,
			Message: fmt.Sprintf("cyclic dependency among steps: %s", strings.Join(stuck, ", "))}
	}
	return ordered, nil
}

type planFile struct {
	Goal                 string          `yaml:"goal"`
	Constraints          []string        `yaml:"constraints"`
	ExternalDependencies []string        `yaml:"external_dependencies"`
	Steps                []contract.Step `yaml:"steps"`
}

// LoadPlanFile reads a pre-authored YAML plan. Fields it carries fill any
// gaps in the input; explicit input values win.
func LoadPlanFile(path string, in Input) (Input, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return in, fmt.Errorf("read plan file: %w", err)
	}
	var doc planFile
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return in, fmt.Errorf("plan file %s: %w", path, err)
	}
	if strings.TrimSpace(in.Goal) == "" {
		in.Goal = doc.Goal
	}
	if len(in.Constraints) == 0 {
		in.Constraints = doc.Constraints
	}
	if len(in.ExternalDependencies) == 0 {
		in.ExternalDependencies = doc.ExternalDependencies
	}
	if len(in.Steps) == 0 {
		in.Steps = doc.Steps
	}
	return in, nil
}
