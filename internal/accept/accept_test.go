package accept

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/strongdm/daokit/internal/contract"
)

func writeEvidence(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func trioStep() contract.Step {
	return contract.Step{
		ID:                 "S1",
		Goal:               "demo",
		Actions:            []string{"implement"},
		AcceptanceCriteria: []string{"report exists", "verification recorded"},
		ExpectedOutputs: []contract.ExpectedOutput{
			{Name: "report", Path: "S1/report.md"},
			{Name: "verification.log", Path: "S1/verification.log"},
			{Name: "audit-summary", Path: "S1/audit-summary.md"},
		},
	}
}

func TestEvaluatePassesWithEvidenceTrio(t *testing.T) {
	root := t.TempDir()
	writeEvidence(t, root, "S1/report.md", "done")
	writeEvidence(t, root, "S1/verification.log", "Command: go test ./...\nok")
	writeEvidence(t, root, "S1/audit-summary.md", "clean")

	engine := NewEngine(root, Config{RequireCommandEvidence: true})
	res := engine.Evaluate(trioStep(), nil)
	if res.Outcome != OutcomePassed {
		t.Fatalf("outcome=%s reason=%s", res.Outcome, res.ReasonCode)
	}
	if res.Proof == nil || !strings.HasPrefix(res.Proof.ProofID, "proof-") {
		t.Fatalf("proof: %+v", res.Proof)
	}
	if len(res.Proof.Evidence) != 3 {
		t.Fatalf("evidence records: %d", len(res.Proof.Evidence))
	}
	for _, ev := range res.Proof.Evidence {
		if len(ev.Fingerprint) != 64 {
			t.Fatalf("fingerprint %q for %s", ev.Fingerprint, ev.Path)
		}
	}
	for i, cs := range res.CriteriaStates {
		if cs.ID != CriterionID(i) || cs.Status != OutcomePassed {
			t.Fatalf("criterion %d: %+v", i, cs)
		}
	}
}

func TestProofIDStableAcrossRuns(t *testing.T) {
	root := t.TempDir()
	writeEvidence(t, root, "S1/report.md", "done")
	writeEvidence(t, root, "S1/verification.log", "Command: make check")
	writeEvidence(t, root, "S1/audit-summary.md", "clean")

	engine := NewEngine(root, Config{})
	first := engine.Evaluate(trioStep(), nil)
	second := engine.Evaluate(trioStep(), nil)
	if first.Proof == nil || second.Proof == nil {
		t.Fatalf("expected proofs")
	}
	if first.Proof.ProofID != second.Proof.ProofID {
		t.Fatalf("proof id drifted: %s vs %s", first.Proof.ProofID, second.Proof.ProofID)
	}

	writeEvidence(t, root, "S1/report.md", "done differently")
	third := engine.Evaluate(trioStep(), nil)
	if third.Proof.ProofID == first.Proof.ProofID {
		t.Fatalf("proof id must track evidence content")
	}
}

func TestEvaluateMissingEvidence(t *testing.T) {
	root := t.TempDir()
	writeEvidence(t, root, "S1/report.md", "done")

	engine := NewEngine(root, Config{})
	res := engine.Evaluate(trioStep(), nil)
	if res.Outcome != OutcomeFailed || res.ReasonCode != ReasonMissingEvidence {
		t.Fatalf("outcome=%s reason=%s", res.Outcome, res.ReasonCode)
	}
	if res.Rework == nil {
		t.Fatalf("expected rework payload")
	}
	if len(res.Rework.MissingPaths) != 2 {
		t.Fatalf("missing paths: %v", res.Rework.MissingPaths)
	}
	if len(res.Rework.FailedCriteria) != 2 || res.Rework.FailedCriteria[0] != "AC-001" {
		t.Fatalf("failed criteria: %v", res.Rework.FailedCriteria)
	}
}

func TestEvaluateUnreadableEvidence(t *testing.T) {
	root := t.TempDir()
	writeEvidence(t, root, "S1/verification.log", "Command: ls")
	writeEvidence(t, root, "S1/audit-summary.md", "clean")
	if err := os.MkdirAll(filepath.Join(root, "S1", "report.md"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	engine := NewEngine(root, Config{})
	res := engine.Evaluate(trioStep(), nil)
	if res.ReasonCode != ReasonUnreadableEvidence {
		t.Fatalf("reason=%s", res.ReasonCode)
	}
	if len(res.Rework.UnreadablePaths) != 1 || res.Rework.UnreadablePaths[0] != "S1/report.md" {
		t.Fatalf("unreadable: %v", res.Rework.UnreadablePaths)
	}
}

func TestEvaluateInvalidEvidencePath(t *testing.T) {
	engine := NewEngine(t.TempDir(), Config{})
	step := trioStep()
	step.ExpectedOutputs = []contract.ExpectedOutput{{Name: "report", Path: "../outside/report.md"}}

	res := engine.Evaluate(step, nil)
	if res.ReasonCode != ReasonInvalidEvidencePath {
		t.Fatalf("reason=%s", res.ReasonCode)
	}
	if len(res.Rework.InvalidPaths) != 1 {
		t.Fatalf("invalid: %v", res.Rework.InvalidPaths)
	}
}

func TestEvaluateOutOfScopeChange(t *testing.T) {
	root := t.TempDir()
	writeEvidence(t, root, "S1/report.md", "done")
	writeEvidence(t, root, "S1/verification.log", "Command: pytest")
	writeEvidence(t, root, "S1/audit-summary.md", "clean")

	step := trioStep()
	step.AllowedScope = []string{"src/foo/**"}

	engine := NewEngine(root, Config{})
	res := engine.Evaluate(step, []string{"src/foo/a.py", "src/bar/b.py"})
	if res.ReasonCode != ReasonOutOfScopeChange {
		t.Fatalf("reason=%s", res.ReasonCode)
	}
	if len(res.Violations) != 1 || res.Violations[0] != "src/bar/b.py" {
		t.Fatalf("violations: %v", res.Violations)
	}
	if res.Rework == nil || len(res.Rework.OutOfScope) != 1 {
		t.Fatalf("rework: %+v", res.Rework)
	}

	inScope := engine.Evaluate(step, []string{"src/foo/a.py", "src/foo/deep/b.py"})
	if inScope.Outcome != OutcomePassed {
		t.Fatalf("in-scope changes rejected: %s", inScope.ReasonCode)
	}
}

func TestScopeAuditInputGuards(t *testing.T) {
	root := t.TempDir()
	writeEvidence(t, root, "S1/report.md", "done")
	writeEvidence(t, root, "S1/verification.log", "Command: make")
	writeEvidence(t, root, "S1/audit-summary.md", "clean")

	step := trioStep()
	step.AllowedScope = []string{"src/**"}
	engine := NewEngine(root, Config{})

	res := engine.Evaluate(step, nil)
	if res.ReasonCode != ReasonScopeAuditIncomplete {
		t.Fatalf("nil change list: reason=%s", res.ReasonCode)
	}

	res = engine.Evaluate(step, []string{"/etc/passwd"})
	if res.ReasonCode != ReasonScopeAuditInvalid {
		t.Fatalf("absolute change path: reason=%s", res.ReasonCode)
	}

	res = engine.Evaluate(step, []string{"../escape.py"})
	if res.ReasonCode != ReasonScopeAuditInvalid {
		t.Fatalf("escaping change path: reason=%s", res.ReasonCode)
	}

	// An explicitly empty change list is a complete, clean audit.
	res = engine.Evaluate(step, []string{})
	if res.Outcome != OutcomePassed {
		t.Fatalf("empty change list: reason=%s", res.ReasonCode)
	}
}

func TestCommandEvidenceMarkers(t *testing.T) {
	cases := []struct {
		name string
		log  string
		want bool
	}{
		{"line marker", "setup\nCommand: go build ./...\ndone", true},
		{"block markers", "=== COMMAND ENTRY 1 START ===\ngo vet\n=== COMMAND ENTRY 1 END ===", true},
		{"no markers", "ran some things\nall good", false},
		{"bare prefix", "Command: ", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := hasCommandEvidence(tc.log); got != tc.want {
				t.Fatalf("hasCommandEvidence = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMissingCommandEvidenceFailsAcceptance(t *testing.T) {
	root := t.TempDir()
	writeEvidence(t, root, "S1/report.md", "done")
	writeEvidence(t, root, "S1/verification.log", "no commands recorded here")
	writeEvidence(t, root, "S1/audit-summary.md", "clean")

	engine := NewEngine(root, Config{RequireCommandEvidence: true})
	res := engine.Evaluate(trioStep(), nil)
	if res.ReasonCode != ReasonMissingCommandEvidence {
		t.Fatalf("reason=%s", res.ReasonCode)
	}
}

func TestExhaustedResult(t *testing.T) {
	res := ExhaustedResult(trioStep(), 3)
	if res.Outcome != OutcomeFailed || res.ReasonCode != ReasonReworkExhausted {
		t.Fatalf("outcome=%s reason=%s", res.Outcome, res.ReasonCode)
	}
	for _, cs := range res.CriteriaStates {
		if cs.ReasonCode != ReasonReworkExhausted {
			t.Fatalf("criterion: %+v", cs)
		}
	}
}
