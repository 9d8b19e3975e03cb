package dispatch

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

// CallArtifacts locates the request/output/error trio for one dispatch call.
type CallArtifacts struct {
	RequestPath string `json:"request"`
	OutputPath  string `json:"output"`
	ErrorPath   string `json:"error"`
}

func (a CallArtifacts) normalized() map[string]string {
	return map[string]string{
		"request": filepath.ToSlash(a.RequestPath),
		"output":  filepath.ToSlash(a.OutputPath),
		"error":   filepath.ToSlash(a.ErrorPath),
	}
}

// ArtifactStore persists the per-call artifact trio. Every call writes all
// three files; the error document carries a null error on success so readers
// never distinguish "absent" from "empty".
type ArtifactStore struct {
	root string
}

func NewArtifactStore(root string) (*ArtifactStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("artifact root: %w", err)
	}
	return &ArtifactStore{root: abs}, nil
}

func (s *ArtifactStore) Root() string { return s.root }

type callRecord struct {
	TaskID        string
	RunID         string
	StepID        string
	ThreadID      string
	CorrelationID string
	Action        string
	RetryIndex    int
	Command       []string
	Request       map[string]any
	Status        string
	RawStdout     string
	ParsedOutput  map[string]any
	RawStderr     string
	Error         string
}

// WriteCall persists the trio under the deterministic call directory
// <root>/<task>/<run>/<step>/<thread>/<action>/call-<retry:03d>-<suffix>/.
func (s *ArtifactStore) WriteCall(rec callRecord) (CallArtifacts, error) {
	callID := fmt.Sprintf("call-%03d-%s", rec.RetryIndex, callSuffix())
	dir := filepath.Join(s.root, rec.TaskID, rec.RunID, rec.StepID, rec.ThreadID, rec.Action, callID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CallArtifacts{}, fmt.Errorf("call dir: %w", err)
	}

	artifacts := CallArtifacts{
		RequestPath: filepath.Join(dir, "request.json"),
		OutputPath:  filepath.Join(dir, "output.json"),
		ErrorPath:   filepath.Join(dir, "error.json"),
	}
	paths := artifacts.normalized()

	requestDoc := map[string]any{
		"task_id":        rec.TaskID,
		"run_id":         rec.RunID,
		"step_id":        rec.StepID,
		"thread_id":      rec.ThreadID,
		"correlation_id": rec.CorrelationID,
		"action":         rec.Action,
		"retry_index":    rec.RetryIndex,
		"command":        rec.Command,
		"request":        rec.Request,
	}
	outputDoc := map[string]any{
		"task_id":                 rec.TaskID,
		"run_id":                  rec.RunID,
		"step_id":                 rec.StepID,
		"thread_id":               rec.ThreadID,
		"correlation_id":          rec.CorrelationID,
		"action":                  rec.Action,
		"status":                  rec.Status,
		"raw_stdout":              rec.RawStdout,
		"parsed_output":           rec.ParsedOutput,
		"output_fingerprint":      fingerprint(rec.RawStdout),
		"normalized_output_paths": paths,
	}
	var errField any
	if rec.Error != "" {
		errField = rec.Error
	}
	errorDoc := map[string]any{
		"task_id":                 rec.TaskID,
		"run_id":                  rec.RunID,
		"step_id":                 rec.StepID,
		"thread_id":               rec.ThreadID,
		"correlation_id":          rec.CorrelationID,
		"action":                  rec.Action,
		"error":                   errField,
		"raw_stderr":              rec.RawStderr,
		"normalized_output_paths": paths,
	}

	for path, doc := range map[string]map[string]any{
		artifacts.RequestPath: requestDoc,
		artifacts.OutputPath:  outputDoc,
		artifacts.ErrorPath:   errorDoc,
	} {
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return CallArtifacts{}, err
		}
		if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
			return CallArtifacts{}, fmt.Errorf("write artifact %s: %w", filepath.Base(path), err)
		}
	}
	return artifacts, nil
}

func callSuffix() string {
	return strings.ToLower(ulid.Make().String()[18:])
}

// fingerprint is a non-normative content hash for operators diffing call
// outputs; identity derivations stay on sha256.
func fingerprint(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
