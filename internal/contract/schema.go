package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Persisted files are validated against these closed-shape schemas before
// any subsystem trusts them. Payload objects stay open; top levels do not.

const pipelineStateSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schema_version", "task_id", "run_id", "status", "current_step", "steps", "role_lifecycle", "succession", "updated_at"],
  "additionalProperties": false,
  "properties": {
    "schema_version": {"const": "1.0.0"},
    "task_id": {"type": "string"},
    "run_id": {"type": "string"},
    "goal": {"type": "string"},
    "status": {"enum": ["PLANNING", "ANALYSIS", "FREEZE", "EXECUTE", "ACCEPT", "DONE", "DRAINING", "BLOCKED", "FAILED"]},
    "current_step": {"type": "string"},
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "status"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "status": {"enum": ["PENDING", "RUNNING", "ACCEPTED", "FAILED"]}
        }
      }
    },
    "role_lifecycle": {"type": "object", "additionalProperties": {"type": "string"}},
    "succession": {
      "type": "object",
      "properties": {
        "last_takeover_at": {"type": "string"},
        "successor": {"type": "string"}
      }
    },
    "updated_at": {"type": "string"}
  }
}`

const heartbeatStatusSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schema_version", "status", "observed_at", "warning_after_seconds", "stale_after_seconds"],
  "additionalProperties": false,
  "properties": {
    "schema_version": {"const": "1.0.0"},
    "status": {"enum": ["IDLE", "RUNNING", "WARNING", "STALE", "BLOCKED"]},
    "reason_code": {"type": "string"},
    "last_heartbeat_at": {"type": "string"},
    "observed_at": {"type": "string"},
    "warning_after_seconds": {"type": "integer", "minimum": 1},
    "stale_after_seconds": {"type": "integer", "minimum": 1}
  }
}`

const handoffPackageSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schema_version", "task_id", "run_id", "current_step", "open_acceptance_items", "evidence_paths", "next_action", "resumable_step_ids", "skipped_step_ids", "step_status", "created_at", "package_hash"],
  "properties": {
    "schema_version": {"const": "1.0.0"},
    "task_id": {"type": "string", "minLength": 1},
    "run_id": {"type": "string", "minLength": 1},
    "current_step": {"type": "string"},
    "open_acceptance_items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["step_id", "criterion"],
        "properties": {
          "step_id": {"type": "string"},
          "criterion": {"type": "string"}
        }
      }
    },
    "evidence_paths": {"type": "array", "items": {"type": "string"}},
    "next_action": {"enum": ["resume", "complete"]},
    "resumable_step_ids": {"type": "array", "items": {"type": "string"}},
    "skipped_step_ids": {"type": "array", "items": {"type": "string"}},
    "step_status": {
      "type": "object",
      "required": ["accepted", "failed", "pending"],
      "properties": {
        "accepted": {"type": "array", "items": {"type": "string"}},
        "failed": {"type": "array", "items": {"type": "string"}},
        "pending": {"type": "array", "items": {"type": "string"}}
      }
    },
    "created_at": {"type": "string"},
    "package_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
  }
}`

var (
	schemaOnce      sync.Once
	pipelineSch     *jsonschema.Schema
	heartbeatSch    *jsonschema.Schema
	handoffSch      *jsonschema.Schema
	schemaCompileEr error
)

func compileSchemas() {
	compile := func(name, src string) *jsonschema.Schema {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft7
		if err := c.AddResource(name, strings.NewReader(src)); err != nil {
			schemaCompileEr = err
			return nil
		}
		sch, err := c.Compile(name)
		if err != nil {
			schemaCompileEr = err
			return nil
		}
		return sch
	}
	pipelineSch = compile("pipeline_state.json", pipelineStateSchema)
	heartbeatSch = compile("heartbeat_status.json", heartbeatStatusSchema)
	handoffSch = compile("handoff_package.json", handoffPackageSchema)
}

func validateAgainst(sch *jsonschema.Schema, doc any) error {
	if schemaCompileEr != nil {
		return fmt.Errorf("schema compile: %w", schemaCompileEr)
	}
	// jsonschema validates decoded generic values, so round-trip structs.
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return err
	}
	return sch.Validate(generic)
}

func ValidatePipelineState(doc any) error {
	schemaOnce.Do(compileSchemas)
	return validateAgainst(pipelineSch, doc)
}

func ValidateHeartbeatStatus(doc any) error {
	schemaOnce.Do(compileSchemas)
	return validateAgainst(heartbeatSch, doc)
}

func ValidateHandoffPackage(doc any) error {
	schemaOnce.Do(compileSchemas)
	return validateAgainst(handoffSch, doc)
}
