package stage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Output schemas for the four stages that parse Worker CLI JSON (spec.md
// §4.E.1-4.E.4). Merge's output is produced internally, not parsed from the
// Worker CLI, so it has no schema here.
const (
	analyzeSchemaJSON = `{
		"type": "object",
		"required": ["shouldRefactor"],
		"properties": {
			"shouldRefactor": {"type": "boolean"},
			"reasons": {"type": "array", "items": {"type": "string"}},
			"focusAreas": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["path", "why"],
					"properties": {
						"path": {"type": "string"},
						"why": {"type": "string"},
						"suggestedSplit": {"type": "string"}
					}
				}
			},
			"notes": {"type": ["string", "null"]}
		}
	}`

	refactorSchemaJSON = `{
		"type": "object",
		"required": ["status"],
		"properties": {
			"status": {"type": "string", "enum": ["ok", "skipped", "failed"]},
			"summary": {"type": "string"},
			"branch": {"type": "string"},
			"worktreePath": {"type": "string"},
			"touchedFiles": {"type": "array", "items": {"type": "string"}},
			"notes": {"type": ["string", "null"]}
		}
	}`

	planSchemaJSON = `{
		"type": "object",
		"required": ["canParallelize", "subtasks"],
		"properties": {
			"canParallelize": {"type": "boolean"},
			"subtasks": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id", "title", "description"],
					"properties": {
						"id": {"type": "string"},
						"title": {"type": "string"},
						"description": {"type": "string"},
						"parallelGroup": {},
						"context": {},
						"notes": {"type": ["string", "null"]}
					}
				}
			}
		}
	}`

	subtaskSchemaJSON = `{
		"type": "object",
		"required": ["subtaskId", "status", "summary"],
		"properties": {
			"subtaskId": {"type": "string"},
			"status": {"type": "string", "enum": ["ok", "failed"]},
			"summary": {"type": "string"},
			"importantFiles": {"type": "array", "items": {"type": "string"}}
		}
	}`
)

var (
	analyzeSchema = mustCompile("analyze.json", analyzeSchemaJSON)
	refactorSchema = mustCompile("refactor.json", refactorSchemaJSON)
	planSchema     = mustCompile("plan.json", planSchemaJSON)
	subtaskSchema  = mustCompile("subtask.json", subtaskSchemaJSON)
)

func mustCompile(name, schemaJSON string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader([]byte(schemaJSON))); err != nil {
		panic(fmt.Sprintf("stage: compiling schema %s: %v", name, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("stage: compiling schema %s: %v", name, err))
	}
	return s
}

// validateAgainst decodes raw as a generic JSON value and validates it
// against schema, returning a *SchemaError tagged with stageName on
// failure.
func validateAgainst(stageName string, schema *jsonschema.Schema, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return &SchemaError{Stage: stageName, Err: err}
	}
	if err := schema.Validate(v); err != nil {
		return &SchemaError{Stage: stageName, Err: err}
	}
	return nil
}
