package executor

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// handleRef is the schema fragment for fields that accept either a numeric
// handle or a guest-chosen alias.
const handleRef = `{"type": ["integer", "string"]}`

// inputSchemas maps capability identifiers to the JSON Schema their input
// object must satisfy. Unknown fields are rejected so typos surface as
// SchemaError instead of silently defaulting.
var inputSchemas = map[string]string{
	"fs.open_workspace": `{
		"type": "object",
		"additionalProperties": false
	}`,
	"fs.list_dir": `{
		"type": "object",
		"properties": {"dir": ` + handleRef + `, "path": {"type": "string"}},
		"additionalProperties": false
	}`,
	"fs.read_file": `{
		"type": "object",
		"properties": {
			"dir": ` + handleRef + `,
			"path": {"type": "string", "minLength": 1},
			"max_bytes": {"type": "integer", "minimum": 0}
		},
		"required": ["path"],
		"additionalProperties": false
	}`,
	"fs.write_file": `{
		"type": "object",
		"properties": {
			"dir": ` + handleRef + `,
			"path": {"type": "string", "minLength": 1},
			"contents": {"type": "string"}
		},
		"required": ["path", "contents"],
		"additionalProperties": false
	}`,
	"fs.ensure_dir": `{
		"type": "object",
		"properties": {"dir": ` + handleRef + `, "path": {"type": "string", "minLength": 1}},
		"required": ["path"],
		"additionalProperties": false
	}`,
	"fs.remove_file": `{
		"type": "object",
		"properties": {"dir": ` + handleRef + `, "path": {"type": "string", "minLength": 1}},
		"required": ["path"],
		"additionalProperties": false
	}`,
	"fs.stat": `{
		"type": "object",
		"properties": {"dir": ` + handleRef + `, "path": {"type": "string"}},
		"additionalProperties": false
	}`,
	"proc.spawn": `{
		"type": "object",
		"properties": {
			"command": {"type": "string", "minLength": 1},
			"args": {"type": "array", "items": {"type": "string"}},
			"dir": ` + handleRef + `
		},
		"required": ["command"],
		"additionalProperties": false
	}`,
	"proc.wait": `{
		"type": "object",
		"properties": {
			"pid": ` + handleRef + `,
			"timeout_ms": {"type": "integer", "minimum": 0}
		},
		"required": ["pid"],
		"additionalProperties": false
	}`,
	"proc.read_stdout": `{
		"type": "object",
		"properties": {"pid": ` + handleRef + `, "max_bytes": {"type": "integer", "minimum": 0}},
		"required": ["pid"],
		"additionalProperties": false
	}`,
	"proc.read_stderr": `{
		"type": "object",
		"properties": {"pid": ` + handleRef + `, "max_bytes": {"type": "integer", "minimum": 0}},
		"required": ["pid"],
		"additionalProperties": false
	}`,
	"browser.open_session": `{
		"type": "object",
		"properties": {
			"profile": {"type": "string"},
			"headless": {"type": "boolean"},
			"allow_downloads": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	"browser.goto": `{
		"type": "object",
		"properties": {
			"session": ` + handleRef + `,
			"url": {"type": "string", "minLength": 1},
			"timeout_ms": {"type": "integer", "minimum": 0}
		},
		"required": ["session", "url"],
		"additionalProperties": false
	}`,
	"browser.find": `{
		"type": "object",
		"properties": {
			"session": ` + handleRef + `,
			"selector": {
				"type": "object",
				"properties": {
					"kind": {"enum": ["css", "xpath"]},
					"value": {"type": "string", "minLength": 1}
				},
				"required": ["kind", "value"],
				"additionalProperties": false
			},
			"timeout_ms": {"type": "integer", "minimum": 0}
		},
		"required": ["session", "selector"],
		"additionalProperties": false
	}`,
	"browser.click": `{
		"type": "object",
		"properties": {"element": ` + handleRef + `},
		"required": ["element"],
		"additionalProperties": false
	}`,
	"browser.type_text": `{
		"type": "object",
		"properties": {
			"element": ` + handleRef + `,
			"text": {"type": "string"},
			"submit": {"type": "boolean"}
		},
		"required": ["element", "text"],
		"additionalProperties": false
	}`,
	"browser.inner_text": `{
		"type": "object",
		"properties": {"element": ` + handleRef + `},
		"required": ["element"],
		"additionalProperties": false
	}`,
	"browser.describe_page": `{
		"type": "object",
		"properties": {"session": ` + handleRef + `, "include_html": {"type": "boolean"}},
		"required": ["session"],
		"additionalProperties": false
	}`,
	"browser.screenshot": `{
		"type": "object",
		"properties": {"session": ` + handleRef + `, "kind": {"enum": ["png", "jpeg"]}},
		"required": ["session"],
		"additionalProperties": false
	}`,
	"llm.complete": `{
		"type": "object",
		"properties": {"prompt": {"type": "string", "minLength": 1}},
		"required": ["prompt"],
		"additionalProperties": false
	}`,
	"policy.describe": `{
		"type": "object",
		"additionalProperties": false
	}`,
	"policy.request_capability": `{
		"type": "object",
		"properties": {"capability": {"type": "string"}, "reason": {"type": "string"}},
		"required": ["capability"],
		"additionalProperties": false
	}`,
}

// compileSchemas compiles the per-capability input schemas once per
// executor.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	compiled := make(map[string]*jsonschema.Schema, len(inputSchemas))
	for capability, src := range inputSchemas {
		name := strings.ReplaceAll(capability, ".", "_") + ".json"
		schema, err := jsonschema.CompileString(name, src)
		if err != nil {
			return nil, fmt.Errorf("compile input schema for %s: %w", capability, err)
		}
		compiled[capability] = schema
	}
	return compiled, nil
}
