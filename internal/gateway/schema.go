package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var errInvalidBody = errors.New("invalid request body")

const projectSchema = `{
  "type": "object",
  "required": ["name", "repo_url"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]{0,62}$"},
    "repo_url": {"type": "string", "pattern": "^https://"},
    "git_token": {"type": "string"},
    "gemini_api_key": {"type": "string"},
    "anthropic_api_key": {"type": "string"},
    "claude_oauth": {"type": "boolean"}
  }
}`

const settingsSchema = `{
  "type": "object",
  "additionalProperties": false,
  "minProperties": 1,
  "properties": {
    "repo_url": {"type": "string", "pattern": "^https://"},
    "git_token": {"type": "string"},
    "gemini_api_key": {"type": "string"},
    "anthropic_api_key": {"type": "string"},
    "claude_oauth": {"type": "boolean"}
  }
}`

const environmentSchema = `{
  "type": "object",
  "required": ["id", "ai_tool"],
  "additionalProperties": false,
  "properties": {
    "id": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]{0,62}$"},
    "base_image": {"type": "string", "maxLength": 255},
    "ai_tool": {"enum": ["claude", "gemini"]},
    "branch_mode": {"enum": ["new", "existing"]},
    "branch": {"type": "string", "maxLength": 255}
  },
  "if": {"properties": {"branch_mode": {"const": "existing"}}, "required": ["branch_mode"]},
  "then": {"required": ["branch"], "properties": {"branch": {"minLength": 1}}}
}`

// bodySchemas holds the compiled request body schemas.
type bodySchemas struct {
	project     *jsonschema.Schema
	settings    *jsonschema.Schema
	environment *jsonschema.Schema
}

func compileSchemas() (*bodySchemas, error) {
	c := jsonschema.NewCompiler()
	sources := map[string]string{
		"project.json":     projectSchema,
		"settings.json":    settingsSchema,
		"environment.json": environmentSchema,
	}
	for name, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}
	var out bodySchemas
	for name, dst := range map[string]**jsonschema.Schema{
		"project.json":     &out.project,
		"settings.json":    &out.settings,
		"environment.json": &out.environment,
	} {
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		*dst = sch
	}
	return &out, nil
}

// decodeBody validates the request body against schema and decodes it into v.
func decodeBody(r *http.Request, schema *jsonschema.Schema, v any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: body exceeds %d bytes", errInvalidBody, tooLarge.Limit)
		}
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", errInvalidBody, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return nil
}
