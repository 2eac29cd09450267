package gateway

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const emptyObject = `{"type": "object"}`

const emailSchema = `{
	"type": "object",
	"properties": {
		"threadId":  {"type": "string"},
		"messageId": {"type": "string"},
		"subject":   {"type": "string"},
		"from":      {"type": "string"},
		"date":      {"type": "string"},
		"html":      {"type": "string"}
	}
}`

// durationSchema accepts milliseconds or a string such as "1h 30m".
const durationSchema = `{"type": ["integer", "string", "null"]}`

func requireStrings(names ...string) string {
	props := make([]string, 0, len(names))
	quoted := make([]string, 0, len(names))
	for _, n := range names {
		props = append(props, fmt.Sprintf(`%q: {"type": "string", "minLength": 1}`, n))
		quoted = append(quoted, fmt.Sprintf("%q", n))
	}
	return fmt.Sprintf(`{"type": "object", "properties": {%s}, "required": [%s]}`,
		strings.Join(props, ", "), strings.Join(quoted, ", "))
}

var (
	schemaGetLists = `{
	"type": "object",
	"properties": {
		"folderId": {"type": "string"},
		"spaceId":  {"type": "string"}
	},
	"anyOf": [
		{"properties": {"folderId": {"minLength": 1}}, "required": ["folderId"]},
		{"properties": {"spaceId": {"minLength": 1}}, "required": ["spaceId"]}
	]
}`

	schemaSaveDefaultList = `{
	"type": "object",
	"properties": {
		"id":   {"type": "string", "minLength": 1},
		"name": {"type": "string"}
	},
	"required": ["id"]
}`

	schemaSearchTasks = `{
	"type": "object",
	"properties": {"query": {"type": "string"}},
	"required": ["query"]
}`

	schemaCreateTask = `{
	"type": "object",
	"properties": {
		"emailData":   ` + emailSchema + `,
		"description": {"type": "string"},
		"assignees":   {"type": "array", "items": {"type": "integer"}}
	},
	"required": ["emailData"]
}`

	schemaCreateTaskFull = `{
	"type": "object",
	"properties": {
		"listId": {"type": "string"},
		"teamId": {"type": "string"},
		"taskData": {
			"type": "object",
			"properties": {
				"name":            {"type": "string"},
				"description":     {"type": "string"},
				"descriptionHtml": {"type": "string"},
				"assignees":       {"type": "array", "items": {"type": "integer"}},
				"priority":        {"type": ["integer", "null"], "minimum": 1, "maximum": 4},
				"start_date":      {"type": "integer"},
				"due_date":        {"type": "integer"},
				"time_estimate":   ` + durationSchema + `
			}
		},
		"emailData":   ` + emailSchema + `,
		"timeTracked": ` + durationSchema + `
	}
}`

	schemaAttachToTask = `{
	"type": "object",
	"properties": {
		"taskId":    {"type": "string"},
		"emailData": ` + emailSchema + `
	},
	"required": ["emailData"]
}`

	schemaFindLinkedTasks = `{
	"type": "object",
	"properties": {
		"threadIds": {"type": "array", "items": {"type": "string"}, "maxItems": 500}
	},
	"required": ["threadIds"]
}`

	schemaGetLinks = `{
	"type": "object",
	"properties": {
		"threadId": {"type": "string"},
		"history":  {"type": "boolean"},
		"limit":    {"type": "integer", "minimum": 0}
	}
}`

	schemaPageLoad = `{
	"type": "object",
	"properties": {
		"pageId": {"type": "string"},
		"url":    {"type": "string", "minLength": 1},
		"html":   {"type": "string"}
	},
	"required": ["url", "html"]
}`

	schemaPageUpdate = `{
	"type": "object",
	"properties": {
		"pageId": {"type": "string", "minLength": 1},
		"url":    {"type": "string"},
		"html":   {"type": "string"}
	},
	"required": ["pageId", "html"]
}`
)

// validator holds one compiled schema per action.
type validator struct {
	schemas map[Action]*jsonschema.Schema
}

func compileSchemas() (*validator, error) {
	v := &validator{schemas: make(map[Action]*jsonschema.Schema, len(actions))}
	c := jsonschema.NewCompiler()
	for action, spec := range actions {
		src := spec.schema
		if src == "" {
			src = emptyObject
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", action, err)
		}
		name := string(action) + ".json"
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", action, err)
		}
		schema, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", action, err)
		}
		v.schemas[action] = schema
	}
	return v, nil
}

// validate checks params against the action's schema. Absent params are
// treated as an empty object.
func (v *validator) validate(action Action, params []byte) error {
	schema, ok := v.schemas[action]
	if !ok {
		return errUnknownAction
	}
	if len(bytes.TrimSpace(params)) == 0 || string(bytes.TrimSpace(params)) == "null" {
		params = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return &paramsError{msg: "params are not valid JSON"}
	}
	if err := schema.Validate(doc); err != nil {
		return &paramsError{msg: schemaMessage(err)}
	}
	return nil
}

// schemaMessage keeps the first cause of a validation error. The header line
// only names the schema.
func schemaMessage(err error) string {
	lines := strings.Split(err.Error(), "\n")
	for _, line := range lines[1:] {
		if line = strings.TrimSpace(line); line != "" {
			return "invalid params: " + strings.TrimPrefix(line, "- ")
		}
	}
	return "invalid params: " + lines[0]
}
