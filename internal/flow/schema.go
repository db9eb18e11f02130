// Package flow implements the form intake conversation engine: it compiles
// operator-defined form templates into an LLM tool schema, validates and
// persists submissions, and drives the per-thread conversation loop.
package flow

import (
	"fmt"
	"log/slog"

	"github.com/dialform/dialform/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// FieldSchema is one compiled form field: the canonical argument key the
// model uses plus everything needed to validate and describe the field.
type FieldSchema struct {
	Key      string
	Field    models.FormField
	JSONType string
	Format   string
	Enum     []string
}

// CompiledTemplate is a form template compiled into tool-schema form. Field
// order follows the template's field order.
type CompiledTemplate struct {
	Template *models.FormTemplate
	Fields   []FieldSchema
}

// CompileTemplate turns a template into its tool schema. Radio fields without
// options are a compile error.
func CompileTemplate(t *models.FormTemplate) (*CompiledTemplate, error) {
	compiled := &CompiledTemplate{Template: t}
	seen := make(map[string]int64)
	for _, f := range t.Fields {
		key := models.CanonicalFieldKey(f.Name)
		if prev, ok := seen[key]; ok {
			slog.Error("flow.CompileTemplate: duplicate canonical key", "key", key, "fieldID", f.ID, "previousFieldID", prev)
			return nil, fmt.Errorf("field %q: %w", f.Name, models.ErrDuplicateFieldName)
		}
		seen[key] = f.ID

		fs := FieldSchema{Key: key, Field: f}
		switch f.FieldType {
		case models.FieldTypeString:
			fs.JSONType = "string"
		case models.FieldTypeInteger:
			fs.JSONType = "integer"
		case models.FieldTypeDate:
			fs.JSONType = "string"
			fs.Format = "date"
		case models.FieldTypeCheckbox:
			fs.JSONType = "boolean"
		case models.FieldTypeRadio:
			if len(f.Options) == 0 {
				slog.Error("flow.CompileTemplate: radio field has no options", "field", f.Name)
				return nil, fmt.Errorf("field %q: %w", f.Name, models.ErrMissingRadioOptions)
			}
			fs.JSONType = "string"
			fs.Enum = f.Options
		default:
			return nil, fmt.Errorf("field %q: %w", f.Name, models.ErrInvalidFieldType)
		}
		compiled.Fields = append(compiled.Fields, fs)
	}
	slog.Debug("flow.CompileTemplate: compiled template", "templateID", t.ID, "fields", len(compiled.Fields))
	return compiled, nil
}

// CompileActive compiles the template currently marked active in the store.
func CompileActive(st templateSource) (*CompiledTemplate, error) {
	t, err := st.GetCurrentFormTemplate()
	if err != nil {
		return nil, fmt.Errorf("failed to load active template: %w", err)
	}
	if t == nil {
		return nil, models.ErrNoActiveTemplate
	}
	return CompileTemplate(t)
}

// templateSource is the slice of the store the compiler needs.
type templateSource interface {
	GetCurrentFormTemplate() (*models.FormTemplate, error)
}

// ByKey returns the field schema for a canonical key.
func (c *CompiledTemplate) ByKey(key string) (FieldSchema, bool) {
	for _, fs := range c.Fields {
		if fs.Key == key {
			return fs, true
		}
	}
	return FieldSchema{}, false
}

// ToolParameters builds the JSON schema for the submission tool's arguments.
// Every field is optional so the model can submit partial progress.
func (c *CompiledTemplate) ToolParameters() shared.FunctionParameters {
	properties := make(map[string]interface{}, len(c.Fields))
	for _, fs := range c.Fields {
		prop := map[string]interface{}{"type": fs.JSONType}
		desc := fs.Field.Description
		if desc == "" {
			desc = fs.Field.Name
		}
		prop["description"] = desc
		if fs.Format != "" {
			prop["format"] = fs.Format
		}
		if len(fs.Enum) > 0 {
			prop["enum"] = fs.Enum
		}
		properties[fs.Key] = prop
	}
	return shared.FunctionParameters{
		"type":       "object",
		"properties": properties,
	}
}

// ToolDefinition builds the OpenAI tool definition for submitting this form.
func (c *CompiledTemplate) ToolDefinition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        SubmitToolName,
			Description: openai.String("Record the caller's answers for the " + c.Template.Name + " form. Call this once all required information has been collected. Field values are validated; invalid values are rejected with an explanation."),
			Parameters:  c.ToolParameters(),
		},
	}
}
