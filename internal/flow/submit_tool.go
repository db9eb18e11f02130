package flow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dialform/dialform/internal/models"
	"github.com/dialform/dialform/internal/store"
	"github.com/openai/openai-go"
)

// SubmitToolName is the function name the model calls to record answers.
const SubmitToolName = "submit_form_response"

// dateLayout is the canonical layout for date fields.
const dateLayout = "2006-01-02"

// SubmitFormTool validates tool-call arguments against a compiled template
// and persists them as a form response. Validation is all-or-nothing: any
// invalid value rejects the whole call and nothing is written.
type SubmitFormTool struct {
	st store.Store
}

// NewSubmitFormTool creates a submission tool backed by the given store.
func NewSubmitFormTool(st store.Store) *SubmitFormTool {
	slog.Debug("flow.NewSubmitFormTool: creating tool", "hasStore", st != nil)
	return &SubmitFormTool{st: st}
}

// GetToolDefinition returns the OpenAI tool definition for the compiled
// template.
func (sft *SubmitFormTool) GetToolDefinition(compiled *CompiledTemplate) openai.ChatCompletionToolParam {
	return compiled.ToolDefinition()
}

// Execute validates all arguments, then writes the response, its values, and
// the thread link in one transaction. It returns the coerced values keyed by
// canonical field key. Unknown argument keys are rejected.
func (sft *SubmitFormTool) Execute(ctx context.Context, compiled *CompiledTemplate, threadID int64, args map[string]interface{}) (map[string]string, error) {
	slog.Debug("flow.SubmitFormTool.Execute: validating submission", "templateID", compiled.Template.ID, "threadID", threadID, "args", len(args))
	if sft.st == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	coerced := make(map[string]string, len(args))
	var values []models.FormFieldValue
	for key, raw := range args {
		fs, ok := compiled.ByKey(key)
		if !ok {
			slog.Warn("flow.SubmitFormTool.Execute: unknown field key", "key", key)
			return nil, fmt.Errorf("unknown field %q: %w", key, models.ErrUnknownResponseField)
		}
		value, err := coerceValue(fs, raw)
		if err != nil {
			slog.Warn("flow.SubmitFormTool.Execute: invalid value", "key", key, "error", err)
			return nil, err
		}
		coerced[key] = value
		values = append(values, models.FormFieldValue{FieldID: fs.Field.ID, Value: value})
	}
	if len(values) == 0 {
		return nil, models.ErrMissingFieldValues
	}

	resp := &models.FormResponse{
		TemplateID:  compiled.Template.ID,
		SubmittedAt: time.Now(),
		FieldValues: values,
	}
	if err := sft.st.CreateFormResponse(resp, threadID); err != nil {
		slog.Error("flow.SubmitFormTool.Execute: failed to persist response", "error", err, "templateID", compiled.Template.ID, "threadID", threadID)
		return nil, fmt.Errorf("failed to save form response: %w", err)
	}
	slog.Info("flow.SubmitFormTool.Execute: response recorded", "responseID", resp.ID, "threadID", threadID, "fields", len(values))
	return coerced, nil
}

// coerceValue validates a raw JSON argument against a field schema and
// returns its canonical string form.
func coerceValue(fs FieldSchema, raw interface{}) (string, error) {
	switch fs.Field.FieldType {
	case models.FieldTypeString:
		s, ok := raw.(string)
		if !ok {
			return "", &models.InvalidValueError{FieldKey: fs.Key, FieldType: fs.Field.FieldType, Reason: "expected a string"}
		}
		return s, nil

	case models.FieldTypeInteger:
		return coerceInteger(fs, raw)

	case models.FieldTypeDate:
		s, ok := raw.(string)
		if !ok {
			return "", &models.InvalidValueError{FieldKey: fs.Key, FieldType: fs.Field.FieldType, Reason: "expected a date string"}
		}
		if _, err := time.Parse(dateLayout, s); err != nil {
			return "", &models.InvalidValueError{FieldKey: fs.Key, FieldType: fs.Field.FieldType, Reason: fmt.Sprintf("expected YYYY-MM-DD, got %q", s)}
		}
		return s, nil

	case models.FieldTypeCheckbox:
		switch v := raw.(type) {
		case bool:
			return strconv.FormatBool(v), nil
		case string:
			b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v)))
			if err != nil {
				return "", &models.InvalidValueError{FieldKey: fs.Key, FieldType: fs.Field.FieldType, Reason: fmt.Sprintf("expected true or false, got %q", v)}
			}
			return strconv.FormatBool(b), nil
		default:
			return "", &models.InvalidValueError{FieldKey: fs.Key, FieldType: fs.Field.FieldType, Reason: "expected a boolean"}
		}

	case models.FieldTypeRadio:
		s, ok := raw.(string)
		if !ok {
			return "", &models.InvalidValueError{FieldKey: fs.Key, FieldType: fs.Field.FieldType, Reason: "expected one of the listed options"}
		}
		for _, opt := range fs.Enum {
			if strings.EqualFold(strings.TrimSpace(s), opt) {
				return opt, nil
			}
		}
		return "", &models.InvalidChoiceError{FieldKey: fs.Key, Value: s, Options: fs.Enum}

	default:
		return "", &models.InvalidValueError{FieldKey: fs.Key, FieldType: fs.Field.FieldType, Reason: "unsupported field type"}
	}
}

// coerceInteger accepts JSON numbers and numeric strings. JSON numbers arrive
// as float64 and must be whole.
func coerceInteger(fs FieldSchema, raw interface{}) (string, error) {
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return "", &models.InvalidValueError{FieldKey: fs.Key, FieldType: fs.Field.FieldType, Reason: fmt.Sprintf("expected a whole number, got %v", v)}
		}
		return strconv.FormatInt(int64(v), 10), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return "", &models.InvalidValueError{FieldKey: fs.Key, FieldType: fs.Field.FieldType, Reason: fmt.Sprintf("expected an integer, got %q", v)}
		}
		return strconv.FormatInt(n, 10), nil
	default:
		return "", &models.InvalidValueError{FieldKey: fs.Key, FieldType: fs.Field.FieldType, Reason: "expected an integer"}
	}
}
