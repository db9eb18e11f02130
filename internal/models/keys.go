package models

import (
	"fmt"
	"strings"
)

// CanonicalFieldKey derives the tool-argument key for a field name: lowercase
// with spaces replaced by underscores. Two fields folding to the same key is a
// template-authoring error caught by FormTemplateRequest.Validate.
func CanonicalFieldKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// InvalidChoiceError reports a radio-field value outside the option set.
type InvalidChoiceError struct {
	FieldKey string
	Value    string
	Options  []string
}

func (e *InvalidChoiceError) Error() string {
	return fmt.Sprintf("invalid choice %q for field %q (options: %s)", e.Value, e.FieldKey, strings.Join(e.Options, ", "))
}

// InvalidValueError reports a value that cannot be coerced to its field type.
type InvalidValueError struct {
	FieldKey  string
	FieldType FieldType
	Reason    string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid %s value for field %q: %s", e.FieldType, e.FieldKey, e.Reason)
}
