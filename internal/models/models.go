// Package models defines the core data structures for DialForm.
//
// It includes form template and response entities, conversation threads, and
// the API response envelope shared across modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// FieldType defines how a form field's value is collected and coerced.
type FieldType string

const (
	// FieldTypeString collects free text.
	FieldTypeString FieldType = "string"
	// FieldTypeInteger collects a whole number.
	FieldTypeInteger FieldType = "integer"
	// FieldTypeRadio collects exactly one value from a closed option set.
	FieldTypeRadio FieldType = "radio"
	// FieldTypeCheckbox collects a yes/no value.
	FieldTypeCheckbox FieldType = "checkbox"
	// FieldTypeDate collects a calendar date (YYYY-MM-DD).
	FieldTypeDate FieldType = "date"
)

// IsValidFieldType checks if the given field type is supported.
func IsValidFieldType(ft FieldType) bool {
	switch ft {
	case FieldTypeString, FieldTypeInteger, FieldTypeRadio, FieldTypeCheckbox, FieldTypeDate:
		return true
	default:
		return false
	}
}

// Validation constants for template authoring.
const (
	// MaxFieldNameLength defines the maximum allowed length for a field name.
	MaxFieldNameLength = 100
	// MaxTemplateNameLength defines the maximum allowed length for a template name.
	MaxTemplateNameLength = 200
	// MaxRadioOptionsCount defines the maximum number of options for a radio field.
	MaxRadioOptionsCount = 25
)

// Error variables for better error handling and testability.
var (
	ErrEmptyTemplateName    = errors.New("template name cannot be empty")
	ErrTemplateNameTooLong  = errors.New("template name exceeds maximum length")
	ErrNoFields             = errors.New("template requires at least one field")
	ErrEmptyFieldName       = errors.New("field name cannot be empty")
	ErrFieldNameTooLong     = errors.New("field name exceeds maximum length")
	ErrDuplicateFieldName   = errors.New("field names must be unique within a template")
	ErrInvalidFieldType     = errors.New("invalid field type")
	ErrMissingRadioOptions  = errors.New("options are required for radio fields")
	ErrTooManyRadioOptions  = errors.New("too many options for radio field")
	ErrEmptyRadioOption     = errors.New("radio option cannot be empty")
	ErrNoActiveTemplate     = errors.New("no form template is marked current")
	ErrEmptyMessageContent  = errors.New("message content cannot be empty")
	ErrMissingFieldValues   = errors.New("field_values are required")
	ErrUnknownResponseField = errors.New("field value references a field outside the template")
	ErrThreadNotFound       = errors.New("thread not found")
	ErrThreadCompleted      = errors.New("thread is already completed")
)

// FormTemplate is an operator-defined intake form definition.
// Exactly one template may be current at a time; the activation path enforces
// this, not the storage layer.
type FormTemplate struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	IsCurrent   bool        `json:"is_current"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Fields      []FormField `json:"fields,omitempty"`
}

// FormField is a single question in a form template. Options is only
// meaningful for radio fields, where it must be non-empty.
type FormField struct {
	ID          int64     `json:"id"`
	TemplateID  int64     `json:"template_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	FieldType   FieldType `json:"field_type"`
	Options     []string  `json:"options,omitempty"`
	Order       int       `json:"order"`
	Required    bool      `json:"required"`
}

// FormResponse is one submission against a template. It references the
// template by id so responses survive template edits.
type FormResponse struct {
	ID          int64            `json:"id"`
	TemplateID  int64            `json:"template_id"`
	SubmittedAt time.Time        `json:"submitted_at"`
	FieldValues []FormFieldValue `json:"field_values,omitempty"`
}

// FormFieldValue holds one captured field value. Values are always stored as
// their string serialization; readers parse them back with field_type-aware
// logic. Writers must guarantee at most one value per (response, field) pair.
type FormFieldValue struct {
	ID         int64  `json:"id"`
	ResponseID int64  `json:"response_id"`
	FieldID    int64  `json:"field_id"`
	Value      string `json:"value"`
}

// Thread is one logical intake session tying call or chat turns together.
// FormResponseID is set when the submission tool fires for this thread.
type Thread struct {
	ID             int64     `json:"id"`
	Completed      bool      `json:"completed"`
	FormResponseID *int64    `json:"form_response_id,omitempty"`
	Transcript     string    `json:"transcript,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PhoneMessage is one conversation turn in a thread: the caller's (or chat
// user's) input and the assistant's reply. VoiceInput is empty for the
// system-issued opening greeting.
type PhoneMessage struct {
	ID                int64     `json:"id"`
	ThreadID          int64     `json:"thread_id"`
	VoiceInput        string    `json:"voice_input"`
	AssistantResponse string    `json:"assistant_response"`
	CreatedAt         time.Time `json:"created_at"`
}

// FormTemplateRequest is the payload for creating or updating a template.
// On update, fields follow id-merge semantics: payload fields with an ID
// update in place, fields absent from the payload are deleted, fields without
// an ID are inserted.
type FormTemplateRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	IsCurrent   bool               `json:"is_current"`
	Fields      []FormFieldRequest `json:"fields"`
}

// FormFieldRequest is one field in a template create/update payload.
type FormFieldRequest struct {
	ID          int64     `json:"id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	FieldType   FieldType `json:"field_type"`
	Options     []string  `json:"options,omitempty"`
	Order       int       `json:"order"`
	Required    bool      `json:"required"`
}

// Validate performs comprehensive validation on a template request.
func (r *FormTemplateRequest) Validate() error {
	if r.Name == "" {
		return ErrEmptyTemplateName
	}
	if len(r.Name) > MaxTemplateNameLength {
		return ErrTemplateNameTooLong
	}
	if len(r.Fields) == 0 {
		return ErrNoFields
	}

	seen := make(map[string]bool, len(r.Fields))
	for _, f := range r.Fields {
		if err := f.Validate(); err != nil {
			return err
		}
		// Canonical tool-argument keys are derived from lowercased names, so
		// uniqueness must hold after case folding.
		key := CanonicalFieldKey(f.Name)
		if seen[key] {
			return fmt.Errorf("%w: %q", ErrDuplicateFieldName, f.Name)
		}
		seen[key] = true
	}
	return nil
}

// Validate checks a single field payload.
func (f *FormFieldRequest) Validate() error {
	if f.Name == "" {
		return ErrEmptyFieldName
	}
	if len(f.Name) > MaxFieldNameLength {
		return ErrFieldNameTooLong
	}
	if !IsValidFieldType(f.FieldType) {
		return fmt.Errorf("%w: %q", ErrInvalidFieldType, f.FieldType)
	}
	if f.FieldType == FieldTypeRadio {
		if len(f.Options) == 0 {
			return fmt.Errorf("%w: field %q", ErrMissingRadioOptions, f.Name)
		}
		if len(f.Options) > MaxRadioOptionsCount {
			return fmt.Errorf("%w: field %q", ErrTooManyRadioOptions, f.Name)
		}
		for _, opt := range f.Options {
			if opt == "" {
				return fmt.Errorf("%w: field %q", ErrEmptyRadioOption, f.Name)
			}
		}
	}
	return nil
}

// FormResponseRequest is the payload for a direct API submission.
type FormResponseRequest struct {
	TemplateID  int64                   `json:"template_id"`
	FieldValues []FormFieldValueRequest `json:"field_values"`
}

// FormFieldValueRequest is one captured value in a direct submission.
type FormFieldValueRequest struct {
	FieldID int64  `json:"field_id"`
	Value   string `json:"value"`
}

// Validate checks a direct submission payload.
func (r *FormResponseRequest) Validate() error {
	if r.TemplateID == 0 {
		return errors.New("template_id is required")
	}
	if len(r.FieldValues) == 0 {
		return ErrMissingFieldValues
	}
	return nil
}

// ChatRequest is the payload for one chat turn. ThreadID is optional; a new
// thread is created when absent.
type ChatRequest struct {
	ThreadID int64  `json:"thread_id,omitempty"`
	Content  string `json:"content"`
}

// Validate checks a chat turn payload.
func (r *ChatRequest) Validate() error {
	if r.Content == "" {
		return ErrEmptyMessageContent
	}
	return nil
}

// ChatReply is the result of one chat turn.
type ChatReply struct {
	ThreadID int64  `json:"thread_id"`
	Reply    string `json:"reply"`
}

// OutboundCallRequest is the payload for originating an outbound intake call.
type OutboundCallRequest struct {
	To string `json:"to"`
}

// Validate checks an outbound call payload.
func (r *OutboundCallRequest) Validate() error {
	if r.To == "" {
		return errors.New("to is required")
	}
	return nil
}
