package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/dialform/dialform/internal/models"
	"github.com/dialform/dialform/internal/store"
)

func TestSubmitFormToolCoercesAndPersists(t *testing.T) {
	st := store.NewInMemoryStore()
	tmpl := seedTemplate(t, st)
	compiled := compileSeeded(t, st)

	th := &models.Thread{}
	if err := st.CreateThread(th); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}

	tool := NewSubmitFormTool(st)
	coerced, err := tool.Execute(context.Background(), compiled, th.ID, map[string]interface{}{
		"client_name":    "Ada Lovelace",
		"contact_method": "email", // case-insensitive match
		"party_size":     float64(4),
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if coerced["contact_method"] != "Email" {
		t.Errorf("expected canonical option Email, got %q", coerced["contact_method"])
	}
	if coerced["party_size"] != "4" {
		t.Errorf("expected party_size 4, got %q", coerced["party_size"])
	}

	responses, err := st.ListFormResponses()
	if err != nil {
		t.Fatalf("ListFormResponses failed: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(responses))
	}
	if responses[0].TemplateID != tmpl.ID || len(responses[0].FieldValues) != 3 {
		t.Errorf("unexpected response: %+v", responses[0])
	}

	linked, err := st.GetThread(th.ID)
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	if linked.FormResponseID == nil || *linked.FormResponseID != responses[0].ID {
		t.Errorf("expected thread linked to response, got %v", linked.FormResponseID)
	}
}

func TestSubmitFormToolInvalidChoiceWritesNothing(t *testing.T) {
	st := store.NewInMemoryStore()
	seedTemplate(t, st)
	compiled := compileSeeded(t, st)

	tool := NewSubmitFormTool(st)
	_, err := tool.Execute(context.Background(), compiled, 0, map[string]interface{}{
		"client_name":    "Ada Lovelace",
		"contact_method": "Carrier Pigeon",
	})
	var choiceErr *models.InvalidChoiceError
	if !errors.As(err, &choiceErr) {
		t.Fatalf("expected InvalidChoiceError, got %v", err)
	}
	if choiceErr.FieldKey != "contact_method" {
		t.Errorf("unexpected field key: %q", choiceErr.FieldKey)
	}

	responses, err := st.ListFormResponses()
	if err != nil {
		t.Fatalf("ListFormResponses failed: %v", err)
	}
	if len(responses) != 0 {
		t.Fatalf("expected no responses after failed validation, got %d", len(responses))
	}
}

func TestSubmitFormToolPartialArguments(t *testing.T) {
	st := store.NewInMemoryStore()
	seedTemplate(t, st)
	compiled := compileSeeded(t, st)

	tool := NewSubmitFormTool(st)
	coerced, err := tool.Execute(context.Background(), compiled, 0, map[string]interface{}{
		"client_name": "Grace Hopper",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(coerced) != 1 {
		t.Fatalf("expected 1 coerced value, got %d", len(coerced))
	}

	responses, err := st.ListFormResponses()
	if err != nil {
		t.Fatalf("ListFormResponses failed: %v", err)
	}
	if len(responses) != 1 || len(responses[0].FieldValues) != 1 {
		t.Fatalf("expected a single response with one value, got %+v", responses)
	}
}

func TestSubmitFormToolRejectsUnknownKey(t *testing.T) {
	st := store.NewInMemoryStore()
	seedTemplate(t, st)
	compiled := compileSeeded(t, st)

	tool := NewSubmitFormTool(st)
	_, err := tool.Execute(context.Background(), compiled, 0, map[string]interface{}{
		"favorite_color": "blue",
	})
	if !errors.Is(err, models.ErrUnknownResponseField) {
		t.Fatalf("expected ErrUnknownResponseField, got %v", err)
	}
}

func TestSubmitFormToolRejectsEmptyArguments(t *testing.T) {
	st := store.NewInMemoryStore()
	seedTemplate(t, st)
	compiled := compileSeeded(t, st)

	tool := NewSubmitFormTool(st)
	if _, err := tool.Execute(context.Background(), compiled, 0, map[string]interface{}{}); !errors.Is(err, models.ErrMissingFieldValues) {
		t.Fatalf("expected ErrMissingFieldValues, got %v", err)
	}
}

func TestCoerceValue(t *testing.T) {
	str := FieldSchema{Key: "name", Field: models.FormField{FieldType: models.FieldTypeString}}
	integer := FieldSchema{Key: "count", Field: models.FormField{FieldType: models.FieldTypeInteger}}
	date := FieldSchema{Key: "when", Field: models.FormField{FieldType: models.FieldTypeDate}}
	checkbox := FieldSchema{Key: "opt_in", Field: models.FormField{FieldType: models.FieldTypeCheckbox}}

	cases := []struct {
		name    string
		fs      FieldSchema
		raw     interface{}
		want    string
		wantErr bool
	}{
		{"string ok", str, "hello", "hello", false},
		{"string from number", str, float64(3), "", true},
		{"integer from float", integer, float64(12), "12", false},
		{"integer from string", integer, " 7 ", "7", false},
		{"integer fractional", integer, 2.5, "", true},
		{"integer garbage", integer, "many", "", true},
		{"date ok", date, "2026-03-14", "2026-03-14", false},
		{"date bad format", date, "14/03/2026", "", true},
		{"checkbox bool", checkbox, true, "true", false},
		{"checkbox string", checkbox, "False", "false", false},
		{"checkbox garbage", checkbox, "maybe", "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := coerceValue(c.fs, c.raw)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Errorf("coerceValue = %q, want %q", got, c.want)
			}
		})
	}
}
