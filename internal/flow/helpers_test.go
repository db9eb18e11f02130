package flow

import (
	"context"
	"fmt"
	"testing"

	"github.com/dialform/dialform/internal/genai"
	"github.com/dialform/dialform/internal/models"
	"github.com/dialform/dialform/internal/store"
	"github.com/openai/openai-go"
)

// scriptedGenAI returns canned responses in order and records the requests
// it saw.
type scriptedGenAI struct {
	responses []*genai.ToolCallResponse
	calls     [][]openai.ChatCompletionMessageParamUnion
	toolSets  [][]openai.ChatCompletionToolParam
}

func (s *scriptedGenAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := s.GenerateWithTools(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (s *scriptedGenAI) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	s.calls = append(s.calls, messages)
	s.toolSets = append(s.toolSets, tools)
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("scripted client exhausted after %d calls", len(s.calls))
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func textResponse(content string) *genai.ToolCallResponse {
	return &genai.ToolCallResponse{Content: content}
}

func toolCallResponse(id, args string) *genai.ToolCallResponse {
	return &genai.ToolCallResponse{
		ToolCalls: []genai.ToolCall{{
			ID:       id,
			Function: genai.ToolFunctionCall{Name: SubmitToolName, Arguments: args},
		}},
	}
}

// seedTemplate stores an active template with a string, radio, and integer
// field and returns it with IDs assigned.
func seedTemplate(t *testing.T, st store.Store) *models.FormTemplate {
	t.Helper()
	tmpl := &models.FormTemplate{
		Name:      "Client Intake",
		IsCurrent: true,
		Fields: []models.FormField{
			{Name: "Client Name", FieldType: models.FieldTypeString, Order: 0, Required: true},
			{Name: "Contact Method", FieldType: models.FieldTypeRadio, Options: []string{"Email", "Phone"}, Order: 1},
			{Name: "Party Size", FieldType: models.FieldTypeInteger, Order: 2},
		},
	}
	if err := st.CreateFormTemplate(tmpl); err != nil {
		t.Fatalf("failed to seed template: %v", err)
	}
	return tmpl
}

func compileSeeded(t *testing.T, st store.Store) *CompiledTemplate {
	t.Helper()
	compiled, err := CompileActive(st)
	if err != nil {
		t.Fatalf("failed to compile active template: %v", err)
	}
	return compiled
}
