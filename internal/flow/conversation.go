package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dialform/dialform/internal/genai"
	"github.com/dialform/dialform/internal/store"
	"github.com/openai/openai-go"
)

// maxToolIterations bounds the tool-call loop within a single turn. A model
// that keeps requesting tool calls without producing text fails the turn.
const maxToolIterations = 5

// defaultSystemPrompt is used when no prompt file is configured.
const defaultSystemPrompt = `You are a friendly intake assistant collecting form answers over a conversation.
Ask for one piece of information at a time and keep replies short and spoken-word friendly.
When you have collected all the answers, confirm them with the caller and then record them with the form submission tool.
If the tool reports that a value is invalid, ask the caller again for that value.`

// storedMessage is one persisted conversation turn. Tool-call rounds are
// resolved within a turn and are not persisted.
type storedMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	roleUser      = "user"
	roleAssistant = "assistant"
)

// ConversationEngine drives one turn of the intake conversation: it compiles
// the active template into a tool, runs the model with that tool until it
// produces a text reply, and persists the conversation history.
type ConversationEngine struct {
	st               store.Store
	genaiClient      genai.ClientInterface
	submitTool       *SubmitFormTool
	systemPromptFile string
	systemPrompt     string
}

// NewConversationEngine creates a conversation engine. systemPromptFile may
// be empty, in which case a built-in prompt is used.
func NewConversationEngine(st store.Store, genaiClient genai.ClientInterface, systemPromptFile string) *ConversationEngine {
	slog.Debug("flow.NewConversationEngine: creating engine", "hasStore", st != nil, "hasGenAI", genaiClient != nil, "systemPromptFile", systemPromptFile)
	return &ConversationEngine{
		st:               st,
		genaiClient:      genaiClient,
		submitTool:       NewSubmitFormTool(st),
		systemPromptFile: systemPromptFile,
	}
}

// loadSystemPrompt reads the configured prompt file once, falling back to the
// built-in prompt when the file is missing or unset.
func (ce *ConversationEngine) loadSystemPrompt() string {
	if ce.systemPrompt != "" {
		return ce.systemPrompt
	}
	if ce.systemPromptFile != "" {
		data, err := os.ReadFile(ce.systemPromptFile)
		if err != nil {
			slog.Warn("flow.ConversationEngine: failed to read system prompt file, using default", "error", err, "file", ce.systemPromptFile)
		} else {
			ce.systemPrompt = strings.TrimSpace(string(data))
			return ce.systemPrompt
		}
	}
	ce.systemPrompt = defaultSystemPrompt
	return ce.systemPrompt
}

// ProcessTurn runs one conversation turn for a thread and returns the
// assistant's reply. An empty userInput produces the opening greeting. The
// active template is recompiled every turn so template edits apply to
// conversations already in progress.
func (ce *ConversationEngine) ProcessTurn(ctx context.Context, threadID int64, userInput string) (string, error) {
	slog.Debug("flow.ConversationEngine.ProcessTurn: starting turn", "threadID", threadID, "hasInput", userInput != "")
	if ce.genaiClient == nil {
		return "", fmt.Errorf("GenAI client not initialized")
	}

	compiled, err := CompileActive(ce.st)
	if err != nil {
		slog.Error("flow.ConversationEngine.ProcessTurn: failed to compile active template", "error", err, "threadID", threadID)
		return "", err
	}

	history, err := ce.loadHistory(threadID)
	if err != nil {
		return "", err
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(ce.loadSystemPrompt()),
		openai.SystemMessage(formContext(compiled)),
	}
	for _, m := range history {
		switch m.Role {
		case roleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case roleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}
	if userInput != "" {
		messages = append(messages, openai.UserMessage(userInput))
	} else if len(history) == 0 {
		messages = append(messages, openai.SystemMessage("The caller has just connected. Greet them and begin."))
	}

	tools := []openai.ChatCompletionToolParam{compiled.ToolDefinition()}

	var reply string
	for iteration := 0; ; iteration++ {
		if iteration >= maxToolIterations {
			slog.Error("flow.ConversationEngine.ProcessTurn: tool iteration limit reached", "threadID", threadID, "limit", maxToolIterations)
			return "", fmt.Errorf("model did not produce a reply within %d tool iterations", maxToolIterations)
		}

		resp, err := ce.genaiClient.GenerateWithTools(ctx, messages, tools)
		if err != nil {
			return "", fmt.Errorf("generation failed: %w", err)
		}
		if len(resp.ToolCalls) == 0 {
			reply = resp.Content
			break
		}

		messages = append(messages, assistantToolCallMessage(resp))
		for _, tc := range resp.ToolCalls {
			observation := ce.runToolCall(ctx, compiled, threadID, tc)
			messages = append(messages, openai.ToolMessage(observation, tc.ID))
		}
	}

	if reply == "" {
		return "", fmt.Errorf("model returned an empty reply")
	}

	if userInput != "" {
		history = append(history, storedMessage{Role: roleUser, Content: userInput})
	}
	history = append(history, storedMessage{Role: roleAssistant, Content: reply})
	if err := ce.saveHistory(threadID, history); err != nil {
		return "", err
	}
	slog.Debug("flow.ConversationEngine.ProcessTurn: turn complete", "threadID", threadID, "historyLen", len(history))
	return reply, nil
}

// runToolCall executes one requested tool call and returns the observation
// to feed back to the model. Tool failures become observations rather than
// turn failures so the model can correct itself.
func (ce *ConversationEngine) runToolCall(ctx context.Context, compiled *CompiledTemplate, threadID int64, tc genai.ToolCall) string {
	if tc.Function.Name != SubmitToolName {
		slog.Warn("flow.ConversationEngine: model requested unknown tool", "tool", tc.Function.Name, "threadID", threadID)
		return fmt.Sprintf("Error: unknown tool %q", tc.Function.Name)
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		slog.Warn("flow.ConversationEngine: malformed tool arguments", "error", err, "threadID", threadID)
		return fmt.Sprintf("Error: arguments were not valid JSON: %v", err)
	}

	coerced, err := ce.submitTool.Execute(ctx, compiled, threadID, args)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}

	result, err := json.Marshal(map[string]interface{}{
		"status":   "recorded",
		"recorded": coerced,
	})
	if err != nil {
		return `{"status":"recorded"}`
	}
	return string(result)
}

// assistantToolCallMessage rebuilds the assistant message that carried the
// tool calls, so the follow-up request has a well-formed history.
func assistantToolCallMessage(resp *genai.ToolCallResponse) openai.ChatCompletionMessageParamUnion {
	msg := openai.ChatCompletionAssistantMessageParam{}
	if resp.Content != "" {
		msg.Content.OfString = openai.String(resp.Content)
	}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}

// formContext describes the active form to the model.
func formContext(compiled *CompiledTemplate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are collecting the %q form.", compiled.Template.Name)
	if compiled.Template.Description != "" {
		fmt.Fprintf(&b, " %s.", strings.TrimSuffix(compiled.Template.Description, "."))
	}
	b.WriteString("\nFields to collect:")
	for _, fs := range compiled.Fields {
		fmt.Fprintf(&b, "\n- %s (%s)", fs.Field.Name, fs.Field.FieldType)
		if fs.Field.Description != "" {
			fmt.Fprintf(&b, ": %s", fs.Field.Description)
		}
		if len(fs.Enum) > 0 {
			fmt.Fprintf(&b, " [options: %s]", strings.Join(fs.Enum, ", "))
		}
	}
	return b.String()
}

// loadHistory reads persisted conversation history for a thread.
func (ce *ConversationEngine) loadHistory(threadID int64) ([]storedMessage, error) {
	data, err := ce.st.GetThreadState(threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}
	if data == "" {
		return nil, nil
	}
	var history []storedMessage
	if err := json.Unmarshal([]byte(data), &history); err != nil {
		slog.Warn("flow.ConversationEngine: discarding malformed conversation state", "error", err, "threadID", threadID)
		return nil, nil
	}
	return history, nil
}

// saveHistory persists conversation history for a thread.
func (ce *ConversationEngine) saveHistory(threadID int64, history []storedMessage) error {
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to encode conversation state: %w", err)
	}
	if err := ce.st.SaveThreadState(threadID, string(data)); err != nil {
		return fmt.Errorf("failed to save conversation state: %w", err)
	}
	return nil
}
