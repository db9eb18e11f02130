package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dialform/dialform/internal/genai"
	"github.com/dialform/dialform/internal/models"
	"github.com/dialform/dialform/internal/store"
)

// IntakeService orchestrates intake threads across transports: it owns
// thread lifecycle, records conversation turns, and renders transcripts when
// a thread completes.
type IntakeService struct {
	st     store.Store
	engine *ConversationEngine
}

// NewIntakeService creates an intake service.
func NewIntakeService(st store.Store, genaiClient genai.ClientInterface, systemPromptFile string) *IntakeService {
	slog.Debug("flow.NewIntakeService: creating service", "hasStore", st != nil, "hasGenAI", genaiClient != nil)
	return &IntakeService{
		st:     st,
		engine: NewConversationEngine(st, genaiClient, systemPromptFile),
	}
}

// StartThread creates a new thread and produces the opening greeting. The
// greeting is recorded as a turn with empty caller input.
func (is *IntakeService) StartThread(ctx context.Context) (*models.Thread, string, error) {
	th := &models.Thread{}
	if err := is.st.CreateThread(th); err != nil {
		slog.Error("flow.IntakeService.StartThread: failed to create thread", "error", err)
		return nil, "", fmt.Errorf("failed to create thread: %w", err)
	}

	greeting, err := is.engine.ProcessTurn(ctx, th.ID, "")
	if err != nil {
		return nil, "", err
	}
	if err := is.recordTurn(th.ID, "", greeting); err != nil {
		return nil, "", err
	}
	slog.Info("flow.IntakeService.StartThread: thread started", "threadID", th.ID)
	return th, greeting, nil
}

// HandleTurn processes one caller turn on an existing thread. It returns the
// assistant's reply and whether the thread completed during this turn: a
// thread completes when a form response has been linked to it.
func (is *IntakeService) HandleTurn(ctx context.Context, threadID int64, input string) (string, bool, error) {
	th, err := is.st.GetThread(threadID)
	if err != nil {
		return "", false, fmt.Errorf("failed to load thread %d: %w", threadID, err)
	}
	if th == nil {
		return "", false, models.ErrThreadNotFound
	}
	if th.Completed {
		return "", false, models.ErrThreadCompleted
	}

	reply, err := is.engine.ProcessTurn(ctx, threadID, input)
	if err != nil {
		return "", false, err
	}
	if err := is.recordTurn(threadID, input, reply); err != nil {
		return "", false, err
	}

	// The submission tool links the thread to a response inside its own
	// transaction, so re-read the thread to see whether that happened.
	th, err = is.st.GetThread(threadID)
	if err != nil || th == nil {
		return reply, false, err
	}
	if th.FormResponseID != nil {
		if err := is.MarkCompleted(threadID); err != nil {
			slog.Error("flow.IntakeService.HandleTurn: failed to mark thread completed", "error", err, "threadID", threadID)
			return reply, false, err
		}
		slog.Info("flow.IntakeService.HandleTurn: thread completed", "threadID", threadID, "responseID", *th.FormResponseID)
		return reply, true, nil
	}
	return reply, false, nil
}

// recordTurn persists one caller/assistant exchange.
func (is *IntakeService) recordTurn(threadID int64, input, reply string) error {
	msg := &models.PhoneMessage{ThreadID: threadID, VoiceInput: input, AssistantResponse: reply}
	if err := is.st.AddPhoneMessage(msg); err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return nil
}

// MarkCompleted marks a thread completed, renders its transcript, and clears
// its conversation state.
func (is *IntakeService) MarkCompleted(threadID int64) error {
	th, err := is.st.GetThread(threadID)
	if err != nil {
		return fmt.Errorf("failed to load thread %d: %w", threadID, err)
	}
	if th == nil {
		return models.ErrThreadNotFound
	}
	if th.Completed {
		return nil
	}

	transcript, err := is.renderTranscript(threadID)
	if err != nil {
		return err
	}
	th.Completed = true
	th.Transcript = transcript
	if err := is.st.UpdateThread(th); err != nil {
		return fmt.Errorf("failed to update thread %d: %w", threadID, err)
	}
	if err := is.st.DeleteThreadState(threadID); err != nil {
		slog.Warn("flow.IntakeService.MarkCompleted: failed to clear thread state", "error", err, "threadID", threadID)
	}
	return nil
}

// renderTranscript joins a thread's turns into a readable transcript.
func (is *IntakeService) renderTranscript(threadID int64) (string, error) {
	msgs, err := is.st.ListPhoneMessages(threadID)
	if err != nil {
		return "", fmt.Errorf("failed to load turns for thread %d: %w", threadID, err)
	}
	var b strings.Builder
	for _, m := range msgs {
		if m.VoiceInput != "" {
			fmt.Fprintf(&b, "caller: %s\n", m.VoiceInput)
		}
		fmt.Fprintf(&b, "assistant: %s\n", m.AssistantResponse)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// CollectedResponses returns the field name to value mapping of the form
// response linked to a thread, or nil when none is linked yet.
func (is *IntakeService) CollectedResponses(threadID int64) (map[string]string, error) {
	th, err := is.st.GetThread(threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread %d: %w", threadID, err)
	}
	if th == nil {
		return nil, models.ErrThreadNotFound
	}
	if th.FormResponseID == nil {
		return nil, nil
	}

	resp, err := is.st.GetFormResponse(*th.FormResponseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load response %d: %w", *th.FormResponseID, err)
	}
	if resp == nil {
		return nil, nil
	}
	tmpl, err := is.st.GetFormTemplate(resp.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template %d: %w", resp.TemplateID, err)
	}

	fieldNames := make(map[int64]string)
	if tmpl != nil {
		for _, f := range tmpl.Fields {
			fieldNames[f.ID] = f.Name
		}
	}
	collected := make(map[string]string, len(resp.FieldValues))
	for _, v := range resp.FieldValues {
		name, ok := fieldNames[v.FieldID]
		if !ok {
			name = fmt.Sprintf("field_%d", v.FieldID)
		}
		collected[name] = v.Value
	}
	return collected, nil
}
