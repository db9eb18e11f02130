package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dialform/dialform/internal/genai"
	"github.com/dialform/dialform/internal/models"
	"github.com/dialform/dialform/internal/store"
)

func TestStartThreadRecordsGreeting(t *testing.T) {
	st := store.NewInMemoryStore()
	seedTemplate(t, st)
	client := &scriptedGenAI{responses: []*genai.ToolCallResponse{
		textResponse("Hello! Let's fill out the intake form. What's your name?"),
	}}
	svc := NewIntakeService(st, client, "")

	th, greeting, err := svc.StartThread(context.Background())
	if err != nil {
		t.Fatalf("StartThread failed: %v", err)
	}
	if th.ID == 0 {
		t.Fatal("expected thread ID")
	}
	if greeting == "" {
		t.Fatal("expected a greeting")
	}

	msgs, err := st.ListPhoneMessages(th.ID)
	if err != nil {
		t.Fatalf("ListPhoneMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 recorded turn, got %d", len(msgs))
	}
	if msgs[0].VoiceInput != "" {
		t.Errorf("greeting turn should have empty caller input, got %q", msgs[0].VoiceInput)
	}
	if msgs[0].AssistantResponse != greeting {
		t.Errorf("recorded response %q does not match greeting %q", msgs[0].AssistantResponse, greeting)
	}
}

func TestHandleTurnFullIntake(t *testing.T) {
	st := store.NewInMemoryStore()
	seedTemplate(t, st)
	client := &scriptedGenAI{responses: []*genai.ToolCallResponse{
		textResponse("Hi! What's your name?"),
		textResponse("Thanks Ada. Email or phone?"),
		toolCallResponse("call_1", `{"client_name":"Ada Lovelace","contact_method":"Email","party_size":3}`),
		textResponse("You're all set, Ada. Goodbye!"),
	}}
	svc := NewIntakeService(st, client, "")

	th, _, err := svc.StartThread(context.Background())
	if err != nil {
		t.Fatalf("StartThread failed: %v", err)
	}

	reply, completed, err := svc.HandleTurn(context.Background(), th.ID, "My name is Ada Lovelace")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if completed {
		t.Error("thread should not complete before submission")
	}
	if reply == "" {
		t.Fatal("expected a reply")
	}

	reply, completed, err = svc.HandleTurn(context.Background(), th.ID, "Email please, three of us")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if !completed {
		t.Fatal("expected thread to complete after submission")
	}
	if !strings.Contains(reply, "all set") {
		t.Errorf("unexpected reply: %q", reply)
	}

	got, err := st.GetThread(th.ID)
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	if !got.Completed {
		t.Error("expected thread marked completed")
	}
	if got.FormResponseID == nil {
		t.Fatal("expected thread linked to a response")
	}
	if !strings.Contains(got.Transcript, "caller: My name is Ada Lovelace") {
		t.Errorf("transcript missing caller turn: %q", got.Transcript)
	}
	if !strings.Contains(got.Transcript, "assistant:") {
		t.Errorf("transcript missing assistant turns: %q", got.Transcript)
	}

	// Conversation state is cleared on completion.
	state, err := st.GetThreadState(th.ID)
	if err != nil {
		t.Fatalf("GetThreadState failed: %v", err)
	}
	if state != "" {
		t.Errorf("expected cleared state, got %q", state)
	}

	collected, err := svc.CollectedResponses(th.ID)
	if err != nil {
		t.Fatalf("CollectedResponses failed: %v", err)
	}
	if collected["Client Name"] != "Ada Lovelace" || collected["Contact Method"] != "Email" || collected["Party Size"] != "3" {
		t.Errorf("unexpected collected values: %v", collected)
	}
}

func TestHandleTurnUnknownThread(t *testing.T) {
	st := store.NewInMemoryStore()
	seedTemplate(t, st)
	svc := NewIntakeService(st, &scriptedGenAI{}, "")

	_, _, err := svc.HandleTurn(context.Background(), 42, "hello")
	if !errors.Is(err, models.ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestHandleTurnCompletedThread(t *testing.T) {
	st := store.NewInMemoryStore()
	seedTemplate(t, st)
	svc := NewIntakeService(st, &scriptedGenAI{}, "")

	th := &models.Thread{Completed: true}
	if err := st.CreateThread(th); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	_, _, err := svc.HandleTurn(context.Background(), th.ID, "hello again")
	if !errors.Is(err, models.ErrThreadCompleted) {
		t.Fatalf("expected ErrThreadCompleted, got %v", err)
	}
}

func TestMarkCompletedIdempotent(t *testing.T) {
	st := store.NewInMemoryStore()
	seedTemplate(t, st)
	client := &scriptedGenAI{responses: []*genai.ToolCallResponse{textResponse("Hi!")}}
	svc := NewIntakeService(st, client, "")

	th, _, err := svc.StartThread(context.Background())
	if err != nil {
		t.Fatalf("StartThread failed: %v", err)
	}
	if err := svc.MarkCompleted(th.ID); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if err := svc.MarkCompleted(th.ID); err != nil {
		t.Fatalf("second MarkCompleted failed: %v", err)
	}

	got, err := st.GetThread(th.ID)
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	if !got.Completed {
		t.Error("expected thread completed")
	}
}

func TestCollectedResponsesBeforeSubmission(t *testing.T) {
	st := store.NewInMemoryStore()
	seedTemplate(t, st)
	client := &scriptedGenAI{responses: []*genai.ToolCallResponse{textResponse("Hi!")}}
	svc := NewIntakeService(st, client, "")

	th, _, err := svc.StartThread(context.Background())
	if err != nil {
		t.Fatalf("StartThread failed: %v", err)
	}
	collected, err := svc.CollectedResponses(th.ID)
	if err != nil {
		t.Fatalf("CollectedResponses failed: %v", err)
	}
	if collected != nil {
		t.Errorf("expected nil before submission, got %v", collected)
	}
}
