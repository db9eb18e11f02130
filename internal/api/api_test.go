package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/dialform/dialform/internal/flow"
	"github.com/dialform/dialform/internal/genai"
	"github.com/dialform/dialform/internal/models"
	"github.com/dialform/dialform/internal/store"
	"github.com/dialform/dialform/internal/twiliovoice"
	"github.com/openai/openai-go"
)

// scriptedGenAI returns canned responses in order.
type scriptedGenAI struct {
	responses []*genai.ToolCallResponse
	calls     int
}

func (s *scriptedGenAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := s.GenerateWithTools(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (s *scriptedGenAI) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	s.calls++
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("scripted client exhausted after %d calls", s.calls)
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func textResponse(content string) *genai.ToolCallResponse {
	return &genai.ToolCallResponse{Content: content}
}

func submitResponse(args string) *genai.ToolCallResponse {
	return &genai.ToolCallResponse{ToolCalls: []genai.ToolCall{{
		ID:       "call_1",
		Function: genai.ToolFunctionCall{Name: flow.SubmitToolName, Arguments: args},
	}}}
}

type testEnv struct {
	server *httptest.Server
	st     store.Store
	mock   *twiliovoice.MockClient
}

func newTestEnv(t *testing.T, responses ...*genai.ToolCallResponse) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	client := &scriptedGenAI{responses: responses}
	intake := flow.NewIntakeService(st, client, "")
	mock := &twiliovoice.MockClient{}
	srv := NewServer(st, intake, mock, WithBaseURL("https://dialform.example.com"))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, st: st, mock: mock}
}

func (e *testEnv) seedTemplate(t *testing.T) *models.FormTemplate {
	t.Helper()
	tmpl := &models.FormTemplate{
		Name:      "Client Intake",
		IsCurrent: true,
		Fields: []models.FormField{
			{Name: "Client Name", FieldType: models.FieldTypeString, Order: 0, Required: true},
			{Name: "Contact Method", FieldType: models.FieldTypeRadio, Options: []string{"Email", "Phone"}, Order: 1},
		},
	}
	if err := e.st.CreateFormTemplate(tmpl); err != nil {
		t.Fatalf("failed to seed template: %v", err)
	}
	return tmpl
}

func (e *testEnv) postJSON(t *testing.T, path string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func (e *testEnv) do(t *testing.T, method, path string, payload interface{}) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// resultEnvelope mirrors models.APIResponse with a raw result payload.
type resultEnvelope struct {
	Status  models.APIStatus `json:"status"`
	Message string           `json:"message,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
}

func decodeResult(t *testing.T, resp *http.Response, out interface{}) resultEnvelope {
	t.Helper()
	defer resp.Body.Close()
	var envelope resultEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
	}
	return envelope
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestTemplateCRUD(t *testing.T) {
	env := newTestEnv(t)

	create := models.FormTemplateRequest{
		Name:      "Client Intake",
		IsCurrent: true,
		Fields: []models.FormFieldRequest{
			{Name: "Client Name", FieldType: models.FieldTypeString, Order: 0, Required: true},
			{Name: "Contact Method", FieldType: models.FieldTypeRadio, Options: []string{"Email", "Phone"}, Order: 1},
		},
	}
	resp := env.postJSON(t, "/forms/templates", create)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created models.FormTemplate
	decodeResult(t, resp, &created)
	if created.ID == 0 || len(created.Fields) != 2 {
		t.Fatalf("unexpected created template: %+v", created)
	}

	// Active schema endpoint compiles it.
	resp, err := http.Get(env.server.URL + "/forms/active")
	if err != nil {
		t.Fatalf("GET /forms/active failed: %v", err)
	}
	var active activeSchema
	decodeResult(t, resp, &active)
	if active.TemplateID != created.ID || len(active.Fields) != 2 {
		t.Fatalf("unexpected active schema: %+v", active)
	}
	if active.Fields[0].Key != "client_name" || active.Fields[0].Type != "string" {
		t.Errorf("unexpected first descriptor: %+v", active.Fields[0])
	}
	if active.Fields[1].Type != "string" || len(active.Fields[1].Options) != 2 {
		t.Errorf("unexpected radio descriptor: %+v", active.Fields[1])
	}

	// Update with id-merge: keep the first field by ID, replace the second.
	update := models.FormTemplateRequest{
		Name:      "Client Intake v2",
		IsCurrent: true,
		Fields: []models.FormFieldRequest{
			{ID: created.Fields[0].ID, Name: "Full Name", FieldType: models.FieldTypeString, Order: 0, Required: true},
			{Name: "Party Size", FieldType: models.FieldTypeInteger, Order: 1},
		},
	}
	resp = env.do(t, http.MethodPut, fmt.Sprintf("/forms/templates/%d", created.ID), update)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var updated models.FormTemplate
	decodeResult(t, resp, &updated)
	if updated.Name != "Client Intake v2" || len(updated.Fields) != 2 {
		t.Fatalf("unexpected updated template: %+v", updated)
	}
	if updated.Fields[0].ID != created.Fields[0].ID {
		t.Errorf("expected kept field to retain ID %d, got %d", created.Fields[0].ID, updated.Fields[0].ID)
	}

	// Delete.
	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/forms/templates/%d", created.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp, err = http.Get(env.server.URL + fmt.Sprintf("/forms/templates/%d", created.ID))
	if err != nil {
		t.Fatalf("GET template failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTemplateValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	// Radio without options is rejected.
	bad := models.FormTemplateRequest{
		Name:   "Broken",
		Fields: []models.FormFieldRequest{{Name: "Choice", FieldType: models.FieldTypeRadio}},
	}
	resp := env.postJSON(t, "/forms/templates", bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for radio without options, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Duplicate canonical keys are rejected.
	dup := models.FormTemplateRequest{
		Name: "Broken",
		Fields: []models.FormFieldRequest{
			{Name: "Client Name", FieldType: models.FieldTypeString},
			{Name: "client name", FieldType: models.FieldTypeString},
		},
	}
	resp = env.postJSON(t, "/forms/templates", dup)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for duplicate field names, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDirectResponseSubmission(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.seedTemplate(t)

	req := models.FormResponseRequest{
		TemplateID: tmpl.ID,
		FieldValues: []models.FormFieldValueRequest{
			{FieldID: tmpl.Fields[0].ID, Value: "Ada Lovelace"},
		},
	}
	resp := env.postJSON(t, "/forms/responses", req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created models.FormResponse
	decodeResult(t, resp, &created)
	if created.ID == 0 || len(created.FieldValues) != 1 {
		t.Fatalf("unexpected response: %+v", created)
	}

	// Unknown field IDs are rejected.
	bad := models.FormResponseRequest{
		TemplateID:  tmpl.ID,
		FieldValues: []models.FormFieldValueRequest{{FieldID: 9999, Value: "x"}},
	}
	resp = env.postJSON(t, "/forms/responses", bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestChatFlow(t *testing.T) {
	env := newTestEnv(t,
		textResponse("Hi! What's your name?"),
		textResponse("Thanks Ada. Email or phone?"),
		submitResponse(`{"client_name":"Ada Lovelace","contact_method":"Email"}`),
		textResponse("All recorded. Goodbye!"),
	)
	env.seedTemplate(t)

	resp := env.postJSON(t, "/chat", models.ChatRequest{Content: "Hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var reply models.ChatReply
	decodeResult(t, resp, &reply)
	if reply.ThreadID == 0 || reply.Reply == "" {
		t.Fatalf("unexpected chat reply: %+v", reply)
	}

	resp = env.postJSON(t, "/chat", models.ChatRequest{ThreadID: reply.ThreadID, Content: "Ada Lovelace, email please"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var second models.ChatReply
	decodeResult(t, resp, &second)
	if !strings.Contains(second.Reply, "recorded") {
		t.Errorf("unexpected reply: %q", second.Reply)
	}

	// The thread completed and carries form data.
	resp, err := http.Get(env.server.URL + fmt.Sprintf("/threads/%d/form-data", reply.ThreadID))
	if err != nil {
		t.Fatalf("GET form-data failed: %v", err)
	}
	var data map[string]string
	decodeResult(t, resp, &data)
	if data["Client Name"] != "Ada Lovelace" {
		t.Errorf("unexpected form data: %v", data)
	}

	// Further chat on the completed thread is rejected.
	resp = env.postJSON(t, "/chat", models.ChatRequest{ThreadID: reply.ThreadID, Content: "one more thing"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for completed thread, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestChatWithoutActiveTemplate(t *testing.T) {
	env := newTestEnv(t)
	resp := env.postJSON(t, "/chat", models.ChatRequest{Content: "Hello"})
	if resp.StatusCode == http.StatusOK {
		t.Error("expected failure without an active template")
	}
	resp.Body.Close()
}

func TestThreadEndpoints(t *testing.T) {
	env := newTestEnv(t, textResponse("Hi! What's your name?"))
	env.seedTemplate(t)

	resp := env.postJSON(t, "/chat", models.ChatRequest{Content: "Hello"})
	var reply models.ChatReply
	decodeResult(t, resp, &reply)

	resp, err := http.Get(env.server.URL + "/threads")
	if err != nil {
		t.Fatalf("GET /threads failed: %v", err)
	}
	var threads []models.Thread
	decodeResult(t, resp, &threads)
	if len(threads) != 1 {
		t.Fatalf("expected 1 thread, got %d", len(threads))
	}

	resp, err = http.Get(env.server.URL + fmt.Sprintf("/threads/%d/messages", reply.ThreadID))
	if err != nil {
		t.Fatalf("GET messages failed: %v", err)
	}
	var msgs []models.PhoneMessage
	decodeResult(t, resp, &msgs)
	if len(msgs) != 2 {
		t.Fatalf("expected greeting plus one turn, got %d", len(msgs))
	}
	if msgs[0].VoiceInput != "" {
		t.Errorf("greeting turn should have empty input, got %q", msgs[0].VoiceInput)
	}

	// Explicit completion.
	resp = env.do(t, http.MethodPost, fmt.Sprintf("/threads/%d/complete", reply.ThreadID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var completed models.Thread
	decodeResult(t, resp, &completed)
	if !completed.Completed || completed.Transcript == "" {
		t.Errorf("expected completed thread with transcript, got %+v", completed)
	}

	resp, err = http.Get(env.server.URL + "/threads/9999")
	if err != nil {
		t.Fatalf("GET missing thread failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for missing thread, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestActiveSchemaWithoutTemplate(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/forms/active")
	if err != nil {
		t.Fatalf("GET /forms/active failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 without an active template, got %d", resp.StatusCode)
	}
}

// soleThreadID returns the id of the only thread in the store.
func (e *testEnv) soleThreadID(t *testing.T) int64 {
	t.Helper()
	threads, err := e.st.ListThreads()
	if err != nil {
		t.Fatalf("ListThreads failed: %v", err)
	}
	if len(threads) != 1 {
		t.Fatalf("expected 1 thread, got %d", len(threads))
	}
	return threads[0].ID
}

func postForm(t *testing.T, serverURL, path string, values url.Values) *http.Response {
	t.Helper()
	resp, err := http.PostForm(serverURL+path, values)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func TestPhoneCallFlow(t *testing.T) {
	env := newTestEnv(t,
		textResponse("Hello! What's your name?"),
		textResponse("Thanks Ada. Email or phone?"),
		submitResponse(`{"client_name":"Ada Lovelace","contact_method":"Phone"}`),
		textResponse("All set. Goodbye!"),
	)
	env.seedTemplate(t)

	// Call connects: greeting inside a speech gather.
	resp := postForm(t, env.server.URL, "/phone/answer", url.Values{"CallSid": {"CA123"}})
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "<Gather") || !strings.Contains(body, "What&#39;s your name?") && !strings.Contains(body, "What's your name?") {
		t.Errorf("unexpected TwiML: %s", body)
	}
	threadID := env.soleThreadID(t)
	inputPath := fmt.Sprintf("/phone/handle-input?thread_id=%d", threadID)
	if !strings.Contains(body, fmt.Sprintf("thread_id=%d", threadID)) {
		t.Errorf("expected gather action to carry the thread id, got: %s", body)
	}

	// Caller speaks; conversation continues.
	resp = postForm(t, env.server.URL, inputPath, url.Values{
		"SpeechResult": {"My name is Ada"},
	})
	body = readBody(t, resp)
	if !strings.Contains(body, "<Gather") {
		t.Errorf("expected another gather, got: %s", body)
	}

	// Final turn submits the form; the call says goodbye and hangs up.
	resp = postForm(t, env.server.URL, inputPath, url.Values{
		"SpeechResult": {"Ada Lovelace, phone please"},
	})
	body = readBody(t, resp)
	if !strings.Contains(body, "<Hangup") {
		t.Errorf("expected hangup after completion, got: %s", body)
	}
	if strings.Contains(body, "<Gather") || strings.Contains(body, "<Redirect") {
		t.Errorf("completed call must not gather or redirect: %s", body)
	}

	// Thread is completed and linked.
	threads, err := env.st.ListThreads()
	if err != nil {
		t.Fatalf("ListThreads failed: %v", err)
	}
	if len(threads) != 1 || !threads[0].Completed || threads[0].FormResponseID == nil {
		t.Fatalf("unexpected thread state: %+v", threads)
	}
}

func TestPhoneHandleInputEmptySpeechReprompts(t *testing.T) {
	env := newTestEnv(t, textResponse("Hello! What's your name?"))
	env.seedTemplate(t)

	resp := postForm(t, env.server.URL, "/phone/answer", url.Values{"CallSid": {"CA456"}})
	readBody(t, resp)
	threadID := env.soleThreadID(t)

	resp = postForm(t, env.server.URL, fmt.Sprintf("/phone/handle-input?thread_id=%d", threadID), nil)
	body := readBody(t, resp)
	if !strings.Contains(body, "<Gather") || !strings.Contains(body, "catch that") {
		t.Errorf("expected reprompt gather, got: %s", body)
	}
}

func TestPhoneHandleInputMissingThreadHangsUp(t *testing.T) {
	env := newTestEnv(t)
	resp := postForm(t, env.server.URL, "/phone/handle-input", url.Values{"SpeechResult": {"hello"}})
	body := readBody(t, resp)
	if !strings.Contains(body, "<Hangup") {
		t.Errorf("expected hangup without a thread id, got: %s", body)
	}
}

func TestPlaceOutboundCall(t *testing.T) {
	env := newTestEnv(t)
	env.seedTemplate(t)

	resp := env.postJSON(t, "/phone/calls", models.OutboundCallRequest{To: "+15551234567"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var result map[string]string
	decodeResult(t, resp, &result)
	if result["call_sid"] == "" {
		t.Error("expected a call SID")
	}
	if len(env.mock.Calls) != 1 {
		t.Fatalf("expected 1 placed call, got %d", len(env.mock.Calls))
	}
	if env.mock.Calls[0].AnswerURL != "https://dialform.example.com/phone/answer" {
		t.Errorf("unexpected answer URL: %q", env.mock.Calls[0].AnswerURL)
	}
}

func TestWhatsAppInbound(t *testing.T) {
	env := newTestEnv(t,
		textResponse("Hi! What's your name?"),
		textResponse("Thanks Ada. Email or phone?"),
		submitResponse(`{"client_name":"Ada Lovelace","contact_method":"Email"}`),
		textResponse("All recorded. Goodbye!"),
	)
	env.seedTemplate(t)

	from := "whatsapp:+15557654321"
	resp := postForm(t, env.server.URL, "/whatsapp/inbound", url.Values{"From": {from}, "Body": {"Hello"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	// Greeting plus first reply were sent.
	if len(env.mock.Messages) != 2 {
		t.Fatalf("expected greeting and reply, got %d messages", len(env.mock.Messages))
	}

	resp = postForm(t, env.server.URL, "/whatsapp/inbound", url.Values{"From": {from}, "Body": {"Ada Lovelace, email"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	threads, err := env.st.ListThreads()
	if err != nil {
		t.Fatalf("ListThreads failed: %v", err)
	}
	if len(threads) != 1 || !threads[0].Completed {
		t.Fatalf("expected one completed thread, got %+v", threads)
	}

	// Mapping was cleared on completion.
	id, err := env.st.GetSenderThread(from)
	if err != nil {
		t.Fatalf("GetSenderThread failed: %v", err)
	}
	if id != 0 {
		t.Errorf("expected cleared sender mapping, got thread %d", id)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var b bytes.Buffer
	if _, err := b.ReadFrom(resp.Body); err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return b.String()
}
