package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dialform/dialform/internal/models"
	"github.com/twilio/twilio-go/twiml"
)

// inputWebhook builds the handle-input URL carrying the thread id.
func inputWebhook(threadID int64) string {
	return fmt.Sprintf("/phone/handle-input?thread_id=%d", threadID)
}

// gatherFor builds a speech Gather that says the given message and posts the
// caller's speech back with the thread id.
func gatherFor(threadID int64, message string) *twiml.VoiceGather {
	return &twiml.VoiceGather{
		Input:         "speech",
		Action:        inputWebhook(threadID),
		Method:        "POST",
		SpeechTimeout: "auto",
		SpeechModel:   "phone_call",
		Enhanced:      "true",
		InnerElements: []twiml.Element{&twiml.VoiceSay{Message: message}},
	}
}

// renderVoice renders TwiML elements, degrading to a plain hangup document on
// render failure.
func renderVoice(w http.ResponseWriter, elements []twiml.Element) {
	doc, err := twiml.Voice(elements)
	if err != nil {
		slog.Error("renderVoice failed", "error", err)
		doc, _ = twiml.Voice([]twiml.Element{&twiml.VoiceHangup{}})
	}
	writeTwiML(w, doc)
}

// sayGoodbye renders a terminal message and hangs up.
func sayGoodbye(w http.ResponseWriter, message string) {
	renderVoice(w, []twiml.Element{
		&twiml.VoiceSay{Message: message},
		&twiml.VoiceHangup{},
	})
}

// phoneAnswerHandler handles POST /phone/answer, Twilio's webhook for a newly
// connected call. It starts an intake thread and speaks the opening greeting;
// the thread id rides the Gather action URL for the rest of the call.
func (s *Server) phoneAnswerHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("phoneAnswerHandler invoked", "callSID", r.FormValue("CallSid"))

	th, greeting, err := s.intake.StartThread(r.Context())
	if err != nil {
		slog.Error("phoneAnswerHandler failed to start thread", "error", err)
		sayGoodbye(w, "Sorry, we cannot take your information right now. Please try again later.")
		return
	}

	slog.Info("phoneAnswerHandler started thread", "threadID", th.ID, "callSID", r.FormValue("CallSid"))
	renderVoice(w, []twiml.Element{
		gatherFor(th.ID, greeting),
		&twiml.VoiceRedirect{Url: inputWebhook(th.ID), Method: "POST"},
	})
}

// phoneHandleInputHandler handles POST /phone/handle-input, Twilio's webhook
// carrying the caller's transcribed speech. Once the turn leaves the thread
// linked to a form response, the call says the final reply and hangs up.
func (s *Server) phoneHandleInputHandler(w http.ResponseWriter, r *http.Request) {
	threadID, err := strconv.ParseInt(r.URL.Query().Get("thread_id"), 10, 64)
	if err != nil || threadID <= 0 {
		slog.Warn("phoneHandleInputHandler missing thread id", "raw", r.URL.Query().Get("thread_id"))
		sayGoodbye(w, "Sorry, this call session is no longer valid. Goodbye.")
		return
	}
	speech := r.FormValue("SpeechResult")
	slog.Debug("phoneHandleInputHandler invoked", "threadID", threadID, "hasSpeech", speech != "")

	if speech == "" {
		renderVoice(w, []twiml.Element{
			gatherFor(threadID, "Sorry, I didn't catch that. Could you say it again?"),
			&twiml.VoiceRedirect{Url: inputWebhook(threadID), Method: "POST"},
		})
		return
	}

	reply, completed, err := s.intake.HandleTurn(r.Context(), threadID, speech)
	if err != nil {
		slog.Error("phoneHandleInputHandler turn failed", "error", err, "threadID", threadID)
		renderVoice(w, []twiml.Element{
			gatherFor(threadID, "Sorry, I had trouble processing that. Could you repeat it?"),
			&twiml.VoiceRedirect{Url: inputWebhook(threadID), Method: "POST"},
		})
		return
	}

	if completed {
		slog.Info("phoneHandleInputHandler call completed", "threadID", threadID)
		sayGoodbye(w, reply)
		return
	}

	renderVoice(w, []twiml.Element{
		gatherFor(threadID, reply),
		&twiml.VoiceRedirect{Url: inputWebhook(threadID), Method: "POST"},
	})
}

// placeCallHandler handles POST /phone/calls: originate an outbound intake
// call to the given number.
func (s *Server) placeCallHandler(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Outbound calling is not configured"))
		return
	}
	if s.baseURL == "" {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Public base URL is not configured"))
		return
	}

	var req models.OutboundCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("placeCallHandler invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	sid, err := s.calls.PlaceCall(r.Context(), req.To, s.baseURL+"/phone/answer")
	if err != nil {
		slog.Error("placeCallHandler failed", "error", err, "to", req.To)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to place call"))
		return
	}
	slog.Info("placeCallHandler succeeded", "to", req.To, "callSID", sid)
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]string{"call_sid": sid}))
}
