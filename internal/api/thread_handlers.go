package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dialform/dialform/internal/models"
)

// chatHandler handles POST /chat: one text intake turn. A request without a
// thread_id starts a new thread; the reply then combines the greeting turn
// with the answer to the first message.
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("chatHandler invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("chatHandler validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	threadID := req.ThreadID
	if threadID == 0 {
		th, _, err := s.intake.StartThread(r.Context())
		if err != nil {
			slog.Error("chatHandler failed to start thread", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start thread"))
			return
		}
		threadID = th.ID
	}

	reply, _, err := s.intake.HandleTurn(r.Context(), threadID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrThreadNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Thread not found"))
		case errors.Is(err, models.ErrThreadCompleted):
			writeJSONResponse(w, http.StatusConflict, models.Error("Thread is already completed"))
		case errors.Is(err, models.ErrNoActiveTemplate):
			writeJSONResponse(w, http.StatusConflict, models.Error("No active form template"))
		default:
			slog.Error("chatHandler turn failed", "error", err, "threadID", threadID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(models.ChatReply{ThreadID: threadID, Reply: reply}))
}

// listThreadsHandler handles GET /threads.
func (s *Server) listThreadsHandler(w http.ResponseWriter, r *http.Request) {
	threads, err := s.st.ListThreads()
	if err != nil {
		slog.Error("listThreadsHandler failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list threads"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(threads))
}

// getThreadHandler handles GET /threads/{id}.
func (s *Server) getThreadHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid thread id"))
		return
	}
	th, err := s.st.GetThread(id)
	if err != nil {
		slog.Error("getThreadHandler failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get thread"))
		return
	}
	if th == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Thread not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(th))
}

// listThreadMessagesHandler handles GET /threads/{id}/messages.
func (s *Server) listThreadMessagesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid thread id"))
		return
	}
	th, err := s.st.GetThread(id)
	if err != nil {
		slog.Error("listThreadMessagesHandler failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get thread"))
		return
	}
	if th == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Thread not found"))
		return
	}
	msgs, err := s.st.ListPhoneMessages(id)
	if err != nil {
		slog.Error("listThreadMessagesHandler failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// threadFormDataHandler handles GET /threads/{id}/form-data: the collected
// field name to value mapping of the response linked to the thread.
func (s *Server) threadFormDataHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid thread id"))
		return
	}
	collected, err := s.intake.CollectedResponses(id)
	if err != nil {
		if errors.Is(err, models.ErrThreadNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Thread not found"))
			return
		}
		slog.Error("threadFormDataHandler failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get form data"))
		return
	}
	if collected == nil {
		collected = map[string]string{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(collected))
}

// completeThreadHandler handles POST /threads/{id}/complete: explicit
// completion for chat threads.
func (s *Server) completeThreadHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid thread id"))
		return
	}
	if err := s.intake.MarkCompleted(id); err != nil {
		if errors.Is(err, models.ErrThreadNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Thread not found"))
			return
		}
		slog.Error("completeThreadHandler failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to complete thread"))
		return
	}
	th, err := s.st.GetThread(id)
	if err != nil || th == nil {
		slog.Error("completeThreadHandler reload failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load thread"))
		return
	}
	slog.Info("completeThreadHandler succeeded", "id", id)
	writeJSONResponse(w, http.StatusOK, models.Success(th))
}
