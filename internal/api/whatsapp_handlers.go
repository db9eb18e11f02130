package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dialform/dialform/internal/models"
)

// whatsAppInboundHandler handles POST /whatsapp/inbound, Twilio's webhook for
// incoming WhatsApp messages. Each sender number keeps one open thread; the
// mapping is cleared when the thread completes so the next message starts a
// fresh intake.
func (s *Server) whatsAppInboundHandler(w http.ResponseWriter, r *http.Request) {
	from := r.FormValue("From")
	body := r.FormValue("Body")
	slog.Debug("whatsAppInboundHandler invoked", "from", from, "hasBody", body != "")
	if from == "" || body == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("From and Body are required"))
		return
	}
	if s.calls == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("WhatsApp messaging is not configured"))
		return
	}

	threadID, err := s.st.GetSenderThread(from)
	if err != nil {
		slog.Error("whatsAppInboundHandler sender lookup failed", "error", err, "from", from)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up sender"))
		return
	}
	if threadID == 0 {
		th, greeting, err := s.intake.StartThread(r.Context())
		if err != nil {
			slog.Error("whatsAppInboundHandler failed to start thread", "error", err, "from", from)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start thread"))
			return
		}
		threadID = th.ID
		if err := s.st.SaveSenderThread(from, threadID); err != nil {
			slog.Error("whatsAppInboundHandler failed to map sender", "error", err, "from", from, "threadID", threadID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start thread"))
			return
		}
		if err := s.calls.SendWhatsApp(r.Context(), from, greeting); err != nil {
			slog.Error("whatsAppInboundHandler failed to send greeting", "error", err, "from", from)
		}
	}

	reply, completed, err := s.intake.HandleTurn(r.Context(), threadID, body)
	if err != nil {
		if errors.Is(err, models.ErrThreadCompleted) {
			// Stale mapping; clear it so the next message starts over.
			if derr := s.st.DeleteSenderThread(from); derr != nil {
				slog.Warn("whatsAppInboundHandler failed to clear stale mapping", "error", derr, "from", from)
			}
			writeJSONResponse(w, http.StatusConflict, models.Error("Thread is already completed"))
			return
		}
		slog.Error("whatsAppInboundHandler turn failed", "error", err, "from", from, "threadID", threadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	if err := s.calls.SendWhatsApp(r.Context(), from, reply); err != nil {
		slog.Error("whatsAppInboundHandler failed to send reply", "error", err, "from", from)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send reply"))
		return
	}
	if completed {
		slog.Info("whatsAppInboundHandler thread completed", "from", from, "threadID", threadID)
		if err := s.st.DeleteSenderThread(from); err != nil {
			slog.Warn("whatsAppInboundHandler failed to clear mapping", "error", err, "from", from)
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.ChatReply{ThreadID: threadID, Reply: reply}))
}
