package server

import (
	"encoding/json"
	"net/http"

	"github.com/szaher/chatflow/internal/pipeline"
	"github.com/szaher/chatflow/internal/stream"
)

// chatRequest is the POST /v1/chat/stream body.
type chatRequest struct {
	AccountID       string `json:"accountId"`
	SessionID       string `json:"sessionId"`
	Message         string `json:"message"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// handleChatStream runs one turn and streams NDJSON events. Everything
// after the headers is the emitter's responsibility; request failures
// become terminal error events, never HTTP status changes mid-stream.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	em := stream.NewEmitter(w)
	err := s.pipeline.Handle(r.Context(), pipeline.Request{
		AccountID:     req.AccountID,
		SessionID:     req.SessionID,
		Message:       req.Message,
		ClientNonce:   req.ClientMessageID,
		Security:      securityFrom(r.Context()),
		RequiredLevel: routeLevels["chat"],
	}, em)
	if err != nil {
		// The emitter already closed or the client went away; there is
		// nothing left to send.
		s.logger.Warn("turn ended unsurfaced", "error", err)
	}
}
