package api

import (
	"log/slog"
	"net/http"

	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/storage"
)

// AdminHandler serves the loopback-only admin API. It has no identity check.
type AdminHandler struct {
	store    storage.Storage
	presence *presence.Service
	log      *slog.Logger
}

func NewAdminHandler(store storage.Storage, presence *presence.Service, log *slog.Logger) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{store: store, presence: presence, log: log}
}

type AddConversationRequest struct {
	Kind           models.ConversationKind `json:"kind" validate:"required,oneof=direct group"`
	ParticipantIDs []int64                 `json:"participantIds" validate:"required,min=1,max=1000,dive,gt=0"`
}

type AddConversationResponse struct {
	Success      bool                `json:"success"`
	Conversation models.Conversation `json:"conversation"`
}

func (h *AdminHandler) AddConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req AddConversationRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	conv, err := h.store.CreateConversation(r.Context(), models.Conversation{
		Kind:           req.Kind,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.log.Info("conversation created", "conversation_id", conv.ID, "kind", conv.Kind, "participants", len(conv.ParticipantIDs))
	writeJSON(w, http.StatusOK, AddConversationResponse{Success: true, Conversation: conv})
}

func (h *AdminHandler) DeactivateUserHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userId")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	rec, err := h.presence.Deactivate(r.Context(), userID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Status: rec})
}
