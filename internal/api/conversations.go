package api

import (
	"net/http"

	"parley/internal/chat"
	"parley/internal/models"
)

type conversationsResponse struct {
	Success       bool                  `json:"success"`
	Conversations []models.Conversation `json:"conversations"`
}

type messageResponse struct {
	Success bool           `json:"success"`
	Message models.Message `json:"message"`
}

type messagesResponse struct {
	Success  bool             `json:"success"`
	Messages []models.Message `json:"messages"`
}

type readResponse struct {
	Success      bool  `json:"success"`
	LastSequence int64 `json:"lastSequence"`
}

type unreadResponse struct {
	Success      bool  `json:"success"`
	Unread       int64 `json:"unread"`
	LastRead     int64 `json:"lastRead"`
	LastSequence int64 `json:"lastSequence"`
}

type SendMessageRequest struct {
	Content         string              `json:"content" validate:"max=20000"`
	Attachments     []models.Attachment `json:"attachments" validate:"max=10"`
	ReplyToID       string              `json:"replyToId" validate:"omitempty,max=64"`
	ClientMessageID string              `json:"clientMessageId" validate:"omitempty,max=128"`
}

type MarkReadRequest struct {
	LastSequence  int64  `json:"lastSequence" validate:"gte=0"`
	LastMessageID string `json:"lastMessageId" validate:"required_without=LastSequence,max=64"`
}

type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint" validate:"required,url,max=2048"`
	Keys     struct {
		Auth   string `json:"auth" validate:"required"`
		P256dh string `json:"p256dh" validate:"required"`
	} `json:"keys"`
}

func (a *API) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs, err := a.store.ListConversations(r.Context(), caller(r))
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationsResponse{Success: true, Conversations: convs})
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	conversationID, err := pathID(r, "conversationId")
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	var req SendMessageRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}

	msg, err := a.router.Publish(r.Context(), chat.PublishRequest{
		ConversationID:  conversationID,
		SenderID:        caller(r),
		Body:            req.Content,
		Attachments:     req.Attachments,
		ReplyToID:       req.ReplyToID,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Success: true, Message: msg})
}

func (a *API) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	conversationID, err := pathID(r, "conversationId")
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	before, err := queryInt(r, "before")
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, a.log, err)
		return
	}

	msgs, err := a.router.Fetch(r.Context(), conversationID, caller(r), before, int(limit))
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Success: true, Messages: msgs})
}

func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	conversationID, err := pathID(r, "conversationId")
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	var req MarkReadRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}
	userID := caller(r)
	seq, err := a.router.ResolveRead(r.Context(), conversationID, userID, req.LastSequence, req.LastMessageID)
	if err != nil {
		writeError(w, a.log, err)
		return
	}

	lastRead, err := a.reads.Advance(r.Context(), conversationID, userID, seq)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, readResponse{Success: true, LastSequence: lastRead})
}

func (a *API) UnreadHandler(w http.ResponseWriter, r *http.Request) {
	conversationID, err := pathID(r, "conversationId")
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	userID := caller(r)
	if _, err := a.router.EnsureParticipant(r.Context(), conversationID, userID); err != nil {
		writeError(w, a.log, err)
		return
	}

	lastRead := a.reads.LastRead(conversationID, userID)
	unread, err := a.reads.Unread(r.Context(), conversationID, userID)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	// Read pointers never pass the last sequence, so the two add up to it.
	writeJSON(w, http.StatusOK, unreadResponse{
		Success:      true,
		Unread:       unread,
		LastRead:     lastRead,
		LastSequence: lastRead + unread,
	})
}

func (a *API) SubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}
	err := a.store.UpsertPushSubscription(r.Context(), models.PushSubscription{
		UserID:   caller(r),
		Endpoint: req.Endpoint,
		Auth:     req.Keys.Auth,
		P256dh:   req.Keys.P256dh,
	})
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, successResponse{Success: true})
}
