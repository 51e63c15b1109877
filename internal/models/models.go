package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrForbidden      = errors.New("forbidden")
	ErrNotParticipant = errors.New("not a participant of the conversation")
	ErrChannelClosed  = errors.New("channel closed")
	ErrChannelFull    = errors.New("channel buffer full")
)

// ValidationError describes a rejected input field.
// It matches ErrInvalidInput with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

func Invalid(field, reason string) error {
	return ValidationError{Field: field, Reason: reason}
}

type Status string

const (
	StatusAvailable Status = "available"
	StatusAway      Status = "away"
	StatusBusy      Status = "busy"
	StatusDND       Status = "dnd"
	StatusOffline   Status = "offline"
)

var Statuses = []Status{StatusAvailable, StatusAway, StatusBusy, StatusDND, StatusOffline}

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusAway, StatusBusy, StatusDND, StatusOffline:
		return true
	}
	return false
}

// PresenceRecord is the owner's full view of a user's presence.
type PresenceRecord struct {
	UserID             int64      `json:"user_id"`
	Status             Status     `json:"status"`
	StatusMessage      string     `json:"status_message"`
	OOFEnabled         bool       `json:"oof_enabled"`
	OOFStart           *time.Time `json:"oof_start,omitempty"`
	OOFEnd             *time.Time `json:"oof_end,omitempty"`
	OOFInternalMessage string     `json:"oof_internal_message"`
	OOFExternalMessage string     `json:"oof_external_message"`
	LastActiveAt       time.Time  `json:"last_active_at"`
	// StatusUpdatedAt is the write time of the last applied status change.
	StatusUpdatedAt time.Time `json:"status_updated_at"`
}

// PublicStatus is what other users may see. OOF message bodies are private to the owner.
type PublicStatus struct {
	UserID        int64      `json:"user_id"`
	Status        Status     `json:"status"`
	StatusMessage string     `json:"status_message"`
	OOFEnabled    bool       `json:"oof_enabled"`
	OOFStart      *time.Time `json:"oof_start,omitempty"`
	OOFEnd        *time.Time `json:"oof_end,omitempty"`
	LastActiveAt  time.Time  `json:"last_active_at"`
}

func (r PresenceRecord) Public() PublicStatus {
	return PublicStatus{
		UserID:        r.UserID,
		Status:        r.Status,
		StatusMessage: r.StatusMessage,
		OOFEnabled:    r.OOFEnabled,
		OOFStart:      r.OOFStart,
		OOFEnd:        r.OOFEnd,
		LastActiveAt:  r.LastActiveAt,
	}
}

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation represents a chat conversation.
type Conversation struct {
	ID             int64            `json:"id"`
	Kind           ConversationKind `json:"kind"`
	ParticipantIDs []int64          `json:"participantIds"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// Message represents a chat message.
type Message struct {
	ID              string       `json:"id"`
	ConversationID  int64        `json:"conversationId"`
	SenderID        int64        `json:"senderId"`
	Body            string       `json:"content"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	Seq             int64        `json:"seq"`
	ReplyToID       string       `json:"replyToId,omitempty"`
	ClientMessageID string       `json:"clientMessageId,omitempty"`
	Edited          bool         `json:"edited"`
	Deleted         bool         `json:"deleted"`
}

type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

// PushSubscription is a Web Push endpoint registered by a user's browser.
type PushSubscription struct {
	UserID   int64  `json:"userId"`
	Endpoint string `json:"endpoint"`
	Auth     string `json:"auth"`
	P256dh   string `json:"p256dh"`
}

type ServerMessageType string

const (
	ServerMessageTypeMessage     ServerMessageType = "chat:message"
	ServerMessageTypeTypingStart ServerMessageType = "chat:typing:start"
	ServerMessageTypeTypingStop  ServerMessageType = "chat:typing:stop"
	ServerMessageTypeRead        ServerMessageType = "chat:read"
	ServerMessageTypeStatus      ServerMessageType = "user:status"
	ServerMessageTypeOnline      ServerMessageType = "user:online"
	ServerMessageTypeOffline     ServerMessageType = "user:offline"
	ServerMessageTypeError       ServerMessageType = "error"
)

// ServerMessage is an event pushed to a live channel.
type ServerMessage struct {
	Type           ServerMessageType `json:"type"`
	ConversationID int64             `json:"conversationId,omitempty"`
	UserID         int64             `json:"userId,omitempty"`
	Message        *Message          `json:"message,omitempty"`
	Status         *PublicStatus     `json:"status,omitempty"`
	LastSequence   int64             `json:"lastSequence,omitempty"`
	Error          string            `json:"error,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeMessage     ClientMessageType = "chat:message"
	ClientMessageTypeTypingStart ClientMessageType = "chat:typing:start"
	ClientMessageTypeTypingStop  ClientMessageType = "chat:typing:stop"
	ClientMessageTypeRead        ClientMessageType = "chat:read"
	ClientMessageTypeStatus      ClientMessageType = "user:status"
)

// ClientMessage is a frame received from a live channel.
type ClientMessage struct {
	Type            ClientMessageType `json:"type"`
	ConversationID  int64             `json:"conversationId"`
	Content         string            `json:"content,omitempty"`
	Attachments     []Attachment      `json:"attachments,omitempty"`
	ReplyToID       string            `json:"replyToId,omitempty"`
	ClientMessageID string            `json:"clientMessageId,omitempty"`
	LastMessageID   string            `json:"lastMessageId,omitempty"`
	LastSequence    int64             `json:"lastSequence,omitempty"`
	Status          Status            `json:"status,omitempty"`
	StatusMessage   *string           `json:"statusMessage,omitempty"`
}
