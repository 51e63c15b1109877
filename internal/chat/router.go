package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"parley/internal/content"
	"parley/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	DefaultFetchLimit     = 20
	MaxFetchLimit         = 100
	MaxAttachments        = 10
	DefaultIdempotencyTTL = 10 * time.Minute
)

// Store is the persistent collaborator. CreateMessage must be durable before it returns.
type Store interface {
	CreateMessage(ctx context.Context, msg models.Message) error
	FetchMessages(ctx context.Context, conversationID, before int64, limit int) ([]models.Message, error)
	FetchConversationParticipants(ctx context.Context, conversationID int64) ([]int64, error)
	LastSequence(ctx context.Context, conversationID int64) (int64, error)
	MessageSequence(ctx context.Context, conversationID int64, messageID string) (int64, error)
}

// Broadcaster hands events to live channels. It returns the users that had none.
type Broadcaster interface {
	SendToConversation(ctx context.Context, conversationID int64, msg models.ServerMessage, participantIDs []int64) []int64
}

// Notifier reaches participants that were not connected when a message was published.
type Notifier interface {
	NotifyOffline(ctx context.Context, userIDs []int64, msg models.Message)
}

type Config struct {
	IdempotencyTTL time.Duration
	Notifier       Notifier
}

type PublishRequest struct {
	ConversationID  int64
	SenderID        int64
	Body            string
	Attachments     []models.Attachment
	ReplyToID       string
	ClientMessageID string
}

// Router accepts new messages, stamps their sequence number, stores them and
// fans them out. Everything for one conversation happens under that
// conversation's lock, so message N reaches the gateway before N+1.
type Router struct {
	store    Store
	gateway  Broadcaster
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
	newID    func() string

	published geche.Geche[string, models.Message]

	mu            sync.Mutex
	conversations map[int64]*conversation

	wg sync.WaitGroup
}

type conversation struct {
	mu      sync.Mutex
	lastSeq int64
	loaded  bool
}

// NewRouter creates a router. ctx bounds the idempotency cache cleanup.
func NewRouter(ctx context.Context, cfg Config, store Store, gateway Broadcaster, log *slog.Logger) *Router {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		store:         store,
		gateway:       gateway,
		notifier:      cfg.Notifier,
		log:           log,
		now:           time.Now,
		newID:         uuid.NewString,
		published:     geche.NewMapTTLCache[string, models.Message](ctx, cfg.IdempotencyTTL, time.Minute),
		conversations: make(map[int64]*conversation),
	}
}

func (r *Router) conversation(id int64) *conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[id]
	if !ok {
		c = &conversation{}
		r.conversations[id] = c
	}
	return c
}

// EnsureParticipant returns the conversation participants if userID is one of them.
func (r *Router) EnsureParticipant(ctx context.Context, conversationID, userID int64) ([]int64, error) {
	if conversationID <= 0 {
		return nil, models.Invalid("conversationId", "must be a positive integer")
	}
	participants, err := r.store.FetchConversationParticipants(ctx, conversationID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to fetch participants of conversation %d: %w", conversationID, err)
	}
	if !lo.Contains(participants, userID) {
		return nil, models.ErrNotParticipant
	}
	return participants, nil
}

func dedupKey(req PublishRequest) string {
	return strconv.FormatInt(req.ConversationID, 10) + ":" + strconv.FormatInt(req.SenderID, 10) + ":" + req.ClientMessageID
}

func (r *Router) attachments(in []models.Attachment) ([]models.Attachment, error) {
	if len(in) > MaxAttachments {
		return nil, models.Invalid("attachments", fmt.Sprintf("at most %d allowed", MaxAttachments))
	}
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]models.Attachment, len(in))
	for i, a := range in {
		if a.Name == "" {
			return nil, models.Invalid("attachments", "name is required")
		}
		if a.ID == "" {
			a.ID = r.newID()
		}
		a.Name = content.Text(a.Name)
		out[i] = a
	}
	return out, nil
}

// Publish stores the message and then delivers it to every connected
// participant except the sender. A store failure aborts before any fan-out.
func (r *Router) Publish(ctx context.Context, req PublishRequest) (models.Message, error) {
	if req.SenderID <= 0 {
		return models.Message{}, models.Invalid("senderId", "must be a positive integer")
	}
	attachments, err := r.attachments(req.Attachments)
	if err != nil {
		return models.Message{}, err
	}
	body, err := content.MessageBody(req.Body, len(attachments) > 0)
	if err != nil {
		return models.Message{}, err
	}
	participants, err := r.EnsureParticipant(ctx, req.ConversationID, req.SenderID)
	if err != nil {
		return models.Message{}, err
	}

	c := r.conversation(req.ConversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.ClientMessageID != "" {
		if msg, err := r.published.Get(dedupKey(req)); err == nil {
			return msg, nil
		}
	}

	if !c.loaded {
		last, err := r.store.LastSequence(ctx, req.ConversationID)
		if err != nil {
			return models.Message{}, fmt.Errorf("failed to load sequence of conversation %d: %w", req.ConversationID, err)
		}
		c.lastSeq, c.loaded = last, true
	}

	msg := models.Message{
		ID:              r.newID(),
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		Body:            body,
		Attachments:     attachments,
		CreatedAt:       r.now().UTC(),
		Seq:             c.lastSeq + 1,
		ReplyToID:       req.ReplyToID,
		ClientMessageID: req.ClientMessageID,
	}
	if err := r.store.CreateMessage(ctx, msg); err != nil {
		r.log.Error("failed to store message", "conversation_id", msg.ConversationID, "sender_id", msg.SenderID, "error", err)
		return models.Message{}, fmt.Errorf("failed to store message: %w", err)
	}
	c.lastSeq = msg.Seq
	if req.ClientMessageID != "" {
		r.published.Set(dedupKey(req), msg)
	}

	event := models.ServerMessage{
		Type:           models.ServerMessageTypeMessage,
		ConversationID: msg.ConversationID,
		UserID:         msg.SenderID,
		Message:        &msg,
	}
	missed := r.gateway.SendToConversation(ctx, msg.ConversationID, event, lo.Without(participants, msg.SenderID))
	if len(missed) > 0 && r.notifier != nil {
		r.wg.Go(func() {
			r.notifier.NotifyOffline(context.WithoutCancel(ctx), missed, msg)
		})
	}
	return msg, nil
}

// Fetch returns up to limit messages older than before (the latest when before is 0),
// oldest first.
func (r *Router) Fetch(ctx context.Context, conversationID, userID, before int64, limit int) ([]models.Message, error) {
	if before < 0 {
		return nil, models.Invalid("before", "must not be negative")
	}
	switch {
	case limit < 0:
		return nil, models.Invalid("limit", "must not be negative")
	case limit == 0:
		limit = DefaultFetchLimit
	case limit > MaxFetchLimit:
		limit = MaxFetchLimit
	}
	if _, err := r.EnsureParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	msgs, err := r.store.FetchMessages(ctx, conversationID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages of conversation %d: %w", conversationID, err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// LastSequence reports the highest sequence number assigned in the conversation.
func (r *Router) LastSequence(ctx context.Context, conversationID int64) (int64, error) {
	c := r.conversation(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return c.lastSeq, nil
	}
	last, err := r.store.LastSequence(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("failed to load sequence of conversation %d: %w", conversationID, err)
	}
	c.lastSeq, c.loaded = last, true
	return last, nil
}

// ResolveRead checks membership and returns the sequence a read receipt points at.
// lastSequence wins when set; otherwise lastMessageID is looked up in the conversation.
func (r *Router) ResolveRead(ctx context.Context, conversationID, userID, lastSequence int64, lastMessageID string) (int64, error) {
	if _, err := r.EnsureParticipant(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	switch {
	case lastSequence < 0:
		return 0, models.Invalid("lastSequence", "must be a positive integer")
	case lastSequence > 0:
		return lastSequence, nil
	case lastMessageID == "":
		return 0, models.Invalid("lastSequence", "lastSequence or lastMessageId is required")
	}

	seq, err := r.store.MessageSequence(ctx, conversationID, lastMessageID)
	if errors.Is(err, models.ErrNotFound) {
		return 0, models.Invalid("lastMessageId", "unknown message in this conversation")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve message %q: %w", lastMessageID, err)
	}
	return seq, nil
}

// AnnounceRead tells the other participants that userID read up to lastSequence.
func (r *Router) AnnounceRead(ctx context.Context, conversationID, userID, lastSequence int64) {
	participants, err := r.store.FetchConversationParticipants(ctx, conversationID)
	if err != nil {
		r.log.Debug("read receipt not announced", "conversation_id", conversationID, "error", err)
		return
	}
	r.gateway.SendToConversation(ctx, conversationID, models.ServerMessage{
		Type:           models.ServerMessageTypeRead,
		ConversationID: conversationID,
		UserID:         userID,
		LastSequence:   lastSequence,
	}, lo.Without(participants, userID))
}

// Wait blocks until pending offline notifications were handed off.
func (r *Router) Wait() {
	r.wg.Wait()
}
