package storage

import (
	"context"
	"fmt"
	"slices"

	"parley/internal/models"

	"github.com/samber/lo"
)

const (
	DriverBbolt  = "bbolt"
	DriverSQLite = "sqlite"
)

// Storage is the durable collaborator behind the router, presence service and notifier.
type Storage interface {
	CreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error)
	FetchConversationParticipants(ctx context.Context, conversationID int64) ([]int64, error)

	CreateMessage(ctx context.Context, msg models.Message) error
	FetchMessages(ctx context.Context, conversationID, before int64, limit int) ([]models.Message, error)
	LastSequence(ctx context.Context, conversationID int64) (int64, error)
	// MessageSequence returns the sequence of a message by id, or ErrNotFound.
	MessageSequence(ctx context.Context, conversationID int64, messageID string) (int64, error)

	GetPresence(ctx context.Context, userID int64) (models.PresenceRecord, error)
	UpsertPresence(ctx context.Context, rec models.PresenceRecord) error
	ListPresence(ctx context.Context) ([]models.PresenceRecord, error)

	UpsertPushSubscription(ctx context.Context, sub models.PushSubscription) error
	ListPushSubscriptions(ctx context.Context, userID int64) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error

	Close() error
}

func Open(driver, path string) (Storage, error) {
	switch driver {
	case DriverBbolt, "":
		return NewBboltStorage(path)
	case DriverSQLite:
		return NewSQLiteStorage(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// ValidateConversation normalizes participants and checks the kind constraints.
func ValidateConversation(conv models.Conversation) (models.Conversation, error) {
	ids := lo.Uniq(conv.ParticipantIDs)
	if slices.ContainsFunc(ids, func(id int64) bool { return id <= 0 }) {
		return conv, models.Invalid("participantIds", "ids must be positive")
	}
	slices.Sort(ids)
	conv.ParticipantIDs = ids

	switch conv.Kind {
	case models.ConversationDirect:
		if len(ids) != 2 {
			return conv, models.Invalid("participantIds", "direct conversation needs exactly 2 distinct participants")
		}
	case models.ConversationGroup:
		if len(ids) < 1 {
			return conv, models.Invalid("participantIds", "group conversation needs participants")
		}
	default:
		return conv, models.Invalid("kind", "must be direct or group")
	}
	return conv, nil
}
