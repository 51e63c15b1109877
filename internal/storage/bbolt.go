package storage

import (
	"context"
	"fmt"
	"slices"
	"time"

	"parley/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketConversations     = []byte("conversations")
	bucketMessages          = []byte("messages")
	bucketPresence          = []byte("presence")
	bucketPushSubscriptions = []byte("push_subscriptions")
	// message_ids maps conversation id + message id to the message sequence.
	bucketMessageIDs = []byte("message_ids")
)

type BboltStorage struct {
	db *bbolt.DB
}

var _ Storage = (*BboltStorage)(nil)

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMessages, bucketMessageIDs, bucketPresence, bucketPushSubscriptions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func getConversation(tx *bbolt.Tx, conversationID int64) (*DBConversation, error) {
	data := tx.Bucket(bucketConversations).Get(itob(conversationID))
	if data == nil {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, models.ErrNotFound)
	}
	var c DBConversation
	if err := c.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &c, nil
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

// CreateConversation assigns the next id and stores the conversation.
func (s *BboltStorage) CreateConversation(_ context.Context, conv models.Conversation) (models.Conversation, error) {
	conv, err := ValidateConversation(conv)
	if err != nil {
		return conv, err
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		conv.ID = int64(seq)
		return put(b, &DBConversation{
			ID:             conv.ID,
			Kind:           string(conv.Kind),
			ParticipantIDs: conv.ParticipantIDs,
			CreatedAt:      unixNano(&conv.CreatedAt),
		})
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (s *BboltStorage) GetConversation(_ context.Context, conversationID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		c, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}
		conv = c.model()
		return nil
	})
	return conv, err
}

// ListConversations returns the conversations userID participates in, by id.
func (s *BboltStorage) ListConversations(_ context.Context, userID int64) ([]models.Conversation, error) {
	convs := []models.Conversation{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var c DBConversation
			if err := c.UnmarshalBinary(v); err != nil {
				return err
			}
			if slices.Contains(c.ParticipantIDs, userID) {
				convs = append(convs, c.model())
			}
			return nil
		})
	})
	return convs, err
}

func (s *BboltStorage) FetchConversationParticipants(ctx context.Context, conversationID int64) ([]int64, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.ParticipantIDs, nil
}

// CreateMessage stores the message and advances the conversation's last sequence.
// A sequence number is never written twice.
func (s *BboltStorage) CreateMessage(_ context.Context, msg models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		conv, err := getConversation(tx, msg.ConversationID)
		if err != nil {
			return err
		}

		msgBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists(itob(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}
		dbMessage := newDBMessage(msg)
		if msgBucket.Get(dbMessage.Key()) != nil {
			return fmt.Errorf("sequence %d of conversation %d already used", msg.Seq, msg.ConversationID)
		}
		if err := put(msgBucket, dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		if err := tx.Bucket(bucketMessageIDs).Put(messageIDKey(msg.ConversationID, msg.ID), itob(msg.Seq)); err != nil {
			return fmt.Errorf("failed to index message: %w", err)
		}

		if msg.Seq > conv.LastSeq {
			conv.LastSeq = msg.Seq
			return put(tx.Bucket(bucketConversations), conv)
		}
		return nil
	})
}

// FetchMessages walks the conversation backwards from before (or from the end when
// before is 0) and returns up to limit messages in ascending order.
func (s *BboltStorage) FetchMessages(_ context.Context, conversationID, before int64, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages).Bucket(itob(conversationID))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		var k, v []byte
		if before > 0 {
			if k, _ = c.Seek(itob(before)); k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}

		for ; k != nil && len(messages) < limit; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.model())
		}
		return nil
	})
	slices.Reverse(messages)
	return messages, err
}

func messageIDKey(conversationID int64, messageID string) []byte {
	return append(itob(conversationID), messageID...)
}

func (s *BboltStorage) MessageSequence(_ context.Context, conversationID int64, messageID string) (int64, error) {
	var seq int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMessageIDs).Get(messageIDKey(conversationID, messageID))
		if data == nil {
			return fmt.Errorf("message %q: %w", messageID, models.ErrNotFound)
		}
		seq = btoi(data)
		return nil
	})
	return seq, err
}

func (s *BboltStorage) LastSequence(_ context.Context, conversationID int64) (int64, error) {
	var last int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConversations).Get(itob(conversationID))
		if data == nil {
			return nil
		}
		var c DBConversation
		if err := c.UnmarshalBinary(data); err != nil {
			return err
		}
		last = c.LastSeq
		return nil
	})
	return last, err
}

func (s *BboltStorage) GetPresence(_ context.Context, userID int64) (models.PresenceRecord, error) {
	var rec models.PresenceRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPresence).Get(itob(userID))
		if data == nil {
			return fmt.Errorf("presence of user %d: %w", userID, models.ErrNotFound)
		}
		var p DBPresence
		if err := p.UnmarshalBinary(data); err != nil {
			return err
		}
		rec = p.model()
		return nil
	})
	return rec, err
}

func (s *BboltStorage) UpsertPresence(_ context.Context, rec models.PresenceRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketPresence), newDBPresence(rec))
	})
}

func (s *BboltStorage) ListPresence(_ context.Context) ([]models.PresenceRecord, error) {
	var records []models.PresenceRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPresence).ForEach(func(k, v []byte) error {
			var p DBPresence
			if err := p.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, p.model())
			return nil
		})
	})
	return records, err
}

// UpsertPushSubscription stores the subscription keyed by endpoint.
func (s *BboltStorage) UpsertPushSubscription(_ context.Context, sub models.PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketPushSubscriptions), &DBPushSubscription{
			UserID:   sub.UserID,
			Endpoint: sub.Endpoint,
			Auth:     sub.Auth,
			P256dh:   sub.P256dh,
		})
	})
}

func (s *BboltStorage) ListPushSubscriptions(_ context.Context, userID int64) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPushSubscriptions).ForEach(func(k, v []byte) error {
			var sub DBPushSubscription
			if err := sub.UnmarshalBinary(v); err != nil {
				return err
			}
			if sub.UserID == userID {
				subs = append(subs, models.PushSubscription(sub))
			}
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(_ context.Context, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPushSubscriptions).Delete([]byte(endpoint))
	})
}
