package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"parley/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

func itob(v int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(v))
	return key
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func unixNano(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func optionalTime(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := fromUnixNano(v)
	return &t
}

type DBConversation struct {
	ID             int64   `msgpack:"id"`
	Kind           string  `msgpack:"kind"`
	ParticipantIDs []int64 `msgpack:"participantIds"`
	CreatedAt      int64   `msgpack:"createdAt"`
	LastSeq        int64   `msgpack:"lastSeq"`
}

func (c *DBConversation) Key() []byte {
	return itob(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBConversation) model() models.Conversation {
	return models.Conversation{
		ID:             c.ID,
		Kind:           models.ConversationKind(c.Kind),
		ParticipantIDs: c.ParticipantIDs,
		CreatedAt:      fromUnixNano(c.CreatedAt),
	}
}

type DBMessage struct {
	ID              string         `msgpack:"id"`
	Seq             int64          `msgpack:"seq"`
	ConversationID  int64          `msgpack:"conversationId"`
	SenderID        int64          `msgpack:"senderId"`
	Body            string         `msgpack:"body"`
	Attachments     []DBAttachment `msgpack:"attachments"`
	CreatedAt       int64          `msgpack:"createdAt"`
	ReplyToID       string         `msgpack:"replyToId"`
	ClientMessageID string         `msgpack:"clientMessageId"`
	Edited          bool           `msgpack:"edited"`
	Deleted         bool           `msgpack:"deleted"`
}

type DBAttachment struct {
	ID       string `msgpack:"id"`
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
}

func (m *DBMessage) Key() []byte {
	return itob(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func newDBMessage(msg models.Message) *DBMessage {
	m := &DBMessage{
		ID:              msg.ID,
		Seq:             msg.Seq,
		ConversationID:  msg.ConversationID,
		SenderID:        msg.SenderID,
		Body:            msg.Body,
		CreatedAt:       unixNano(&msg.CreatedAt),
		ReplyToID:       msg.ReplyToID,
		ClientMessageID: msg.ClientMessageID,
		Edited:          msg.Edited,
		Deleted:         msg.Deleted,
	}
	for _, a := range msg.Attachments {
		m.Attachments = append(m.Attachments, DBAttachment(a))
	}
	return m
}

func (m *DBMessage) model() models.Message {
	msg := models.Message{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		SenderID:        m.SenderID,
		Body:            m.Body,
		CreatedAt:       fromUnixNano(m.CreatedAt),
		Seq:             m.Seq,
		ReplyToID:       m.ReplyToID,
		ClientMessageID: m.ClientMessageID,
		Edited:          m.Edited,
		Deleted:         m.Deleted,
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, models.Attachment(a))
	}
	return msg
}

type DBPresence struct {
	UserID             int64  `msgpack:"userId"`
	Status             string `msgpack:"status"`
	StatusMessage      string `msgpack:"statusMessage"`
	OOFEnabled         bool   `msgpack:"oofEnabled"`
	OOFStart           int64  `msgpack:"oofStart"`
	OOFEnd             int64  `msgpack:"oofEnd"`
	OOFInternalMessage string `msgpack:"oofInternalMessage"`
	OOFExternalMessage string `msgpack:"oofExternalMessage"`
	LastActiveAt       int64  `msgpack:"lastActiveAt"`
	StatusUpdatedAt    int64  `msgpack:"statusUpdatedAt"`
}

func (p *DBPresence) Key() []byte {
	return itob(p.UserID)
}

func (p *DBPresence) MarshalBinary() (data []byte, err error) {
	type alias DBPresence
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPresence) UnmarshalBinary(data []byte) error {
	type alias DBPresence
	return msgpack.Unmarshal(data, (*alias)(p))
}

func newDBPresence(rec models.PresenceRecord) *DBPresence {
	return &DBPresence{
		UserID:             rec.UserID,
		Status:             string(rec.Status),
		StatusMessage:      rec.StatusMessage,
		OOFEnabled:         rec.OOFEnabled,
		OOFStart:           unixNano(rec.OOFStart),
		OOFEnd:             unixNano(rec.OOFEnd),
		OOFInternalMessage: rec.OOFInternalMessage,
		OOFExternalMessage: rec.OOFExternalMessage,
		LastActiveAt:       unixNano(&rec.LastActiveAt),
		StatusUpdatedAt:    unixNano(&rec.StatusUpdatedAt),
	}
}

func (p *DBPresence) model() models.PresenceRecord {
	return models.PresenceRecord{
		UserID:             p.UserID,
		Status:             models.Status(p.Status),
		StatusMessage:      p.StatusMessage,
		OOFEnabled:         p.OOFEnabled,
		OOFStart:           optionalTime(p.OOFStart),
		OOFEnd:             optionalTime(p.OOFEnd),
		OOFInternalMessage: p.OOFInternalMessage,
		OOFExternalMessage: p.OOFExternalMessage,
		LastActiveAt:       fromUnixNano(p.LastActiveAt),
		StatusUpdatedAt:    fromUnixNano(p.StatusUpdatedAt),
	}
}

type DBPushSubscription struct {
	UserID   int64  `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	Auth     string `msgpack:"auth"`
	P256dh   string `msgpack:"p256dh"`
}

func (s *DBPushSubscription) Key() []byte {
	return []byte(s.Endpoint)
}

func (s *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}
