package ws

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"parley/internal/chat"
	"parley/internal/models"
	"parley/internal/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend stands in for the router, typing tracker, read tracker and presence
// service. Only user 1 belongs to conversation 5, which holds messages m-1..m-3.
type fakeBackend struct {
	mu         sync.Mutex
	calls      []string
	heartbeats int
}

func (f *fakeBackend) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeBackend) Publish(_ context.Context, req chat.PublishRequest) (models.Message, error) {
	f.record("publish %d %s", req.ConversationID, req.Body)
	return models.Message{ConversationID: req.ConversationID, Body: req.Body}, nil
}

func (f *fakeBackend) ResolveRead(_ context.Context, conversationID, userID, lastSequence int64, lastMessageID string) (int64, error) {
	f.record("resolve %d %d %q", conversationID, lastSequence, lastMessageID)
	if conversationID != 5 || userID != 1 {
		return 0, models.ErrNotParticipant
	}
	if lastSequence > 0 {
		return lastSequence, nil
	}
	switch lastMessageID {
	case "m-1", "m-2", "m-3":
		return int64(lastMessageID[2] - '0'), nil
	case "":
		return 0, models.Invalid("lastSequence", "required")
	}
	return 0, models.Invalid("lastMessageId", "unknown")
}

func (f *fakeBackend) Advance(_ context.Context, conversationID, _ int64, lastSequence int64) (int64, error) {
	if lastSequence > 3 {
		return 0, models.Invalid("lastSequence", "too far")
	}
	f.record("advance %d %d", conversationID, lastSequence)
	return lastSequence, nil
}

func (f *fakeBackend) StartTyping(_ context.Context, conversationID, _ int64) error {
	f.record("typing start %d", conversationID)
	return nil
}

func (f *fakeBackend) StopTyping(_ context.Context, conversationID, _ int64) error {
	f.record("typing stop %d", conversationID)
	return nil
}

func (f *fakeBackend) SetStatus(_ context.Context, userID int64, upd presence.StatusUpdate) (models.PresenceRecord, error) {
	status := "-"
	if upd.Status != nil {
		status = string(*upd.Status)
	}
	message := "-"
	if upd.Message != nil {
		message = *upd.Message
	}
	f.record("status %s %s", status, message)
	return models.PresenceRecord{UserID: userID}, nil
}

func (f *fakeBackend) Heartbeat(context.Context, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func TestServer_HandleClientMessage(t *testing.T) {
	lunch := "at lunch"

	tests := []struct {
		name    string
		msg     models.ClientMessage
		wantErr error
		calls   []string
	}{
		{
			name:  "message",
			msg:   models.ClientMessage{Type: models.ClientMessageTypeMessage, ConversationID: 5, Content: "hello"},
			calls: []string{"publish 5 hello"},
		},
		{
			name:  "typing start",
			msg:   models.ClientMessage{Type: models.ClientMessageTypeTypingStart, ConversationID: 5},
			calls: []string{"typing start 5"},
		},
		{
			name:  "typing stop",
			msg:   models.ClientMessage{Type: models.ClientMessageTypeTypingStop, ConversationID: 5},
			calls: []string{"typing stop 5"},
		},
		{
			name:  "read by sequence",
			msg:   models.ClientMessage{Type: models.ClientMessageTypeRead, ConversationID: 5, LastSequence: 2},
			calls: []string{`resolve 5 2 ""`, "advance 5 2"},
		},
		{
			name:  "read by message id",
			msg:   models.ClientMessage{Type: models.ClientMessageTypeRead, ConversationID: 5, LastMessageID: "m-3"},
			calls: []string{`resolve 5 0 "m-3"`, "advance 5 3"},
		},
		{
			name:    "read without position",
			msg:     models.ClientMessage{Type: models.ClientMessageTypeRead, ConversationID: 5},
			wantErr: models.ErrInvalidInput,
			calls:   []string{`resolve 5 0 ""`},
		},
		{
			name:    "read unknown message",
			msg:     models.ClientMessage{Type: models.ClientMessageTypeRead, ConversationID: 5, LastMessageID: "m-9"},
			wantErr: models.ErrInvalidInput,
			calls:   []string{`resolve 5 0 "m-9"`},
		},
		{
			name:    "read past the last message",
			msg:     models.ClientMessage{Type: models.ClientMessageTypeRead, ConversationID: 5, LastSequence: 1_000_000},
			wantErr: models.ErrInvalidInput,
			calls:   []string{`resolve 5 1000000 ""`},
		},
		{
			name:    "read in a foreign conversation",
			msg:     models.ClientMessage{Type: models.ClientMessageTypeRead, ConversationID: 6, LastSequence: 1},
			wantErr: models.ErrNotParticipant,
			calls:   []string{`resolve 6 1 ""`},
		},
		{
			name:  "status",
			msg:   models.ClientMessage{Type: models.ClientMessageTypeStatus, Status: models.StatusAway, StatusMessage: &lunch},
			calls: []string{"status away at lunch"},
		},
		{
			name:  "status message only",
			msg:   models.ClientMessage{Type: models.ClientMessageTypeStatus, StatusMessage: &lunch},
			calls: []string{"status - at lunch"},
		},
		{
			name:    "unknown type",
			msg:     models.ClientMessage{Type: "chat:shout", ConversationID: 5},
			wantErr: models.ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{}
			s := NewServer(ServerConfig{}, NewHub(nil, 0, nil), backend, backend, backend, backend, nil)

			err := s.HandleClientMessage(context.Background(), 1, tt.msg)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.calls, backend.calls)
			assert.Equal(t, 1, backend.heartbeats, "every frame counts as activity")
		})
	}
}
