package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"parley/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWS struct {
	readCh      chan models.ClientMessage
	writeCh     chan any
	closeCh     chan struct{}
	once        sync.Once
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientMessage, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.once.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockWS) isClosed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case msg := <-m.readCh:
		if ptr, ok := v.(*models.ClientMessage); ok {
			*ptr = msg
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockGateway struct {
	registered   chan int64
	unregistered chan int64
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		registered:   make(chan int64, 10),
		unregistered: make(chan int64, 10),
	}
}

func (g *mockGateway) Register(_ context.Context, userID int64, _ Channel) {
	g.registered <- userID
}

func (g *mockGateway) Unregister(_ context.Context, userID int64, _ Channel) {
	g.unregistered <- userID
}

type mockHandler struct {
	frames chan models.ClientMessage
	err    error
}

func (h *mockHandler) HandleClientMessage(_ context.Context, _ int64, msg models.ClientMessage) error {
	h.frames <- msg
	return h.err
}

func TestConnection_Lifecycle(t *testing.T) {
	gw := newMockGateway()
	ws := newMockWS()
	handler := &mockHandler{frames: make(chan models.ClientMessage, 10)}

	conn := NewConnection(gw, handler, ws, 1, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	select {
	case id := <-gw.registered:
		assert.Equal(t, int64(1), id)
	case <-time.After(time.Second):
		t.Fatal("connection was not registered")
	}

	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeMessage, ConversationID: 7, Content: "hello"}
	select {
	case frame := <-handler.frames:
		assert.Equal(t, "hello", frame.Content)
	case <-time.After(time.Second):
		t.Fatal("handler did not receive frame")
	}

	require.NoError(t, conn.Send(models.ServerMessage{Type: models.ServerMessageTypeMessage, ConversationID: 7}))
	select {
	case out := <-ws.writeCh:
		msg, ok := out.(models.ServerMessage)
		require.True(t, ok, "wrote %T", out)
		assert.Equal(t, int64(7), msg.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("server message was not written")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after cancel")
	}

	select {
	case id := <-gw.unregistered:
		assert.Equal(t, int64(1), id)
	default:
		t.Error("connection was not unregistered")
	}
	assert.True(t, ws.isClosed())
	assert.False(t, conn.IsAlive())
	assert.ErrorIs(t, conn.Send(models.ServerMessage{}), models.ErrChannelClosed)
}

func TestConnection_HandlerErrorIsReported(t *testing.T) {
	gw := newMockGateway()
	ws := newMockWS()
	handler := &mockHandler{frames: make(chan models.ClientMessage, 10), err: models.ErrNotParticipant}

	conn := NewConnection(gw, handler, ws, 1, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.Handle(ctx) }()

	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeTypingStart, ConversationID: 3}

	select {
	case out := <-ws.writeCh:
		msg := out.(models.ServerMessage)
		assert.Equal(t, models.ServerMessageTypeError, msg.Type)
		assert.Equal(t, int64(3), msg.ConversationID)
		assert.Equal(t, models.ErrNotParticipant.Error(), msg.Error)
	case <-time.After(time.Second):
		t.Fatal("error frame was not written")
	}
	assert.True(t, conn.IsAlive(), "a rejected frame does not close the channel")
}

func TestConnection_SendIsNonBlocking(t *testing.T) {
	conn := NewConnection(newMockGateway(), nil, newMockWS(), 1, 2, nil)

	require.NoError(t, conn.Send(models.ServerMessage{}))
	require.NoError(t, conn.Send(models.ServerMessage{}))
	assert.ErrorIs(t, conn.Send(models.ServerMessage{}), models.ErrChannelFull)
}

func TestConnection_WSError(t *testing.T) {
	gw := newMockGateway()
	ws := newMockWS()
	ws.errToReturn = errors.New("read error")

	conn := NewConnection(gw, nil, ws, 2, 4, nil)

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Handle did not return on error")
	}
	assert.True(t, ws.isClosed())
}
