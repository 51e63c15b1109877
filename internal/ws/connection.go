package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"parley/internal/models"
)

const DefaultChannelBuffer = 64

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type gateway interface {
	Register(ctx context.Context, userID int64, ch Channel)
	Unregister(ctx context.Context, userID int64, ch Channel)
}

// ClientHandler processes frames received from a client.
type ClientHandler interface {
	HandleClientMessage(ctx context.Context, userID int64, msg models.ClientMessage) error
}

// Connection is a websocket-backed Channel. Outbound events are queued and
// written by a single loop, so each connection sees them in FIFO order.
type Connection struct {
	ws         wsConnection
	gateway    gateway
	handler    ClientHandler
	userID     int64
	log        *slog.Logger
	fromClient chan models.ClientMessage
	fromServer chan models.ServerMessage
	errorCh    chan error

	mu     sync.Mutex
	closed bool
}

func NewConnection(
	gw gateway,
	handler ClientHandler,
	ws wsConnection,
	userID int64,
	buffer int,
	log *slog.Logger,
) *Connection {
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		ws:         ws,
		gateway:    gw,
		handler:    handler,
		userID:     userID,
		log:        log,
		fromClient: make(chan models.ClientMessage),
		fromServer: make(chan models.ServerMessage, buffer),
		errorCh:    make(chan error, 2),
	}
}

// Send queues msg without blocking.
func (c *Connection) Send(msg models.ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return models.ErrChannelClosed
	}
	select {
	case c.fromServer <- msg:
		return nil
	default:
		return models.ErrChannelFull
	}
}

func (c *Connection) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Handle registers the connection, runs the read and write loops and
// unregisters once either loop stops or ctx is cancelled.
func (c *Connection) Handle(ctx context.Context) error {
	c.gateway.Register(ctx, c.userID, c)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		c.markClosed()
		close(c.fromClient)
		close(c.errorCh)
		c.gateway.Unregister(context.WithoutCancel(ctx), c.userID, c)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			c.processClientMessage(ctx, msg)
		case msg := <-c.fromServer:
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientMessage reports handler failures back on the same connection.
// They never close it.
func (c *Connection) processClientMessage(ctx context.Context, msg models.ClientMessage) {
	if c.handler == nil {
		return
	}
	err := c.handler.HandleClientMessage(ctx, c.userID, msg)
	if err == nil {
		return
	}

	c.log.Debug("client frame rejected", "user_id", c.userID, "type", msg.Type, "error", err)
	reply := models.ServerMessage{
		Type:           models.ServerMessageTypeError,
		ConversationID: msg.ConversationID,
		Error:          publicError(err),
	}
	if sendErr := c.Send(reply); sendErr != nil {
		c.log.Debug("error frame dropped", "user_id", c.userID, "error", sendErr)
	}
}

func publicError(err error) string {
	var verr models.ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, models.ErrNotParticipant):
		return models.ErrNotParticipant.Error()
	case errors.Is(err, models.ErrNotFound):
		return models.ErrNotFound.Error()
	case errors.Is(err, models.ErrInvalidInput):
		return models.ErrInvalidInput.Error()
	default:
		return "internal error"
	}
}
