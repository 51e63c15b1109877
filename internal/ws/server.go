package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"parley/internal/auth"
	"parley/internal/chat"
	"parley/internal/models"
	"parley/internal/presence"

	"github.com/gorilla/websocket"
)

const maxFrameSize = 64 << 10

type publisher interface {
	Publish(ctx context.Context, req chat.PublishRequest) (models.Message, error)
	ResolveRead(ctx context.Context, conversationID, userID, lastSequence int64, lastMessageID string) (int64, error)
}

type typingTracker interface {
	StartTyping(ctx context.Context, conversationID, userID int64) error
	StopTyping(ctx context.Context, conversationID, userID int64) error
}

type readTracker interface {
	Advance(ctx context.Context, conversationID, userID, lastSequence int64) (int64, error)
}

type presenceUpdater interface {
	SetStatus(ctx context.Context, userID int64, upd presence.StatusUpdate) (models.PresenceRecord, error)
	Heartbeat(ctx context.Context, userID int64) error
}

type ServerConfig struct {
	AllowedOrigins []string
	ChannelBuffer  int
	// BaseContext ends every live channel when cancelled. Hijacked connections
	// are not closed by http.Server.Shutdown.
	BaseContext context.Context
}

// Server upgrades authenticated requests to websocket live channels and
// dispatches the frames clients send over them.
type Server struct {
	hub      *Hub
	router   publisher
	typing   typingTracker
	reads    readTracker
	presence presenceUpdater
	buffer   int
	base     context.Context
	log      *slog.Logger
	upgrader *websocket.Upgrader
}

func NewServer(
	cfg ServerConfig,
	hub *Hub,
	router publisher,
	typing typingTracker,
	reads readTracker,
	presence presenceUpdater,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o = strings.ToLower(strings.TrimSpace(o)); o != "" {
			allowed[o] = struct{}{}
		}
	}
	return &Server{
		hub:      hub,
		router:   router,
		typing:   typing,
		reads:    reads,
		presence: presence,
		buffer:   cfg.ChannelBuffer,
		base:     cfg.BaseContext,
		log:      log,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := strings.ToLower(r.Header.Get("Origin"))
				if origin == "" || len(allowed) == 0 {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// HandleConnections expects the identity middleware to have run.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "user_id", id.UserID, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()

	c := NewConnection(s.hub, s, conn, id.UserID, s.buffer, s.log)
	if err := c.Handle(ctx); err != nil && !isCloseError(err) {
		s.log.Debug("live channel closed", "user_id", id.UserID, "error", err)
	}
}

func isCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// HandleClientMessage implements ClientHandler. Every frame counts as activity.
func (s *Server) HandleClientMessage(ctx context.Context, userID int64, msg models.ClientMessage) error {
	if err := s.presence.Heartbeat(ctx, userID); err != nil {
		s.log.Debug("frame heartbeat failed", "user_id", userID, "error", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch msg.Type {
	case models.ClientMessageTypeMessage:
		_, err := s.router.Publish(ctx, chat.PublishRequest{
			ConversationID:  msg.ConversationID,
			SenderID:        userID,
			Body:            msg.Content,
			Attachments:     msg.Attachments,
			ReplyToID:       msg.ReplyToID,
			ClientMessageID: msg.ClientMessageID,
		})
		return err
	case models.ClientMessageTypeTypingStart:
		return s.typing.StartTyping(ctx, msg.ConversationID, userID)
	case models.ClientMessageTypeTypingStop:
		return s.typing.StopTyping(ctx, msg.ConversationID, userID)
	case models.ClientMessageTypeRead:
		seq, err := s.router.ResolveRead(ctx, msg.ConversationID, userID, msg.LastSequence, msg.LastMessageID)
		if err != nil {
			return err
		}
		_, err = s.reads.Advance(ctx, msg.ConversationID, userID, seq)
		return err
	case models.ClientMessageTypeStatus:
		upd := presence.StatusUpdate{Message: msg.StatusMessage}
		if msg.Status != "" {
			st := msg.Status
			upd.Status = &st
		}
		_, err := s.presence.SetStatus(ctx, userID, upd)
		return err
	default:
		return models.Invalid("type", "unknown frame type "+string(msg.Type))
	}
}
