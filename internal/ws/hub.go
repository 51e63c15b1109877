package ws

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"parley/internal/models"
)

const DefaultOfflineGrace = 5 * time.Second

// Channel is one live delivery path to a connected client.
// Send must not block; it either queues the event or fails.
type Channel interface {
	Send(msg models.ServerMessage) error
	IsAlive() bool
}

// PresenceSignaler receives online/offline transitions.
type PresenceSignaler interface {
	Connected(ctx context.Context, userID int64)
	Disconnected(ctx context.Context, userID int64)
}

// Hub is the registry of live channels per user.
type Hub struct {
	presence PresenceSignaler
	grace    time.Duration
	log      *slog.Logger
	now      func() time.Time

	// Map of userID -> that user's channels
	users map[int64]*userChannels
	mu    sync.RWMutex
}

type userChannels struct {
	mu       sync.Mutex
	channels map[Channel]struct{}
	// online is true once Connected was signalled and until Disconnected is.
	online bool
	// offlineAt is when the pending offline signal fires; zero when none is pending.
	offlineAt time.Time
	// signals holds transitions not yet delivered, true for online.
	// One caller at a time drains it, so PresenceSignaler sees them in order.
	signals  []bool
	draining bool
	dead     bool
}

// queue records a transition. It must be called with u.mu held and reports
// whether the caller has to drain.
func (u *userChannels) queue(online bool) bool {
	u.online = online
	u.signals = append(u.signals, online)
	if u.draining {
		return false
	}
	u.draining = true
	return true
}

// drain delivers queued transitions outside the lock. Transitions queued by the
// signaler itself are picked up by the same loop.
func (h *Hub) drain(ctx context.Context, userID int64, u *userChannels) {
	for {
		u.mu.Lock()
		if len(u.signals) == 0 {
			u.draining = false
			u.mu.Unlock()
			return
		}
		online := u.signals[0]
		u.signals = u.signals[1:]
		u.mu.Unlock()

		if h.presence == nil {
			continue
		}
		if online {
			h.presence.Connected(ctx, userID)
		} else {
			h.presence.Disconnected(ctx, userID)
		}
	}
}

func NewHub(presence PresenceSignaler, grace time.Duration, log *slog.Logger) *Hub {
	if grace < 0 {
		grace = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		presence: presence,
		grace:    grace,
		log:      log,
		now:      time.Now,
		users:    make(map[int64]*userChannels),
	}
}

func (h *Hub) slot(userID int64, create bool) *userChannels {
	h.mu.RLock()
	u, ok := h.users[userID]
	h.mu.RUnlock()
	if ok || !create {
		return u
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if u, ok = h.users[userID]; ok {
		return u
	}
	u = &userChannels{channels: make(map[Channel]struct{})}
	h.users[userID] = u
	return u
}

// Register adds a channel for the user. The first channel signals online,
// unless it cancels a pending offline from a recent disconnect.
func (h *Hub) Register(ctx context.Context, userID int64, ch Channel) {
	for {
		u := h.slot(userID, true)
		u.mu.Lock()
		if u.dead {
			u.mu.Unlock()
			continue
		}
		u.channels[ch] = struct{}{}
		u.offlineAt = time.Time{}
		drain := !u.online && u.queue(true)
		u.mu.Unlock()

		if drain {
			h.drain(ctx, userID, u)
		}
		return
	}
}

// Unregister removes a channel. Removing the last one starts the grace period;
// the offline signal is sent by Sweep once it elapsed.
func (h *Hub) Unregister(ctx context.Context, userID int64, ch Channel) {
	u := h.slot(userID, false)
	if u == nil {
		return
	}

	u.mu.Lock()
	if _, ok := u.channels[ch]; !ok {
		u.mu.Unlock()
		return
	}
	delete(u.channels, ch)
	pending := len(u.channels) == 0 && u.online
	if pending {
		u.offlineAt = h.now().Add(h.grace)
	}
	u.mu.Unlock()

	if pending && h.grace == 0 {
		h.Sweep(ctx)
	}
}

// Sweep sends offline signals for users whose grace period elapsed.
// Slots of offline users are dropped once their signals were delivered.
func (h *Hub) Sweep(ctx context.Context) int {
	now := h.now()
	offline := 0
	drains := make(map[int64]*userChannels)

	h.mu.Lock()
	for userID, u := range h.users {
		u.mu.Lock()
		if len(u.channels) == 0 {
			switch {
			case u.online && !u.offlineAt.IsZero() && !now.Before(u.offlineAt):
				offline++
				u.offlineAt = time.Time{}
				if u.queue(false) {
					drains[userID] = u
				}
			case !u.online && !u.draining && len(u.signals) == 0:
				u.dead = true
				delete(h.users, userID)
			}
		}
		u.mu.Unlock()
	}
	h.mu.Unlock()

	for userID, u := range drains {
		h.drain(ctx, userID, u)
	}
	return offline
}

// Run sweeps pending offline transitions every interval until ctx is done.
func (h *Hub) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := h.Sweep(ctx); n > 0 {
				h.log.Debug("gateway offline sweep", "users", n)
			}
		}
	}
}

func (h *Hub) channelsOf(userID int64) []Channel {
	u := h.slot(userID, false)
	if u == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	chans := make([]Channel, 0, len(u.channels))
	for ch := range u.channels {
		chans = append(chans, ch)
	}
	return chans
}

// SendToUser queues msg on every live channel of the user and returns how many accepted it.
// Channels that are dead or fail to accept are unregistered; dispatch continues with the rest.
func (h *Hub) SendToUser(ctx context.Context, userID int64, msg models.ServerMessage) int {
	delivered := 0
	for _, ch := range h.channelsOf(userID) {
		if !ch.IsAlive() {
			h.Unregister(ctx, userID, ch)
			continue
		}
		if err := ch.Send(msg); err != nil {
			h.log.Debug("pruning live channel", "user_id", userID, "type", msg.Type, "error", err)
			h.Unregister(ctx, userID, ch)
			continue
		}
		delivered++
	}
	return delivered
}

// SendToConversation fans msg out to participants and returns the ones with no live channel.
func (h *Hub) SendToConversation(ctx context.Context, conversationID int64, msg models.ServerMessage, participantIDs []int64) []int64 {
	if msg.ConversationID == 0 {
		msg.ConversationID = conversationID
	}

	var missed []int64
	for _, userID := range participantIDs {
		if h.SendToUser(ctx, userID, msg) == 0 {
			missed = append(missed, userID)
		}
	}
	return missed
}

// Broadcast sends msg to every connected user.
func (h *Hub) Broadcast(ctx context.Context, msg models.ServerMessage) {
	for _, userID := range h.OnlineUserIDs() {
		h.SendToUser(ctx, userID, msg)
	}
}

// IsConnected reports whether the user has at least one live channel.
func (h *Hub) IsConnected(userID int64) bool {
	return len(h.channelsOf(userID)) > 0
}

// OnlineUserIDs returns users with at least one live channel, sorted.
func (h *Hub) OnlineUserIDs() []int64 {
	h.mu.RLock()
	slots := make(map[int64]*userChannels, len(h.users))
	for id, u := range h.users {
		slots[id] = u
	}
	h.mu.RUnlock()

	ids := make([]int64, 0, len(slots))
	for id, u := range slots {
		u.mu.Lock()
		if len(u.channels) > 0 {
			ids = append(ids, id)
		}
		u.mu.Unlock()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
