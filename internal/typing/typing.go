package typing

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"parley/internal/models"

	"github.com/samber/lo"
)

const DefaultTTL = 2 * time.Second

// Resolver checks membership and returns the conversation participants.
type Resolver interface {
	EnsureParticipant(ctx context.Context, conversationID, userID int64) ([]int64, error)
}

type Broadcaster interface {
	SendToConversation(ctx context.Context, conversationID int64, msg models.ServerMessage, participantIDs []int64) []int64
}

type key struct {
	conversationID int64
	userID         int64
}

type state struct {
	mu           sync.Mutex
	expiresAt    time.Time
	participants []int64
	dead         atomic.Bool
}

// Tracker holds ephemeral typing state. Nothing is persisted; expiry is
// evaluated against the clock by Sweep and by the next StartTyping.
type Tracker struct {
	ttl      time.Duration
	resolver Resolver
	gateway  Broadcaster
	log      *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	states map[key]*state
}

func New(ttl time.Duration, resolver Resolver, gateway Broadcaster, log *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		ttl:      ttl,
		resolver: resolver,
		gateway:  gateway,
		log:      log,
		now:      time.Now,
		states:   make(map[key]*state),
	}
}

func (t *Tracker) slot(k key, create bool) *state {
	t.mu.RLock()
	s, ok := t.states[k]
	t.mu.RUnlock()
	if (ok && !s.dead.Load()) || !create {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.states[k]; ok && !s.dead.Load() {
		return s
	}
	s = &state{}
	t.states[k] = s
	return s
}

func (t *Tracker) remove(k key, s *state) {
	t.mu.Lock()
	if t.states[k] == s {
		delete(t.states, k)
	}
	t.mu.Unlock()
}

func (t *Tracker) broadcast(ctx context.Context, typ models.ServerMessageType, k key, participants []int64) {
	t.gateway.SendToConversation(ctx, k.conversationID, models.ServerMessage{
		Type:           typ,
		ConversationID: k.conversationID,
		UserID:         k.userID,
	}, lo.Without(participants, k.userID))
}

// StartTyping sets or extends the expiry. Only the not-typing to typing
// transition is broadcast.
func (t *Tracker) StartTyping(ctx context.Context, conversationID, userID int64) error {
	participants, err := t.resolver.EnsureParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}

	k := key{conversationID, userID}
	for {
		s := t.slot(k, true)
		s.mu.Lock()
		if s.dead.Load() {
			s.mu.Unlock()
			continue
		}

		now := t.now()
		fresh := s.expiresAt.IsZero()
		if !fresh && !now.Before(s.expiresAt) {
			// Expired but not swept yet.
			t.broadcast(ctx, models.ServerMessageTypeTypingStop, k, s.participants)
			fresh = true
		}
		s.expiresAt = now.Add(t.ttl)
		s.participants = participants
		if fresh {
			t.broadcast(ctx, models.ServerMessageTypeTypingStart, k, participants)
		}
		s.mu.Unlock()
		return nil
	}
}

// StopTyping clears the state and broadcasts the stop if the user was typing.
func (t *Tracker) StopTyping(ctx context.Context, conversationID, userID int64) error {
	if _, err := t.resolver.EnsureParticipant(ctx, conversationID, userID); err != nil {
		return err
	}

	k := key{conversationID, userID}
	s := t.slot(k, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if !s.dead.Load() && !s.expiresAt.IsZero() {
		t.broadcast(ctx, models.ServerMessageTypeTypingStop, k, s.participants)
		s.dead.Store(true)
	}
	s.mu.Unlock()
	t.remove(k, s)
	return nil
}

// IsTyping reports whether the user is currently typing in the conversation.
func (t *Tracker) IsTyping(conversationID, userID int64) bool {
	s := t.slot(key{conversationID, userID}, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead.Load() && !s.expiresAt.IsZero() && t.now().Before(s.expiresAt)
}

// Sweep expires stale typing states, broadcasting a stop for each.
func (t *Tracker) Sweep(ctx context.Context) int {
	t.mu.RLock()
	snapshot := make(map[key]*state, len(t.states))
	for k, s := range t.states {
		snapshot[k] = s
	}
	t.mu.RUnlock()

	now := t.now()
	expired := 0
	for k, s := range snapshot {
		s.mu.Lock()
		if s.dead.Load() || s.expiresAt.IsZero() || now.Before(s.expiresAt) {
			s.mu.Unlock()
			continue
		}
		t.broadcast(ctx, models.ServerMessageTypeTypingStop, k, s.participants)
		s.dead.Store(true)
		s.mu.Unlock()
		t.remove(k, s)
		expired++
	}
	return expired
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := t.Sweep(ctx); n > 0 {
				t.log.Debug("typing states expired", "count", n)
			}
		}
	}
}
