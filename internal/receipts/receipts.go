package receipts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"parley/internal/models"
)

// SequenceSource reports the highest sequence number assigned in a conversation.
type SequenceSource interface {
	LastSequence(ctx context.Context, conversationID int64) (int64, error)
}

type key struct {
	conversationID int64
	userID         int64
}

// Tracker keeps per-conversation per-user read pointers.
// Pointers only move forward; each one is advanced with compare-and-swap.
type Tracker struct {
	pointers sync.Map // key -> *atomic.Int64
	seqs     SequenceSource

	// OnAdvance is called after a pointer moved forward.
	OnAdvance func(conversationID, userID, lastSequence int64)
}

func New(seqs SequenceSource) *Tracker {
	return &Tracker{seqs: seqs}
}

// MarkRead moves the pointer to lastSequence if it is greater than the stored one.
// It reports whether the pointer moved.
func (t *Tracker) MarkRead(conversationID, userID, lastSequence int64) bool {
	if lastSequence <= 0 {
		return false
	}

	v, _ := t.pointers.LoadOrStore(key{conversationID, userID}, new(atomic.Int64))
	ptr := v.(*atomic.Int64)
	for {
		current := ptr.Load()
		if lastSequence <= current {
			return false
		}
		if ptr.CompareAndSwap(current, lastSequence) {
			break
		}
	}

	if t.OnAdvance != nil {
		t.OnAdvance(conversationID, userID, lastSequence)
	}
	return true
}

// Advance is MarkRead for client input: lastSequence must point at an existing message.
// It returns the pointer after the update.
func (t *Tracker) Advance(ctx context.Context, conversationID, userID, lastSequence int64) (int64, error) {
	if lastSequence <= 0 {
		return 0, models.Invalid("lastSequence", "must be a positive integer")
	}
	last, err := t.seqs.LastSequence(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence: %w", err)
	}
	if lastSequence > last {
		return 0, models.Invalid("lastSequence", fmt.Sprintf("conversation has no message %d", lastSequence))
	}

	t.MarkRead(conversationID, userID, lastSequence)
	return t.LastRead(conversationID, userID), nil
}

// LastRead returns the stored pointer, 0 when nothing was read yet.
func (t *Tracker) LastRead(conversationID, userID int64) int64 {
	v, ok := t.pointers.Load(key{conversationID, userID})
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// GetUnreadCount is currentMaxSequence minus the stored pointer, clamped at 0.
func (t *Tracker) GetUnreadCount(conversationID, userID, currentMaxSequence int64) int64 {
	unread := currentMaxSequence - t.LastRead(conversationID, userID)
	if unread < 0 {
		return 0
	}
	return unread
}

// Unread resolves the conversation's current maximum sequence and returns the unread count.
func (t *Tracker) Unread(ctx context.Context, conversationID, userID int64) (int64, error) {
	last, err := t.seqs.LastSequence(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence: %w", err)
	}
	return t.GetUnreadCount(conversationID, userID, last), nil
}
