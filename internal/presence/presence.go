package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"parley/internal/content"
	"parley/internal/models"

	"github.com/samber/lo"
)

const (
	DefaultStaleAfter   = 60 * time.Second
	DefaultPersistEvery = time.Minute
	MaxBulkIDs          = 100
)

// Store persists presence records. It is the durable collaborator; the
// service keeps the working copy in memory.
type Store interface {
	GetPresence(ctx context.Context, userID int64) (models.PresenceRecord, error)
	UpsertPresence(ctx context.Context, rec models.PresenceRecord) error
	ListPresence(ctx context.Context) ([]models.PresenceRecord, error)
}

type ChangeKind string

const (
	ChangeStatus  ChangeKind = "status"
	ChangeOnline  ChangeKind = "online"
	ChangeOffline ChangeKind = "offline"
)

// Change is emitted after a presence transition was applied.
type Change struct {
	Kind   ChangeKind
	Status models.PublicStatus
}

type Config struct {
	// StaleAfter is the implicit liveness threshold used by OnlineUsers.
	StaleAfter time.Duration
	// PersistEvery bounds how often heartbeats are written through to the store.
	PersistEvery time.Duration
	OnChange     func(Change)
}

// StatusUpdate carries the optional fields of a status write.
// A zero At means "now".
type StatusUpdate struct {
	Status  *models.Status
	Message *string
	At      time.Time
}

type OutOfOffice struct {
	Enabled         bool
	Start           *time.Time
	End             *time.Time
	InternalMessage string
	ExternalMessage string
}

type Service struct {
	Config

	store Store
	log   *slog.Logger
	now   func() time.Time

	mu      sync.RWMutex
	entries map[int64]*entry
}

type entry struct {
	mu     sync.Mutex
	rec    models.PresenceRecord
	exists bool
	loaded bool
	// persistedActiveAt is the LastActiveAt value last written to the store.
	persistedActiveAt time.Time
}

func NewService(cfg Config, store Store, log *slog.Logger) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.PersistEvery <= 0 {
		cfg.PersistEvery = DefaultPersistEvery
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		Config:  cfg,
		store:   store,
		log:     log,
		now:     time.Now,
		entries: make(map[int64]*entry),
	}
}

// Load fills the working set from the store. It is called once on startup.
func (s *Service) Load(ctx context.Context) error {
	records, err := s.store.ListPresence(ctx)
	if err != nil {
		return fmt.Errorf("failed to load presence: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.entries[rec.UserID] = &entry{
			rec:               rec,
			exists:            true,
			loaded:            true,
			persistedActiveAt: rec.LastActiveAt,
		}
	}
	s.log.Info("presence loaded", "records", len(records))
	return nil
}

// acquire returns the locked entry for userID, loading it from the store on first use.
// The caller must unlock it.
func (s *Service) acquire(ctx context.Context, userID int64) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		if e, ok = s.entries[userID]; !ok {
			e = &entry{}
			s.entries[userID] = e
		}
		s.mu.Unlock()
	}

	e.mu.Lock()
	if e.loaded {
		return e, nil
	}

	rec, err := s.store.GetPresence(ctx, userID)
	switch {
	case err == nil:
		e.rec = rec
		e.exists = true
		e.persistedActiveAt = rec.LastActiveAt
	case errors.Is(err, models.ErrNotFound):
		e.rec = models.PresenceRecord{UserID: userID, Status: models.StatusAvailable}
	default:
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to load presence for %d: %w", userID, err)
	}
	e.loaded = true
	return e, nil
}

func (s *Service) emit(kind ChangeKind, rec models.PresenceRecord) {
	if s.OnChange != nil {
		s.OnChange(Change{Kind: kind, Status: rec.Public()})
	}
}

// SetStatus applies a status and/or status message change.
// A write older than the record's last status write is dropped and the current record returned.
func (s *Service) SetStatus(ctx context.Context, userID int64, upd StatusUpdate) (models.PresenceRecord, error) {
	if upd.Status != nil && !upd.Status.Valid() {
		return models.PresenceRecord{}, models.Invalid("status", fmt.Sprintf("must be one of %v", models.Statuses))
	}
	var message string
	if upd.Message != nil {
		var err error
		if message, err = content.StatusMessage(*upd.Message); err != nil {
			return models.PresenceRecord{}, err
		}
	}

	now := s.now()
	at := upd.At
	if at.IsZero() {
		at = now
	}

	e, err := s.acquire(ctx, userID)
	if err != nil {
		return models.PresenceRecord{}, err
	}

	if e.exists && at.Before(e.rec.StatusUpdatedAt) {
		rec := e.rec
		e.mu.Unlock()
		s.log.Debug("stale status update dropped", "user_id", userID, "at", at, "last_write", rec.StatusUpdatedAt)
		return rec, nil
	}

	next := e.rec
	if upd.Status != nil {
		next.Status = *upd.Status
	}
	if upd.Message != nil {
		next.StatusMessage = message
	}
	next.StatusUpdatedAt = at
	if now.After(next.LastActiveAt) {
		next.LastActiveAt = now
	}

	if err := s.store.UpsertPresence(ctx, next); err != nil {
		e.mu.Unlock()
		return models.PresenceRecord{}, fmt.Errorf("failed to store status for %d: %w", userID, err)
	}
	s.commit(e, next)
	e.mu.Unlock()

	s.emit(ChangeStatus, next)
	return next, nil
}

func (s *Service) commit(e *entry, rec models.PresenceRecord) {
	e.rec = rec
	e.exists = true
	e.persistedActiveAt = rec.LastActiveAt
}

// Heartbeat refreshes last_active_at. It never changes the status.
// Writes to the store are throttled by PersistEvery; a failed write keeps the in-memory update.
func (s *Service) Heartbeat(ctx context.Context, userID int64) error {
	_, err := s.touch(ctx, userID)
	return err
}

func (s *Service) touch(ctx context.Context, userID int64) (models.PresenceRecord, error) {
	now := s.now()

	e, err := s.acquire(ctx, userID)
	if err != nil {
		return models.PresenceRecord{}, err
	}
	defer e.mu.Unlock()

	if now.After(e.rec.LastActiveAt) {
		e.rec.LastActiveAt = now
	}
	rec := e.rec

	if e.exists && rec.LastActiveAt.Sub(e.persistedActiveAt) < s.PersistEvery {
		return rec, nil
	}
	if err := s.store.UpsertPresence(ctx, rec); err != nil {
		return rec, fmt.Errorf("failed to store heartbeat for %d: %w", userID, err)
	}
	e.exists = true
	e.persistedActiveAt = rec.LastActiveAt
	return rec, nil
}

// Connected is signalled by the gateway when a user's first live channel registers.
func (s *Service) Connected(ctx context.Context, userID int64) {
	rec, err := s.touch(ctx, userID)
	if err != nil {
		s.log.Debug("connect heartbeat failed", "user_id", userID, "error", err)
		if rec.UserID == 0 {
			return
		}
	}
	s.emit(ChangeOnline, rec)
}

// Disconnected is signalled by the gateway after the reconnect grace period expired.
// The stored status is left untouched; liveness decays through last_active_at.
func (s *Service) Disconnected(ctx context.Context, userID int64) {
	rec, err := s.GetStatus(ctx, userID)
	if err != nil {
		s.log.Debug("disconnect lookup failed", "user_id", userID, "error", err)
		rec = models.PresenceRecord{UserID: userID, Status: models.StatusOffline}
	}
	s.emit(ChangeOffline, rec)
}

// GetStatus returns the stored record. Users without a record are reported offline.
func (s *Service) GetStatus(ctx context.Context, userID int64) (models.PresenceRecord, error) {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()

	if ok {
		e.mu.Lock()
		rec, exists, loaded := e.rec, e.exists, e.loaded
		e.mu.Unlock()
		if loaded {
			if !exists {
				return offline(userID), nil
			}
			return rec, nil
		}
	}

	rec, err := s.store.GetPresence(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return offline(userID), nil
	}
	if err != nil {
		return models.PresenceRecord{}, fmt.Errorf("failed to get presence for %d: %w", userID, err)
	}
	return rec, nil
}

func offline(userID int64) models.PresenceRecord {
	return models.PresenceRecord{UserID: userID, Status: models.StatusOffline}
}

// SetOutOfOffice enables or disables OOF. Enabling needs at least one message.
// Start and end are advisory; nothing flips the status at those times.
func (s *Service) SetOutOfOffice(ctx context.Context, userID int64, oof OutOfOffice) (models.PresenceRecord, error) {
	internal := content.Text(oof.InternalMessage)
	external := content.Text(oof.ExternalMessage)

	if oof.Enabled {
		if internal == "" && external == "" {
			return models.PresenceRecord{}, models.Invalid("message", "internal or external message is required to enable out of office")
		}
		if oof.Start != nil && oof.End != nil && oof.End.Before(*oof.Start) {
			return models.PresenceRecord{}, models.Invalid("endTime", "must not be before startTime")
		}
	}

	e, err := s.acquire(ctx, userID)
	if err != nil {
		return models.PresenceRecord{}, err
	}

	next := e.rec
	next.OOFEnabled = oof.Enabled
	if oof.Enabled {
		next.OOFStart = oof.Start
		next.OOFEnd = oof.End
		next.OOFInternalMessage = internal
		next.OOFExternalMessage = external
	} else {
		next.OOFStart = nil
		next.OOFEnd = nil
	}
	if now := s.now(); now.After(next.LastActiveAt) {
		next.LastActiveAt = now
	}

	if err := s.store.UpsertPresence(ctx, next); err != nil {
		e.mu.Unlock()
		return models.PresenceRecord{}, fmt.Errorf("failed to store out of office for %d: %w", userID, err)
	}
	s.commit(e, next)
	e.mu.Unlock()

	s.emit(ChangeStatus, next)
	return next, nil
}

// Deactivate resets a record to offline and clears its messages.
func (s *Service) Deactivate(ctx context.Context, userID int64) (models.PresenceRecord, error) {
	e, err := s.acquire(ctx, userID)
	if err != nil {
		return models.PresenceRecord{}, err
	}

	next := e.rec
	next.Status = models.StatusOffline
	next.StatusMessage = ""
	next.OOFEnabled = false
	next.OOFStart = nil
	next.OOFEnd = nil
	next.StatusUpdatedAt = s.now()

	if err := s.store.UpsertPresence(ctx, next); err != nil {
		e.mu.Unlock()
		return models.PresenceRecord{}, fmt.Errorf("failed to deactivate %d: %w", userID, err)
	}
	s.commit(e, next)
	e.mu.Unlock()

	s.emit(ChangeStatus, next)
	return next, nil
}

func (s *Service) snapshot() []models.PresenceRecord {
	s.mu.RLock()
	entries := lo.Values(s.entries)
	s.mu.RUnlock()

	records := make([]models.PresenceRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.exists {
			records = append(records, e.rec)
		}
		e.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UserID < records[j].UserID
	})
	return records
}

func (s *Service) live(rec models.PresenceRecord, now time.Time) bool {
	return rec.Status != models.StatusOffline && now.Sub(rec.LastActiveAt) <= s.StaleAfter
}

// OnlineUsers lists users whose status is not offline and who were active within StaleAfter.
// A stale user is omitted here while GetStatus keeps reporting the stored status.
func (s *Service) OnlineUsers(ctx context.Context) []models.PublicStatus {
	now := s.now()
	return lo.FilterMap(s.snapshot(), func(rec models.PresenceRecord, _ int) (models.PublicStatus, bool) {
		return rec.Public(), s.live(rec, now)
	})
}

// BulkStatus returns public views for 1..MaxBulkIDs users, in request order without duplicates.
func (s *Service) BulkStatus(ctx context.Context, userIDs []int64) ([]models.PublicStatus, error) {
	if len(userIDs) == 0 {
		return nil, models.Invalid("userIds", "at least one id is required")
	}
	if len(userIDs) > MaxBulkIDs {
		return nil, models.Invalid("userIds", fmt.Sprintf("at most %d ids are allowed", MaxBulkIDs))
	}

	ids := lo.Uniq(userIDs)
	statuses := make([]models.PublicStatus, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, rec.Public())
	}
	return statuses, nil
}
