package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"parley/internal/models"

	"github.com/SherClockHolmes/webpush-go"
)

const (
	DefaultTTL    = 3600
	previewLength = 120
)

type Store interface {
	ListPushSubscriptions(ctx context.Context, userID int64) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
}

func (c Config) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

type payload struct {
	Type           models.ServerMessageType `json:"type"`
	ConversationID int64                    `json:"conversationId"`
	MessageID      string                   `json:"messageId"`
	SenderID       int64                    `json:"senderId"`
	Preview        string                   `json:"preview"`
}

// WebPush delivers a short notice to every browser subscription of users
// that had no live channel. Gone subscriptions are removed.
type WebPush struct {
	cfg    Config
	store  Store
	client webpush.HTTPClient
	log    *slog.Logger
}

func NewWebPush(cfg Config, store Store, log *slog.Logger) *WebPush {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &WebPush{
		cfg:    cfg,
		store:  store,
		client: http.DefaultClient,
		log:    log,
	}
}

func preview(body string) string {
	if utf8.RuneCountInString(body) <= previewLength {
		return body
	}
	return string([]rune(body)[:previewLength]) + "…"
}

func (w *WebPush) NotifyOffline(ctx context.Context, userIDs []int64, msg models.Message) {
	data, err := json.Marshal(payload{
		Type:           models.ServerMessageTypeMessage,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Preview:        preview(msg.Body),
	})
	if err != nil {
		w.log.Error("failed to encode push payload", "error", err)
		return
	}

	for _, userID := range userIDs {
		subs, err := w.store.ListPushSubscriptions(ctx, userID)
		if err != nil {
			w.log.Warn("failed to list push subscriptions", "user_id", userID, "error", err)
			continue
		}
		for _, sub := range subs {
			if err := w.send(ctx, data, sub); err != nil {
				w.log.Debug("push notification failed", "user_id", userID, "error", err)
			}
		}
	}
}

var errGone = errors.New("subscription gone")

func (w *WebPush) send(ctx context.Context, data []byte, sub models.PushSubscription) error {
	resp, err := webpush.SendNotificationWithContext(ctx, data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{Auth: sub.Auth, P256dh: sub.P256dh},
	}, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.cfg.Subscriber,
		VAPIDPublicKey:  w.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: w.cfg.VAPIDPrivateKey,
		TTL:             w.cfg.TTL,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		if err := w.store.DeletePushSubscription(ctx, sub.Endpoint); err != nil {
			return fmt.Errorf("failed to delete gone subscription: %w", err)
		}
		return errGone
	case resp.StatusCode >= 300:
		return fmt.Errorf("push service answered %d", resp.StatusCode)
	}
	return nil
}
