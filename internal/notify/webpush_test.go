package notify

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"parley/internal/models"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	subs []models.PushSubscription
}

func (m *memStore) ListPushSubscriptions(_ context.Context, userID int64) ([]models.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PushSubscription
	for _, s := range m.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) DeletePushSubscription(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.subs[:0]
	for _, s := range m.subs {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	m.subs = kept
	return nil
}

func browserKeys(t *testing.T) (auth, p256dh string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	secret := make([]byte, 16)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(secret), base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes())
}

func TestWebPush_NotifyOffline(t *testing.T) {
	var delivered, gone atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "aes128gcm", r.Header.Get("Content-Encoding"))
		if strings.HasSuffix(r.URL.Path, "/gone") {
			gone.Add(1)
			w.WriteHeader(http.StatusGone)
			return
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	auth, p256dh := browserKeys(t)
	store := &memStore{subs: []models.PushSubscription{
		{UserID: 20, Endpoint: srv.URL + "/live", Auth: auth, P256dh: p256dh},
		{UserID: 20, Endpoint: srv.URL + "/gone", Auth: auth, P256dh: p256dh},
		{UserID: 30, Endpoint: srv.URL + "/other", Auth: auth, P256dh: p256dh},
	}}

	w := NewWebPush(Config{
		VAPIDPublicKey:  publicKey,
		VAPIDPrivateKey: privateKey,
		Subscriber:      "ops@example.com",
	}, store, nil)
	w.client = srv.Client()

	w.NotifyOffline(context.Background(), []int64{20}, models.Message{ID: "m1", ConversationID: 1, SenderID: 10, Body: "hi"})

	assert.Equal(t, int32(1), delivered.Load())
	assert.Equal(t, int32(1), gone.Load())

	subs, _ := store.ListPushSubscriptions(context.Background(), 20)
	require.Len(t, subs, 1)
	assert.Equal(t, srv.URL+"/live", subs[0].Endpoint)
}

func TestConfigEnabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{VAPIDPublicKey: "a", VAPIDPrivateKey: "b"}.Enabled())
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short"))
	long := strings.Repeat("ж", 200)
	p := preview(long)
	assert.Equal(t, previewLength+1, len([]rune(p)))
}
