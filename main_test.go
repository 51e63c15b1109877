package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "very-secure-test-secret"

func TestIntegration(t *testing.T) {
	adminAddr := "127.0.0.1:8888"
	apiAddr := "127.0.0.1:8887"

	t.Setenv("PARLEY_DB", filepath.Join(t.TempDir(), "integration_test.db"))
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("AUTH_SECRET", testSecret)
	t.Setenv("LOG_LEVEL", "error")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, nil) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/health", apiAddr), 50)

	verifier, err := auth.NewVerifier(auth.Config{Secret: testSecret, TokenExpiry: time.Hour})
	require.NoError(t, err)
	alice, err := verifier.Issue(auth.Identity{UserID: 1})
	require.NoError(t, err)
	bob, err := verifier.Issue(auth.Identity{UserID: 2})
	require.NoError(t, err)

	// Step 1: create a direct conversation through the admin API.
	body, _ := json.Marshal(api.AddConversationRequest{Kind: models.ConversationDirect, ParticipantIDs: []int64{1, 2}})
	resp, err := http.Post(fmt.Sprintf("http://%s/admin/conversations", adminAddr), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created api.AddConversationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()
	convID := created.Conversation.ID
	require.NotZero(t, convID)

	// Step 2: bob opens a live channel.
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws?token=%s", apiAddr, bob), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool {
		var online struct {
			Count int `json:"count"`
		}
		call(t, alice, "GET", fmt.Sprintf("http://%s/status/online", apiAddr), nil, &online)
		return online.Count >= 1
	}, 2*time.Second, 20*time.Millisecond)

	// Step 3: alice sends over REST, bob receives it live.
	var sent struct {
		Message models.Message `json:"message"`
	}
	status := call(t, alice, "POST", fmt.Sprintf("http://%s/conversations/%d/messages", apiAddr, convID),
		map[string]any{"content": "hello bob", "clientMessageId": "m1"}, &sent)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, int64(1), sent.Message.Seq)

	live := readUntil(t, conn, models.ServerMessageTypeMessage)
	require.NotNil(t, live.Message)
	assert.Equal(t, "hello bob", live.Message.Body)
	assert.Equal(t, int64(1), live.Message.SenderID)

	// Step 4: bob replies over the live channel; history is ordered.
	require.NoError(t, conn.WriteJSON(models.ClientMessage{
		Type:           models.ClientMessageTypeMessage,
		ConversationID: convID,
		Content:        "hi alice",
	}))

	var history struct {
		Messages []models.Message `json:"messages"`
	}
	require.Eventually(t, func() bool {
		call(t, alice, "GET", fmt.Sprintf("http://%s/conversations/%d/messages", apiAddr, convID), nil, &history)
		return len(history.Messages) == 2
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "hello bob", history.Messages[0].Body)
	assert.Equal(t, "hi alice", history.Messages[1].Body)
	assert.Less(t, history.Messages[0].Seq, history.Messages[1].Seq)

	// Step 5: OOF messages stay private.
	status = call(t, alice, "POST", fmt.Sprintf("http://%s/status/me/oof", apiAddr),
		map[string]any{"enabled": true, "internalMessage": "back monday"}, nil)
	require.Equal(t, http.StatusOK, status)

	var public struct {
		Status map[string]any `json:"status"`
	}
	status = call(t, bob, "GET", fmt.Sprintf("http://%s/status/1", apiAddr), nil, &public)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, public.Status["oof_enabled"])
	assert.NotContains(t, public.Status, "oof_internal_message")

	// Step 6: no token, no access.
	status = call(t, "", "GET", fmt.Sprintf("http://%s/status/me", apiAddr), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func call(t *testing.T, token, method, url string, in, out any) int {
	t.Helper()
	var body bytes.Buffer
	if in != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(in))
	}
	req, err := http.NewRequest(method, url, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func readUntil(t *testing.T, conn *websocket.Conn, typ models.ServerMessageType) models.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg models.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
