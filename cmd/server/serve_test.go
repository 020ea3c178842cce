package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/server"
	"github.com/Tyrowin/gochat-live/internal/store"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func readType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var env map[string]any
		require.NoError(t, json.Unmarshal(raw, &env))
		require.NotEqual(t, "error", env["type"], "unexpected error reply: %s", raw)
		if env["type"] == typ {
			return env
		}
	}
}

func TestServeMemoryModeDeliversMessages(t *testing.T) {
	const origin = "http://gochat.local"
	cfg := server.NewConfig()
	cfg.Port = freeAddr(t)
	cfg.JWTSecret = "serve-secret"
	cfg.AllowedOrigins = []string{origin}
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Log.Level = "error"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, true) }()

	header := http.Header{}
	header.Set("Origin", origin)
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, resp, err := websocket.DefaultDialer.Dial("ws://"+cfg.Port+"/ws", header)
		if resp != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 20*time.Millisecond)
	defer func() { _ = conn.Close() }()

	token, err := auth.NewJWTService(cfg.JWTSecret, time.Hour).Issue(auth.Identity{UserID: 1})
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": server.TypeAuthenticate, "token": token}))
	readType(t, conn, server.TypeAuthSuccess)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": server.TypeNewMessage, "token": token, "channelId": 1, "content": "hello from memory",
	}))
	got := readType(t, conn, server.TypeNewMessage)
	msg, ok := got["message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello from memory", msg["content"])
	assert.Equal(t, "Alice", msg["display_name"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": server.TypeCreateThread, "token": token, "channelId": 1, "messageId": msg["id"],
	}))
	readType(t, conn, server.TypeThreadCreated)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestOpenStoreSeedsMemory(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	cfg := server.NewConfig()
	st, _, err := openStore(context.Background(), cfg, true, logger)
	require.NoError(t, err)
	u, err := st.GetUser(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "Carol", u.DisplayName)
	assert.Equal(t, store.PresenceOffline, u.PresenceStatus)

	cfg.Seed = server.SeedConfig{Users: []server.SeedUser{{ID: 42, DisplayName: "Zed"}}}
	st, _, err = openStore(context.Background(), cfg, true, logger)
	require.NoError(t, err)
	_, err = st.GetUser(context.Background(), 42)
	require.NoError(t, err)
	_, err = st.GetUser(context.Background(), 1)
	assert.ErrorIs(t, err, store.ErrNotFound, "a configured seed replaces the demo rows")
}
