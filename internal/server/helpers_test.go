package server

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/clock"
	"github.com/Tyrowin/gochat-live/internal/store"
	"github.com/Tyrowin/gochat-live/internal/telemetry"
)

const (
	testSecret  = "test-secret"
	waitTimeout = 2 * time.Second
	quietPeriod = 100 * time.Millisecond
)

var testEpoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-process Conn. Frames the test pushes into in are read by
// the client; frames the client writes arrive on out.
type fakeConn struct {
	in  chan []byte
	out chan []byte

	mu        sync.Mutex
	closed    chan struct{}
	isClosed  bool
	closeCode int
	pings     int
	pong      func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.in:
		return websocket.TextMessage, msg, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed {
		return net.ErrClosed
	}
	select {
	case f.out <- append([]byte(nil), data...):
		return nil
	default:
		return errors.New("fake conn: output buffer full")
	}
}

func (f *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed {
		return net.ErrClosed
	}
	switch messageType {
	case websocket.PingMessage:
		f.pings++
	case websocket.CloseMessage:
		if len(data) >= 2 {
			f.closeCode = int(binary.BigEndian.Uint16(data))
		}
	}
	return nil
}

func (f *fakeConn) SetReadLimit(int64) {}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	f.pong = h
	f.mu.Unlock()
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isClosed {
		f.isClosed = true
		close(f.closed)
	}
	return nil
}

func (f *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	f.in <- raw
}

func (f *fakeConn) sendRaw(raw string) {
	f.in <- []byte(raw)
}

func (f *fakeConn) answerPing(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	h := f.pong
	f.mu.Unlock()
	require.NotNil(t, h, "pong handler not installed")
	require.NoError(t, h(""))
}

func (f *fakeConn) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeConn) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.isClosed
}

// waitClosed blocks until the client closes the socket and returns the code
// of the close frame it sent, or 0 if it sent none.
func (f *fakeConn) waitClosed(t *testing.T) int {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the connection to close")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

type frame struct {
	Type string `json:"type"`
	raw  []byte
}

func (fr frame) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(fr.raw, v))
}

func (f *fakeConn) next(t *testing.T, wait time.Duration) (frame, bool) {
	t.Helper()
	select {
	case raw := <-f.out:
		var fr frame
		require.NoError(t, json.Unmarshal(raw, &fr))
		fr.raw = raw
		return fr, true
	case <-time.After(wait):
		return frame{}, false
	}
}

// expect discards frames until one of type typ arrives.
func (f *fakeConn) expect(t *testing.T, typ string) frame {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		fr, ok := f.next(t, time.Until(deadline))
		if !ok {
			t.Fatalf("timed out waiting for %q", typ)
		}
		if fr.Type == typ {
			return fr
		}
	}
}

// expectMatch discards frames until one of type typ satisfies match.
func (f *fakeConn) expectMatch(t *testing.T, typ string, match func(frame) bool) frame {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		fr, ok := f.next(t, time.Until(deadline))
		if !ok {
			t.Fatalf("timed out waiting for matching %q", typ)
		}
		if fr.Type == typ && match(fr) {
			return fr
		}
	}
}

// expectNone fails if a frame of type typ arrives within the quiet period.
func (f *fakeConn) expectNone(t *testing.T, typ string) {
	t.Helper()
	deadline := time.Now().Add(quietPeriod)
	for {
		fr, ok := f.next(t, time.Until(deadline))
		if !ok {
			return
		}
		if fr.Type == typ {
			t.Fatalf("unexpected %q frame: %s", typ, fr.raw)
		}
	}
}

func (f *fakeConn) expectError(t *testing.T, message string) {
	t.Helper()
	var reply ErrorReply
	f.expect(t, TypeError).decode(t, &reply)
	require.Equal(t, message, reply.Message)
}

func (f *fakeConn) expectPresence(t *testing.T, userID int64, status store.PresenceStatus) {
	t.Helper()
	f.expectMatch(t, TypePresenceUpdate, func(fr frame) bool {
		var u PresenceUpdate
		fr.decode(t, &u)
		return u.UserID == userID && u.Status == status
	})
}

// expectNoPresence fails if userID is announced with status within the quiet
// period.
func (f *fakeConn) expectNoPresence(t *testing.T, userID int64, status store.PresenceStatus) {
	t.Helper()
	deadline := time.Now().Add(quietPeriod)
	for {
		fr, ok := f.next(t, time.Until(deadline))
		if !ok {
			return
		}
		if fr.Type != TypePresenceUpdate {
			continue
		}
		var u PresenceUpdate
		fr.decode(t, &u)
		if u.UserID == userID && u.Status == status {
			t.Fatalf("unexpected presence update %s for user %d", status, userID)
		}
	}
}

type testEnv struct {
	hub     *Hub
	clock   *clock.Fake
	store   *store.Memory
	jwt     *auth.JWTService
	metrics *telemetry.Metrics
	reg     *prometheus.Registry
}

// newTestEnv starts a hub on a fake clock and a memory store seeded with
// users 1 (Ada), 2 (Bob) and 3 (Cy), public channel 5 and direct channel 6.
func newTestEnv(t *testing.T, customize func(*Config, *Dependencies)) *testEnv {
	t.Helper()

	clk := clock.NewFake(testEpoch)
	mem := store.NewMemory().WithTimeFunc(clk.Now)
	mem.AddUser(store.User{ID: 1, Email: "ada@example.com", DisplayName: "Ada", PresenceStatus: store.PresenceOffline})
	mem.AddUser(store.User{ID: 2, Email: "bob@example.com", DisplayName: "Bob", PresenceStatus: store.PresenceOffline})
	mem.AddUser(store.User{ID: 3, Email: "cy@example.com", PresenceStatus: store.PresenceOffline})
	mem.AddChannel(5, false)
	mem.AddChannel(6, true)

	jwtService := auth.NewJWTService(testSecret, time.Hour).WithTimeFunc(clk.Now)
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	cfg := NewConfig()
	deps := Dependencies{
		Store:    mem,
		Verifier: jwtService,
		Clock:    clk,
		Logger:   discardLogger(),
		Metrics:  metrics,
	}
	if customize != nil {
		customize(cfg, &deps)
	}

	h, err := NewHub(*cfg, deps)
	require.NoError(t, err)
	go h.Run()
	// heartbeat and idle tickers
	clk.WaitForTimers(2)

	t.Cleanup(func() {
		_ = h.Shutdown(waitTimeout)
	})
	return &testEnv{hub: h, clock: clk, store: mem, jwt: jwtService, metrics: metrics, reg: reg}
}

// quietSweeps keeps the liveness tickers out of the way of tests that
// advance the clock; such tests call the sweeps directly.
func quietSweeps(cfg *Config, _ *Dependencies) {
	cfg.HeartbeatInterval = 24 * time.Hour
	cfg.IdleSweepInterval = 24 * time.Hour
}

func (e *testEnv) token(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := e.jwt.Issue(auth.Identity{UserID: userID, Role: "user"})
	require.NoError(t, err)
	return tok
}

func (e *testEnv) connect() *fakeConn {
	conn := newFakeConn()
	e.hub.ServeConn(conn, "192.0.2.1:5000")
	return conn
}

// login opens a connection and completes the handshake for userID.
func (e *testEnv) login(t *testing.T, userID int64) *fakeConn {
	t.Helper()
	conn := e.connect()
	conn.send(t, map[string]any{"type": TypeAuthenticate, "token": e.token(t, userID)})

	var ack AuthSuccess
	conn.expect(t, TypeAuthSuccess).decode(t, &ack)
	require.Equal(t, userID, ack.UserID)
	conn.expect(t, TypeBulkPresenceUpdate)
	return conn
}

// event builds an inbound frame carrying a fresh token for userID.
func (e *testEnv) event(t *testing.T, userID int64, typ string, fields map[string]any) map[string]any {
	t.Helper()
	msg := map[string]any{"type": typ, "token": e.token(t, userID)}
	for k, v := range fields {
		msg[k] = v
	}
	return msg
}

// postMessage sends a channel message as userID and returns the broadcast
// copy seen by conn.
func (e *testEnv) postMessage(t *testing.T, conn *fakeConn, userID, channelID int64, content string) *store.MessagePayload {
	t.Helper()
	conn.send(t, e.event(t, userID, TypeNewMessage, map[string]any{"channelId": channelID, "content": content}))
	var out NewMessage
	conn.expect(t, TypeNewMessage).decode(t, &out)
	require.NotNil(t, out.Message)
	return out.Message
}

// newTestClient builds an admitted client that is not attached to a hub.
func newTestClient(userID int64) *Client {
	return &Client{
		id:        "test-" + time.Now().Format("150405.000000000"),
		conn:      newFakeConn(),
		send:      make(chan []byte, 8),
		done:      make(chan struct{}),
		writeWait: time.Second,
		state:     stateAdmitted,
		identity:  auth.Identity{UserID: userID},
		logger:    discardLogger(),
	}
}

func drain(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case p := <-c.send:
			out = append(out, p)
		default:
			return out
		}
	}
}
