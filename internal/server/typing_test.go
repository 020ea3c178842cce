package server

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-live/internal/clock"
)

type typingRecorder struct {
	mu      sync.Mutex
	updates []TypingStatus
}

func (r *typingRecorder) record(payload []byte) {
	var s TypingStatus
	if err := json.Unmarshal(payload, &s); err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.updates = append(r.updates, s)
	r.mu.Unlock()
}

func (r *typingRecorder) users() [][]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]int64, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Users)
	}
	return out
}

func newTypingFixture() (*TypingStore, *clock.Fake, *typingRecorder) {
	clk := clock.NewFake(testEpoch)
	rec := &typingRecorder{}
	return NewTypingStore(clk, 5*time.Second, rec.record, nil, discardLogger()), clk, rec
}

func TestTypingStartThenStop(t *testing.T) {
	s, clk, rec := newTypingFixture()

	s.Start(ContextChannel, 5, 1)
	s.Stop(ContextChannel, 5, 1)

	assert.Equal(t, [][]int64{{1}, {}}, rec.users())
	assert.Zero(t, s.Contexts())
	assert.Zero(t, clk.Pending(), "stop disarms the expiry timer")

	rec.mu.Lock()
	first := rec.updates[0]
	rec.mu.Unlock()
	assert.Equal(t, TypeTypingStatus, first.Type)
	assert.Equal(t, ContextChannel, first.ContextType)
	assert.Equal(t, int64(5), first.ContextID)
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	s, clk, rec := newTypingFixture()

	s.Start(ContextThread, 42, 1)
	clk.Advance(4 * time.Second)
	assert.Equal(t, []int64{1}, s.Members(ContextThread, 42))

	clk.Advance(time.Second)
	assert.Empty(t, s.Members(ContextThread, 42))
	assert.Equal(t, [][]int64{{1}, {}}, rec.users())
	assert.Zero(t, s.Contexts())
}

func TestTypingRestartResetsExpiry(t *testing.T) {
	s, clk, rec := newTypingFixture()

	s.Start(ContextChannel, 5, 1)
	clk.Advance(3 * time.Second)
	s.Start(ContextChannel, 5, 1)
	assert.Equal(t, 1, clk.Pending(), "restart replaces the timer")

	clk.Advance(3 * time.Second)
	assert.Equal(t, []int64{1}, s.Members(ContextChannel, 5))

	clk.Advance(2 * time.Second)
	assert.Empty(t, s.Members(ContextChannel, 5))
	assert.Equal(t, [][]int64{{1}, {1}, {}}, rec.users())
}

func TestTypingKeepsOtherMembers(t *testing.T) {
	s, clk, rec := newTypingFixture()

	s.Start(ContextChannel, 5, 2)
	s.Start(ContextChannel, 5, 1)
	s.Stop(ContextChannel, 5, 2)
	assert.Equal(t, []int64{1}, s.Members(ContextChannel, 5))
	assert.Equal(t, 1, s.Contexts())

	// contexts are independent
	s.Start(ContextThread, 5, 2)
	assert.Equal(t, 2, s.Contexts())

	clk.Advance(5 * time.Second)
	assert.Zero(t, s.Contexts())
	assert.Equal(t, [][]int64{{2}, {1, 2}, {1}, {2}, {}, {}}, rec.users())
}

func TestTypingStopUnknownContextIsSilent(t *testing.T) {
	s, _, rec := newTypingFixture()

	s.Stop(ContextChannel, 5, 1)
	assert.Empty(t, rec.users())

	s.Start(ContextChannel, 5, 1)
	s.Stop(ContextChannel, 5, 2)
	assert.Equal(t, [][]int64{{1}, {1}}, rec.users())
}

func TestTypingEventsReachOtherClients(t *testing.T) {
	env := newTestEnv(t, quietSweeps)
	a := env.login(t, 1)
	b := env.login(t, 2)

	a.send(t, env.event(t, 1, TypeTypingStart, map[string]any{"channelId": 5}))
	var status TypingStatus
	b.expect(t, TypeTypingStatus).decode(t, &status)
	assert.Equal(t, []int64{1}, status.Users)
	assert.Equal(t, ContextChannel, status.ContextType)

	env.clock.Advance(6 * time.Second)
	b.expect(t, TypeTypingStatus).decode(t, &status)
	assert.Empty(t, status.Users)
	require.NotNil(t, status.Users, "an empty context is sent as an empty list")

	a.send(t, env.event(t, 1, TypeTypingStart, map[string]any{"channelId": 5, "threadId": 9}))
	b.expect(t, TypeTypingStatus).decode(t, &status)
	assert.Equal(t, ContextThread, status.ContextType)
	assert.Equal(t, int64(9), status.ContextID)

	a.send(t, env.event(t, 1, TypeTypingStop, map[string]any{"threadId": 9}))
	b.expect(t, TypeTypingStatus).decode(t, &status)
	assert.Empty(t, status.Users)
}

func TestTypingRequiresContext(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.login(t, 1)

	a.send(t, env.event(t, 1, TypeTypingStart, nil))
	var reply ErrorReply
	a.expect(t, TypeError).decode(t, &reply)
	assert.NotEmpty(t, reply.Message)
	assert.Zero(t, env.hub.Typing().Contexts())
}
