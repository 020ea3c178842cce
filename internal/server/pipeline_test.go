package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/indexer"
	"github.com/Tyrowin/gochat-live/internal/store"
	"github.com/Tyrowin/gochat-live/internal/telemetry"
)

func TestNewMessageReachesEveryConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.login(t, 1)
	b := env.login(t, 2)

	a.send(t, env.event(t, 1, TypeNewMessage, map[string]any{
		"channelId": 5,
		"content":   "hello",
		"attachments": []map[string]any{
			{"filename": "notes.txt", "mime_type": "text/plain", "size": 12, "storage_path": "uploads/notes.txt"},
		},
	}))

	for _, conn := range []*fakeConn{a, b} {
		var out NewMessage
		conn.expect(t, TypeNewMessage).decode(t, &out)
		require.NotNil(t, out.Message)
		assert.Equal(t, "hello", out.Message.Content)
		assert.Equal(t, "Ada", out.Message.DisplayName)
		assert.Equal(t, int64(1), out.Message.UserID)
		assert.Equal(t, int64(5), out.Message.ChannelID)
		require.Len(t, out.Message.Attachments, 1)
		assert.Equal(t, "notes.txt", out.Message.Attachments[0].Filename)
		conn.expectNone(t, TypeNewMessage)
	}
	assert.Equal(t, 1, env.store.MessageCount())
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.PipelineEvents.WithLabelValues(TypeNewMessage, telemetry.OutcomeOK)), 0)
}

func TestNewMessageTokenChecks(t *testing.T) {
	expired, err := auth.NewJWTService(testSecret, time.Minute).
		WithTimeFunc(func() time.Time { return testEpoch.Add(-time.Hour) }).
		Issue(auth.Identity{UserID: 1})
	require.NoError(t, err)

	env := newTestEnv(t, nil)
	a := env.login(t, 1)
	b := env.login(t, 2)

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"missing", "", "token required"},
		{"expired", expired, "invalid or expired token"},
		{"other user", env.token(t, 2), "token does not match connection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.send(t, map[string]any{"type": TypeNewMessage, "token": tt.token, "channelId": 5, "content": "hi"})
			a.expectError(t, tt.want)
			b.expectNone(t, TypeNewMessage)
		})
	}
	assert.Zero(t, env.store.MessageCount())
	assert.InDelta(t, 3, testutil.ToFloat64(env.metrics.PipelineEvents.WithLabelValues(TypeNewMessage, telemetry.OutcomeRejected)), 0)
}

func TestNewMessageValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.login(t, 1)

	tests := map[string]map[string]any{
		"no channel":          {"content": "hi"},
		"no body":             {"channelId": 5, "content": "   "},
		"incomplete attached": {"channelId": 5, "attachments": []map[string]any{{"filename": "a.png"}}},
	}
	for name, fields := range tests {
		t.Run(name, func(t *testing.T) {
			a.send(t, env.event(t, 1, TypeNewMessage, fields))
			var reply ErrorReply
			a.expect(t, TypeError).decode(t, &reply)
			assert.NotEmpty(t, reply.Message)
		})
	}
	assert.Zero(t, env.store.MessageCount())
}

func TestFailedTransactionIsNeverBroadcast(t *testing.T) {
	for _, op := range []string{"Begin", "InsertMessage", "InsertAttachment", "LoadMessage", "Commit"} {
		t.Run(op, func(t *testing.T) {
			env := newTestEnv(t, nil)
			a := env.login(t, 1)
			b := env.login(t, 2)
			env.store.FailOn(op, errors.New("disk full"))

			a.send(t, env.event(t, 1, TypeNewMessage, map[string]any{
				"channelId":   5,
				"content":     "lost",
				"attachments": []map[string]any{{"filename": "a.png", "storage_path": "uploads/a.png"}},
			}))

			a.expectError(t, "Failed to process message")
			b.expectNone(t, TypeNewMessage)
			assert.Zero(t, env.store.MessageCount())
			assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.PipelineEvents.WithLabelValues(TypeNewMessage, telemetry.OutcomeFailed)), 0)

			// the connection keeps working once the store recovers
			env.store.FailOn(op, nil)
			env.postMessage(t, a, 1, 5, "kept")
		})
	}
}

func TestReactionToggleIsAnInvolution(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.login(t, 1)
	b := env.login(t, 2)
	msg := env.postMessage(t, a, 1, 5, "react to me")

	toggle := env.event(t, 1, TypeUpdateReaction, map[string]any{"messageId": msg.ID, "emoji": "👍"})

	a.send(t, toggle)
	var update ReactionUpdate
	b.expect(t, TypeReactionUpdate).decode(t, &update)
	assert.Equal(t, msg.ID, update.MessageID)
	assert.Equal(t, map[string]store.ReactionSummary{"👍": {Count: 1, Users: []int64{1}}}, update.Reactions)

	a.send(t, toggle)
	var cleared ReactionUpdate
	b.expect(t, TypeReactionUpdate).decode(t, &cleared)
	assert.Equal(t, msg.ID, cleared.MessageID)
	assert.Empty(t, cleared.Reactions)
	assert.NotNil(t, cleared.Reactions)
	assert.Zero(t, env.store.ReactionCount())
}

func TestReactionOnMissingMessageFails(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.login(t, 1)

	a.send(t, env.event(t, 1, TypeUpdateReaction, map[string]any{"messageId": 999, "emoji": "👍"}))
	a.expectError(t, "Failed to update reaction")
}

func TestCreateThreadAndReply(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.login(t, 1)
	b := env.login(t, 2)
	parent := env.postMessage(t, a, 1, 5, "start a thread here")

	a.send(t, env.event(t, 1, TypeCreateThread, map[string]any{
		"channelId": 5,
		"messageId": parent.ID,
		"content":   "first reply",
	}))

	var created ThreadCreated
	b.expect(t, TypeThreadCreated).decode(t, &created)
	require.NotNil(t, created.Thread)
	assert.Equal(t, parent.ID, created.Thread.ParentMessageID)
	assert.Equal(t, 1, created.Thread.ReplyCount)
	assert.Equal(t, "start a thread here", created.Thread.StarterContent)
	assert.Equal(t, "Ada", created.Thread.StarterName)

	var updated MessageUpdated
	b.expect(t, TypeMessageUpdated).decode(t, &updated)
	require.NotNil(t, updated.Message)
	assert.True(t, updated.Message.IsThreadParent)
	require.NotNil(t, updated.Message.Thread)
	assert.Equal(t, created.Thread.ID, updated.Message.Thread.ID)

	b.send(t, env.event(t, 2, TypeThreadMessage, map[string]any{
		"channelId": 5,
		"threadId":  created.Thread.ID,
		"content":   "second reply",
	}))
	var reply ThreadMessage
	a.expect(t, TypeThreadMessage).decode(t, &reply)
	assert.Equal(t, created.Thread.ID, reply.ThreadID)
	assert.Equal(t, "Bob", reply.Message.DisplayName)
	require.NotNil(t, reply.Message.ThreadID)
	assert.Equal(t, created.Thread.ID, *reply.Message.ThreadID)
	assert.Equal(t, 2, reply.Thread.ReplyCount)

	// a second create_thread finds the existing thread
	a.send(t, env.event(t, 1, TypeCreateThread, map[string]any{"channelId": 5, "messageId": parent.ID}))
	b.expect(t, TypeThreadCreated).decode(t, &created)
	assert.Equal(t, reply.ThreadID, created.Thread.ID)
	assert.Equal(t, 2, created.Thread.ReplyCount)
	assert.Equal(t, 3, env.store.MessageCount())
}

func TestThreadMessageRejectsForeignChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.login(t, 1)
	b := env.login(t, 2)
	parent := env.postMessage(t, a, 1, 5, "thread lives in 5")

	a.send(t, env.event(t, 1, TypeCreateThread, map[string]any{"channelId": 5, "messageId": parent.ID}))
	var created ThreadCreated
	b.expect(t, TypeThreadCreated).decode(t, &created)
	require.NotNil(t, created.Thread)

	b.send(t, env.event(t, 2, TypeThreadMessage, map[string]any{
		"channelId": 6,
		"threadId":  created.Thread.ID,
		"content":   "wrong channel",
	}))
	b.expectError(t, "thread does not belong to channel")
	a.expectNone(t, TypeThreadMessage)
	assert.Equal(t, 1, env.store.MessageCount())
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.PipelineEvents.WithLabelValues(TypeThreadMessage, telemetry.OutcomeRejected)), 0)
}

func TestThreadMessageRequiresThread(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.login(t, 1)

	a.send(t, env.event(t, 1, TypeThreadMessage, map[string]any{"channelId": 5, "threadId": 404, "content": "hi"}))
	a.expectError(t, "Failed to send thread message")
	assert.Zero(t, env.store.MessageCount())
}

func TestSetCustomStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.login(t, 1)
	b := env.login(t, 2)

	a.send(t, env.event(t, 1, TypeSetCustomStatus, map[string]any{"status": "In a meeting", "emoji": "📅"}))

	var update CustomStatusUpdate
	b.expect(t, TypeCustomStatusUpdate).decode(t, &update)
	assert.Equal(t, int64(1), update.UserID)
	assert.Equal(t, "In a meeting", update.StatusMessage)
	require.NotNil(t, update.Emoji)
	assert.Equal(t, "📅", *update.Emoji)

	a.send(t, env.event(t, 1, TypeSetCustomStatus, map[string]any{"status": ""}))
	a.expectError(t, "status is required")
}

func TestRequestUsersRepliesToSenderOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.login(t, 1)
	b := env.login(t, 2)

	a.send(t, env.event(t, 1, TypeRequestUsers, nil))

	var update UserUpdate
	a.expect(t, TypeUserUpdate).decode(t, &update)
	assert.Len(t, update.Users, 3)
	b.expectNone(t, TypeUserUpdate)
}

func TestMalformedAndUnknownEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.login(t, 1)

	a.sendRaw("{not json")
	a.expectError(t, "invalid message format")

	a.send(t, env.event(t, 1, "teleport", nil))
	a.expectError(t, "unknown event type")

	assert.True(t, a.isOpen())
	env.postMessage(t, a, 1, 5, "still here")
}

func TestIndexingSkipsDirectMessages(t *testing.T) {
	docs := make(chan indexer.Document, 4)
	env := newTestEnv(t, func(_ *Config, deps *Dependencies) {
		deps.Indexer = indexer.Func(func(_ context.Context, doc indexer.Document) error {
			docs <- doc
			return nil
		})
	})
	a := env.login(t, 1)

	env.postMessage(t, a, 1, 6, "just between us")
	public := env.postMessage(t, a, 1, 5, "for everyone")

	select {
	case doc := <-docs:
		assert.Equal(t, public.ID, doc.MessageID)
		assert.Equal(t, int64(5), doc.ChannelID)
		assert.Equal(t, "Ada", doc.DisplayName)
	case <-time.After(waitTimeout):
		t.Fatal("message was not indexed")
	}

	select {
	case doc := <-docs:
		t.Fatalf("unexpected indexed message %d", doc.MessageID)
	case <-time.After(quietPeriod):
	}
}

func TestIndexerFailureDoesNotAffectDelivery(t *testing.T) {
	env := newTestEnv(t, func(_ *Config, deps *Dependencies) {
		deps.Indexer = indexer.Func(func(context.Context, indexer.Document) error {
			return errors.New("embedding service unavailable")
		})
	})
	a := env.login(t, 1)

	env.postMessage(t, a, 1, 5, "indexed later, maybe")
	a.expectNone(t, TypeError)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.CollaboratorFailures.WithLabelValues("indexer")) == 1
	}, waitTimeout, time.Millisecond)
	assert.Equal(t, 1, env.store.MessageCount())
}

func TestAnnounceUserJoined(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.login(t, 1)

	env.hub.AnnounceUserJoined(&store.User{ID: 7, Email: "new@example.com", DisplayName: "Newcomer"})

	var joined UserJoined
	a.expect(t, TypeUserJoined).decode(t, &joined)
	require.NotNil(t, joined.User)
	assert.Equal(t, int64(7), joined.User.ID)
}
