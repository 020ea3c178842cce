package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/Tyrowin/gochat-live/internal/indexer"
	"github.com/Tyrowin/gochat-live/internal/store"
)

func (h *Hub) eventHandlers() map[string]eventHandler {
	return map[string]eventHandler{
		TypeNewMessage:                 stageHandler(h, h.newMessageStage()),
		TypeCreateThread:               stageHandler(h, h.createThreadStage()),
		TypeThreadMessage:              stageHandler(h, h.threadMessageStage()),
		TypeUpdateReaction:             stageHandler(h, h.reactionStage()),
		TypeSetCustomStatus:            stageHandler(h, h.customStatusStage()),
		TypeTypingStart:                h.handleTypingStart,
		TypeTypingStop:                 h.handleTypingStop,
		TypeRequestUsers:               h.handleRequestUsers,
		TypeUpdateProductivitySettings: h.handleProductivitySettings,
		TypeProductivityScreenshot:     h.handleProductivityScreenshot,
	}
}

func (h *Hub) newMessageStage() Stage[*store.MessagePayload] {
	return Stage[*store.MessagePayload]{
		Name:    TypeNewMessage,
		Failure: "Failed to process message",
		Validate: func(msg *inbound) error {
			if msg.ChannelID <= 0 {
				return validationError("channelId is required")
			}
			return validateBody(msg)
		},
		Transact: func(ctx context.Context, tx store.Tx, userID int64, msg *inbound) (*store.MessagePayload, error) {
			return insertMessage(ctx, tx, userID, msg, nil)
		},
		Broadcast: func(m *store.MessagePayload) []any {
			return []any{NewMessage{Type: TypeNewMessage, Message: m}}
		},
		After: h.indexMessage,
	}
}

type threadReply struct {
	message *store.MessagePayload
	thread  *store.ThreadPayload
}

func (h *Hub) threadMessageStage() Stage[threadReply] {
	return Stage[threadReply]{
		Name:    TypeThreadMessage,
		Failure: "Failed to send thread message",
		Validate: func(msg *inbound) error {
			if msg.ChannelID <= 0 || msg.ThreadID <= 0 {
				return validationError("channelId and threadId are required")
			}
			return validateBody(msg)
		},
		Transact: func(ctx context.Context, tx store.Tx, userID int64, msg *inbound) (threadReply, error) {
			threadID := msg.ThreadID
			t, err := tx.LoadThread(ctx, threadID)
			if err != nil {
				return threadReply{}, fmt.Errorf("load thread %d: %w", threadID, err)
			}
			if t.ChannelID != msg.ChannelID {
				return threadReply{}, validationError("thread does not belong to channel")
			}
			m, err := insertMessage(ctx, tx, userID, msg, &threadID)
			if err != nil {
				return threadReply{}, err
			}
			// reload for the bumped reply count
			t, err = tx.LoadThread(ctx, threadID)
			if err != nil {
				return threadReply{}, fmt.Errorf("load thread %d: %w", threadID, err)
			}
			return threadReply{message: m, thread: t}, nil
		},
		Broadcast: func(r threadReply) []any {
			return []any{ThreadMessage{Type: TypeThreadMessage, ThreadID: r.thread.ID, Message: r.message, Thread: r.thread}}
		},
		After: func(ctx context.Context, r threadReply) { h.indexMessage(ctx, r.message) },
	}
}

type threadStart struct {
	thread *store.ThreadPayload
	parent *store.MessagePayload
	reply  *store.MessagePayload
}

func (h *Hub) createThreadStage() Stage[threadStart] {
	return Stage[threadStart]{
		Name:    TypeCreateThread,
		Failure: "Failed to create thread",
		Validate: func(msg *inbound) error {
			if msg.ChannelID <= 0 || msg.MessageID <= 0 {
				return validationError("channelId and messageId are required")
			}
			return nil
		},
		Transact: func(ctx context.Context, tx store.Tx, userID int64, msg *inbound) (threadStart, error) {
			t, created, err := tx.FindOrCreateThread(ctx, msg.ChannelID, msg.MessageID)
			if err != nil {
				return threadStart{}, fmt.Errorf("find or create thread: %w", err)
			}

			var result threadStart
			if strings.TrimSpace(msg.Content) != "" {
				threadID := t.ID
				reply := *msg
				reply.Attachments = nil
				if result.reply, err = insertMessage(ctx, tx, userID, &reply, &threadID); err != nil {
					return threadStart{}, err
				}
			}

			if result.thread, err = tx.LoadThread(ctx, t.ID); err != nil {
				return threadStart{}, fmt.Errorf("load thread %d: %w", t.ID, err)
			}
			if result.parent, err = tx.LoadMessage(ctx, msg.MessageID); err != nil {
				return threadStart{}, fmt.Errorf("load parent message %d: %w", msg.MessageID, err)
			}
			h.logger.Debug("thread ready", "thread_id", t.ID, "created", created)
			return result, nil
		},
		Broadcast: func(r threadStart) []any {
			return []any{
				ThreadCreated{Type: TypeThreadCreated, Thread: r.thread},
				MessageUpdated{Type: TypeMessageUpdated, Message: r.parent},
			}
		},
		After: func(ctx context.Context, r threadStart) {
			if r.reply != nil {
				h.indexMessage(ctx, r.reply)
			}
		},
	}
}

type reactionResult struct {
	messageID int64
	reactions map[string]store.ReactionSummary
}

func (h *Hub) reactionStage() Stage[reactionResult] {
	return Stage[reactionResult]{
		Name:    TypeUpdateReaction,
		Failure: "Failed to update reaction",
		Validate: func(msg *inbound) error {
			if msg.MessageID <= 0 || strings.TrimSpace(msg.Emoji) == "" {
				return validationError("messageId and emoji are required")
			}
			return nil
		},
		Transact: func(ctx context.Context, tx store.Tx, userID int64, msg *inbound) (reactionResult, error) {
			if _, err := tx.ToggleReaction(ctx, msg.MessageID, userID, msg.Emoji); err != nil {
				return reactionResult{}, fmt.Errorf("toggle reaction: %w", err)
			}
			reactions, err := tx.LoadReactions(ctx, msg.MessageID)
			if err != nil {
				return reactionResult{}, fmt.Errorf("load reactions: %w", err)
			}
			if reactions == nil {
				reactions = map[string]store.ReactionSummary{}
			}
			return reactionResult{messageID: msg.MessageID, reactions: reactions}, nil
		},
		Broadcast: func(r reactionResult) []any {
			return []any{ReactionUpdate{Type: TypeReactionUpdate, MessageID: r.messageID, Reactions: r.reactions}}
		},
	}
}

func (h *Hub) customStatusStage() Stage[*store.CustomStatus] {
	return Stage[*store.CustomStatus]{
		Name:    TypeSetCustomStatus,
		Failure: "Failed to update custom status",
		Validate: func(msg *inbound) error {
			if strings.TrimSpace(msg.Status) == "" {
				return validationError("status is required")
			}
			return nil
		},
		Transact: func(ctx context.Context, tx store.Tx, userID int64, msg *inbound) (*store.CustomStatus, error) {
			var emoji *string
			if msg.Emoji != "" {
				e := msg.Emoji
				emoji = &e
			}
			return tx.ReplaceCustomStatus(ctx, userID, msg.Status, emoji)
		},
		Broadcast: func(s *store.CustomStatus) []any {
			return []any{CustomStatusUpdate{
				Type:          TypeCustomStatusUpdate,
				UserID:        s.UserID,
				StatusMessage: s.StatusMessage,
				Emoji:         s.Emoji,
			}}
		},
	}
}

func validateBody(msg *inbound) error {
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return validationError("content or attachments are required")
	}
	for _, a := range msg.Attachments {
		if a.Filename == "" || a.StoragePath == "" {
			return validationError("attachments need a filename and storage_path")
		}
	}
	return nil
}

func insertMessage(ctx context.Context, tx store.Tx, userID int64, msg *inbound, threadID *int64) (*store.MessagePayload, error) {
	m, err := tx.InsertMessage(ctx, msg.ChannelID, userID, msg.Content, threadID)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	for _, a := range msg.Attachments {
		if _, err := tx.InsertAttachment(ctx, m.ID, a); err != nil {
			return nil, fmt.Errorf("insert attachment %q: %w", a.Filename, err)
		}
	}
	payload, err := tx.LoadMessage(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("load message %d: %w", m.ID, err)
	}
	return payload, nil
}

// indexMessage hands a committed message to the indexer. DMs are never
// indexed.
func (h *Hub) indexMessage(ctx context.Context, m *store.MessagePayload) {
	if m == nil || m.IsDM {
		return
	}
	err := h.indexer.IndexChatMessage(ctx, indexer.Document{
		MessageID:   m.ID,
		Content:     m.Content,
		UserID:      m.UserID,
		ChannelID:   m.ChannelID,
		ThreadID:    m.ThreadID,
		DisplayName: m.DisplayName,
	})
	if err != nil {
		h.metrics.CollaboratorFailed("indexer")
		h.logger.Warn("index message", "message_id", m.ID, "error", err)
	}
}

// typingContext derives the context of a typing event: the thread when one
// is named, else the channel.
func typingContext(msg *inbound) (string, int64, error) {
	if msg.ThreadID > 0 {
		return ContextThread, msg.ThreadID, nil
	}
	if msg.ChannelID > 0 {
		return ContextChannel, msg.ChannelID, nil
	}
	return "", 0, validationError("channelId or threadId is required")
}

func (h *Hub) handleTypingStart(_ context.Context, c *Client, msg *inbound) error {
	contextType, contextID, err := typingContext(msg)
	if err != nil {
		return err
	}
	id, err := h.verifyEventToken(c, msg.Token)
	if err != nil {
		return err
	}
	h.typing.Start(contextType, contextID, id.UserID)
	return nil
}

func (h *Hub) handleTypingStop(_ context.Context, c *Client, msg *inbound) error {
	contextType, contextID, err := typingContext(msg)
	if err != nil {
		return err
	}
	id, err := h.verifyEventToken(c, msg.Token)
	if err != nil {
		return err
	}
	h.typing.Stop(contextType, contextID, id.UserID)
	return nil
}

func (h *Hub) handleRequestUsers(ctx context.Context, c *Client, _ *inbound) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()

	users, err := h.store.ListUsers(ctx)
	if err != nil {
		return persistenceError("Failed to load users", err)
	}
	if users == nil {
		users = []store.UserSummary{}
	}
	h.send(c, UserUpdate{Type: TypeUserUpdate, Users: users})
	return nil
}

// AnnounceUserJoined broadcasts a newly registered user to every connection.
func (h *Hub) AnnounceUserJoined(user *store.User) {
	if user == nil {
		return
	}
	n := h.broadcast(UserJoined{Type: TypeUserJoined, User: user})
	h.logger.Info("announced new user", "user_id", user.ID, "recipients", n)
}
