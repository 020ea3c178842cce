package server

import (
	"encoding/json"
	"strings"

	"github.com/Tyrowin/gochat-live/internal/store"
)

// Inbound event types.
const (
	TypeAuthenticate               = "authenticate"
	TypeNewMessage                 = "new_message"
	TypeCreateThread               = "create_thread"
	TypeThreadMessage              = "thread_message"
	TypeTypingStart                = "typing_start"
	TypeTypingStop                 = "typing_stop"
	TypeUpdateReaction             = "update_reaction"
	TypeSetCustomStatus            = "set_custom_status"
	TypeRequestUsers               = "request_users"
	TypeUpdateProductivitySettings = "update_productivity_settings"
	TypeProductivityScreenshot     = "productivity_screenshot"
)

// Outbound event types.
const (
	TypeAuthSuccess          = "auth_success"
	TypeError                = "error"
	TypePresenceUpdate       = "presence_update"
	TypeBulkPresenceUpdate   = "bulk_presence_update"
	TypeTypingStatus         = "typing_status"
	TypeThreadCreated        = "thread_created"
	TypeMessageUpdated       = "message_updated"
	TypeReactionUpdate       = "reaction_update"
	TypeCustomStatusUpdate   = "custom_status_update"
	TypeUserUpdate           = "user_update"
	TypeUserJoined           = "user_joined"
	TypeSettingsUpdated      = "settings_updated"
	TypeProductivityReminder = "productivity_reminder"
	TypeBreakReminder        = "break_reminder"
)

// Typing context types.
const (
	ContextChannel = "channel"
	ContextThread  = "thread"
)

// inbound is the union of every client event. Unused fields stay zero.
type inbound struct {
	Type        string                      `json:"type"`
	Token       string                      `json:"token,omitempty"`
	ChannelID   int64                       `json:"channelId,omitempty"`
	ThreadID    int64                       `json:"threadId,omitempty"`
	MessageID   int64                       `json:"messageId,omitempty"`
	Content     string                      `json:"content,omitempty"`
	Emoji       string                      `json:"emoji,omitempty"`
	Status      string                      `json:"status,omitempty"`
	Attachments []store.AttachmentInput     `json:"attachments,omitempty"`
	Settings    *store.ProductivitySettings `json:"settings,omitempty"`
	Data        *screenshotData             `json:"data,omitempty"`
}

type screenshotData struct {
	ScreenImage string `json:"screen_image"`
	Type        string `json:"type"`
}

// AuthSuccess acknowledges the handshake.
type AuthSuccess struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
}

// ErrorReply is sent only to the client whose event failed.
type ErrorReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PresenceUpdate announces one user's new status.
type PresenceUpdate struct {
	Type   string               `json:"type"`
	UserID int64                `json:"userId"`
	Status store.PresenceStatus `json:"status"`
}

// BulkPresenceUpdate is the presence snapshot sent after admission.
type BulkPresenceUpdate struct {
	Type         string                `json:"type"`
	PresenceData []store.PresenceEntry `json:"presenceData"`
}

// TypingStatus carries the full typist set of one context.
type TypingStatus struct {
	Type        string  `json:"type"`
	ContextType string  `json:"context_type"`
	ContextID   int64   `json:"context_id"`
	Users       []int64 `json:"users"`
}

// NewMessage broadcasts a committed channel message.
type NewMessage struct {
	Type    string                `json:"type"`
	Message *store.MessagePayload `json:"message"`
}

// ThreadMessage broadcasts a committed thread reply with the refreshed thread.
type ThreadMessage struct {
	Type     string                `json:"type"`
	ThreadID int64                 `json:"threadId"`
	Message  *store.MessagePayload `json:"message"`
	Thread   *store.ThreadPayload  `json:"thread"`
}

// ThreadCreated announces a thread, new or existing.
type ThreadCreated struct {
	Type   string               `json:"type"`
	Thread *store.ThreadPayload `json:"thread"`
}

// MessageUpdated re-broadcasts a message after its thread state changed.
type MessageUpdated struct {
	Type    string                `json:"type"`
	Message *store.MessagePayload `json:"message"`
}

// ReactionUpdate carries the full reaction summary of one message.
type ReactionUpdate struct {
	Type      string                           `json:"type"`
	MessageID int64                            `json:"messageId"`
	Reactions map[string]store.ReactionSummary `json:"reactions"`
}

// CustomStatusUpdate announces a user's new status line.
type CustomStatusUpdate struct {
	Type          string  `json:"type"`
	UserID        int64   `json:"userId"`
	StatusMessage string  `json:"statusMessage"`
	Emoji         *string `json:"emoji"`
}

// UserUpdate answers request_users.
type UserUpdate struct {
	Type  string              `json:"type"`
	Users []store.UserSummary `json:"users"`
}

// UserJoined announces a newly registered user.
type UserJoined struct {
	Type string      `json:"type"`
	User *store.User `json:"user"`
}

// SettingsUpdated acknowledges update_productivity_settings.
type SettingsUpdated struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

// Reminder is a productivity or break reminder.
type Reminder struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// encode marshals an outbound envelope. The envelopes above contain only
// marshalable fields, so errors are reported but not expected.
func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
