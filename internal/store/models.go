package store

import "time"

// PresenceStatus is the availability value persisted per user.
type PresenceStatus string

const (
	PresenceOnline            PresenceStatus = "online"
	PresenceIdle              PresenceStatus = "idle"
	PresenceOffline           PresenceStatus = "offline"
	PresenceProductiveWorking PresenceStatus = "productive_working"
	PresenceIdleAndNotWorking PresenceStatus = "idle_and_not_working"
)

// Valid reports whether s is one of the known statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceIdle, PresenceOffline, PresenceProductiveWorking, PresenceIdleAndNotWorking:
		return true
	}
	return false
}

// User is the subset of a user row the live core needs.
type User struct {
	ID             int64          `json:"id"`
	Email          string         `json:"email"`
	DisplayName    string         `json:"display_name"`
	PresenceStatus PresenceStatus `json:"presence_status"`
}

// UserSummary is one row of the request_users reply.
type UserSummary struct {
	ID             int64          `json:"id"`
	DisplayName    string         `json:"display_name"`
	Email          string         `json:"email"`
	PresenceStatus PresenceStatus `json:"presence_status"`
	StatusMessage  *string        `json:"status_message"`
	Emoji          *string        `json:"emoji"`
}

// PresenceEntry is one row of bulk_presence_update.
type PresenceEntry struct {
	ID             int64          `json:"id"`
	PresenceStatus PresenceStatus `json:"presence_status"`
	StatusMessage  *string        `json:"status_message"`
	Emoji          *string        `json:"emoji"`
}

// CustomStatus is a user's free-text status line.
type CustomStatus struct {
	ID            int64   `json:"id"`
	UserID        int64   `json:"user_id"`
	StatusMessage string  `json:"status_message"`
	Emoji         *string `json:"emoji"`
}

// Message is a freshly inserted message row.
type Message struct {
	ID        int64     `json:"id"`
	ChannelID int64     `json:"channel_id"`
	UserID    int64     `json:"user_id"`
	Content   string    `json:"content"`
	ThreadID  *int64    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AttachmentInput describes an already-uploaded file to link to a message.
type AttachmentInput struct {
	Filename    string `json:"filename"`
	MimeType    string `json:"mime_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	StoragePath string `json:"storage_path"`
}

// Attachment is a file_attachments row.
type Attachment struct {
	ID          int64  `json:"id"`
	MessageID   int64  `json:"message_id"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mime_type"`
	Size        int64  `json:"size"`
	StoragePath string `json:"storage_path"`
	IsImage     bool   `json:"is_image"`
}

// ReactionSummary aggregates one emoji on one message.
type ReactionSummary struct {
	Count int     `json:"count"`
	Users []int64 `json:"users"`
}

// ReactionOutcome reports what a toggle did.
type ReactionOutcome string

const (
	ReactionApplied ReactionOutcome = "applied"
	ReactionRemoved ReactionOutcome = "removed"
)

// ThreadSummary is the thread block embedded in a parent message.
type ThreadSummary struct {
	ID          int64      `json:"id"`
	ReplyCount  int        `json:"reply_count"`
	LastReplyAt *time.Time `json:"last_reply_at"`
}

// MessagePayload is the fully denormalized message broadcast to clients.
type MessagePayload struct {
	ID             int64                      `json:"id"`
	ChannelID      int64                      `json:"channel_id"`
	UserID         int64                      `json:"user_id"`
	Content        string                     `json:"content"`
	ThreadID       *int64                     `json:"thread_id"`
	CreatedAt      time.Time                  `json:"created_at"`
	DisplayName    string                     `json:"display_name"`
	Attachments    []Attachment               `json:"attachments"`
	Reactions      map[string]ReactionSummary `json:"reactions"`
	IsThreadParent bool                       `json:"is_thread_parent"`
	Thread         *ThreadSummary             `json:"thread"`
	IsDM           bool                       `json:"is_dm"`
}

// Thread is a threads row.
type Thread struct {
	ID              int64      `json:"id"`
	ChannelID       int64      `json:"channel_id"`
	ParentMessageID int64      `json:"parent_message_id"`
	ReplyCount      int        `json:"reply_count"`
	LastReplyAt     *time.Time `json:"last_reply_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ThreadPayload is a thread joined with its starter message and author.
type ThreadPayload struct {
	Thread
	StarterContent string `json:"thread_starter_content"`
	StarterName    string `json:"thread_starter_name"`
	StarterID      int64  `json:"thread_starter_id"`
}

// ProductivitySettings are the per-user tracking switches.
type ProductivitySettings struct {
	TrackingEnabled       bool `json:"tracking_enabled"`
	ScreenCaptureEnabled  bool `json:"screen_capture_enabled"`
	WebcamCaptureEnabled  bool `json:"webcam_capture_enabled"`
	BreakReminderInterval int  `json:"break_reminder_interval"` // seconds
}

// ProductivitySession is the open tracking session of a user.
type ProductivitySession struct {
	ID            int64
	UserID        int64
	StartTime     time.Time
	LastCheckTime time.Time
	IsProductive  bool
	Continued     bool // false when the check opened a new session
}
