// Package store defines the transactional data-store contract consumed by the
// live-connection core, with PostgreSQL and in-memory implementations.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = errors.New("store: transaction already committed or rolled back")
)

// Store is the data-store collaborator. Operations outside a transaction are
// single statements; multi-row writes go through Begin.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	SetPresence(ctx context.Context, userID int64, status PresenceStatus) error
	UpdateLastActive(ctx context.Context, userID int64) error
	GetUser(ctx context.Context, userID int64) (*User, error)
	ListUsers(ctx context.Context) ([]UserSummary, error)
	ListPresence(ctx context.Context) ([]PresenceEntry, error)

	ProductivitySettings(ctx context.Context, userID int64) (*ProductivitySettings, error)
	SaveProductivitySettings(ctx context.Context, userID int64, settings ProductivitySettings) error
	RecordProductivityCheck(ctx context.Context, userID int64, productive bool, at time.Time) (*ProductivitySession, error)
	ResetProductivitySession(ctx context.Context, sessionID int64, at time.Time) error

	Close() error
}

// Tx is one atomic unit of work. Reads inside a Tx observe its own writes.
type Tx interface {
	InsertMessage(ctx context.Context, channelID, userID int64, content string, threadID *int64) (*Message, error)
	InsertAttachment(ctx context.Context, messageID int64, in AttachmentInput) (*Attachment, error)
	// ToggleReaction removes an identical (message, user, emoji) reaction or
	// inserts it when absent.
	ToggleReaction(ctx context.Context, messageID, userID int64, emoji string) (ReactionOutcome, error)
	FindOrCreateThread(ctx context.Context, channelID, parentMessageID int64) (*Thread, bool, error)
	ReplaceCustomStatus(ctx context.Context, userID int64, message string, emoji *string) (*CustomStatus, error)

	LoadMessage(ctx context.Context, messageID int64) (*MessagePayload, error)
	LoadThread(ctx context.Context, threadID int64) (*ThreadPayload, error)
	LoadReactions(ctx context.Context, messageID int64) (map[string]ReactionSummary, error)

	Commit() error
	Rollback() error
}
