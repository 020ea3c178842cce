package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresConfig configures connection pooling.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default connection pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Postgres implements Store on a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(dsn string, config *PostgresConfig) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// DB exposes the underlying handle so collaborators can share the pool.
func (p *Postgres) DB() *sql.DB { return p.db }

// Close releases the pool.
func (p *Postgres) Close() error { return p.db.Close() }

// Begin opens a transaction.
func (p *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// SetPresence updates users.presence_status.
func (p *Postgres) SetPresence(ctx context.Context, userID int64, status PresenceStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET presence_status = $1 WHERE id = $2`, string(status), userID)
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return requireRow(res)
}

// UpdateLastActive stamps users.last_active with the database clock.
func (p *Postgres) UpdateLastActive(ctx context.Context, userID int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET last_active = CURRENT_TIMESTAMP WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("update last active: %w", err)
	}
	return requireRow(res)
}

// GetUser loads one user row.
func (p *Postgres) GetUser(ctx context.Context, userID int64) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, email, COALESCE(display_name, email), presence_status FROM users WHERE id = $1`, userID)
	var u User
	var status string
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.PresenceStatus = PresenceStatus(status)
	return &u, nil
}

const activeStatusJoin = `
	FROM users u
	LEFT JOIN user_status_messages usm ON u.id = usm.user_id
	WHERE (usm.expires_at IS NULL OR usm.expires_at > CURRENT_TIMESTAMP) OR usm.id IS NULL`

// ListUsers returns every user joined with their unexpired custom status.
func (p *Postgres) ListUsers(ctx context.Context) ([]UserSummary, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT u.id, COALESCE(u.display_name, u.email), u.email, u.presence_status, usm.status_message, usm.emoji`+
			activeStatusJoin+` ORDER BY u.id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []UserSummary
	for rows.Next() {
		var u UserSummary
		var status string
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Email, &status, &u.StatusMessage, &u.Emoji); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.PresenceStatus = PresenceStatus(status)
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListPresence returns the presence snapshot of every user.
func (p *Postgres) ListPresence(ctx context.Context) ([]PresenceEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT u.id, u.presence_status, usm.status_message, usm.emoji`+activeStatusJoin+` ORDER BY u.id`)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	var entries []PresenceEntry
	for rows.Next() {
		var e PresenceEntry
		var status string
		if err := rows.Scan(&e.ID, &status, &e.StatusMessage, &e.Emoji); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		e.PresenceStatus = PresenceStatus(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ProductivitySettings returns the user's settings or ErrNotFound.
func (p *Postgres) ProductivitySettings(ctx context.Context, userID int64) (*ProductivitySettings, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT tracking_enabled, screen_capture_enabled, webcam_capture_enabled, break_reminder_interval
		 FROM user_productivity_settings WHERE user_id = $1`, userID)
	var s ProductivitySettings
	if err := row.Scan(&s.TrackingEnabled, &s.ScreenCaptureEnabled, &s.WebcamCaptureEnabled, &s.BreakReminderInterval); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get productivity settings: %w", err)
	}
	return &s, nil
}

// SaveProductivitySettings upserts the user's settings.
func (p *Postgres) SaveProductivitySettings(ctx context.Context, userID int64, s ProductivitySettings) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO user_productivity_settings
		 (user_id, tracking_enabled, screen_capture_enabled, webcam_capture_enabled, break_reminder_interval)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE SET
		   tracking_enabled = $2,
		   screen_capture_enabled = $3,
		   webcam_capture_enabled = $4,
		   break_reminder_interval = $5,
		   updated_at = CURRENT_TIMESTAMP`,
		userID, s.TrackingEnabled, s.ScreenCaptureEnabled, s.WebcamCaptureEnabled, s.BreakReminderInterval)
	if err != nil {
		return fmt.Errorf("save productivity settings: %w", err)
	}
	return nil
}

// RecordProductivityCheck extends the open session or starts one.
func (p *Postgres) RecordProductivityCheck(ctx context.Context, userID int64, productive bool, at time.Time) (*ProductivitySession, error) {
	sess := &ProductivitySession{UserID: userID, LastCheckTime: at, IsProductive: productive}
	err := p.db.QueryRowContext(ctx,
		`UPDATE productivity_sessions SET last_check_time = $2, is_productive = $3
		 WHERE user_id = $1 AND end_time IS NULL
		 RETURNING id, start_time`, userID, at, productive).Scan(&sess.ID, &sess.StartTime)
	if err == nil {
		sess.Continued = true
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update productivity session: %w", err)
	}

	sess.StartTime = at
	if err := p.db.QueryRowContext(ctx,
		`INSERT INTO productivity_sessions (user_id, start_time, last_check_time, is_productive)
		 VALUES ($1, $2, $2, $3) RETURNING id`, userID, at, productive).Scan(&sess.ID); err != nil {
		return nil, fmt.Errorf("insert productivity session: %w", err)
	}
	return sess, nil
}

// ResetProductivitySession moves a session's start to at.
func (p *Postgres) ResetProductivitySession(ctx context.Context, sessionID int64, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE productivity_sessions SET start_time = $2 WHERE id = $1`, sessionID, at)
	if err != nil {
		return fmt.Errorf("reset productivity session: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (t *pgTx) InsertMessage(ctx context.Context, channelID, userID int64, content string, threadID *int64) (*Message, error) {
	m := &Message{ChannelID: channelID, UserID: userID, Content: content, ThreadID: threadID}
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO messages (channel_id, user_id, content, thread_id)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		channelID, userID, content, nullInt64(threadID)).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if threadID != nil {
		res, err := t.tx.ExecContext(ctx,
			`UPDATE threads SET reply_count = reply_count + 1, last_reply_at = $2 WHERE id = $1`,
			*threadID, m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("bump thread: %w", err)
		}
		if err := requireRow(res); err != nil {
			return nil, fmt.Errorf("bump thread %d: %w", *threadID, err)
		}
	}
	return m, nil
}

func (t *pgTx) InsertAttachment(ctx context.Context, messageID int64, in AttachmentInput) (*Attachment, error) {
	a := normalizeAttachment(messageID, in)
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO file_attachments (message_id, filename, mime_type, size, storage_path, is_image)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		a.MessageID, a.Filename, a.MimeType, a.Size, a.StoragePath, a.IsImage).Scan(&a.ID)
	if err != nil {
		return nil, fmt.Errorf("insert attachment: %w", err)
	}
	return &a, nil
}

// ToggleReaction locks the message row first so concurrent toggles on the
// same message serialize and the existence check stays valid until commit.
func (t *pgTx) ToggleReaction(ctx context.Context, messageID, userID int64, emoji string) (ReactionOutcome, error) {
	var locked int64
	if err := t.tx.QueryRowContext(ctx,
		`SELECT id FROM messages WHERE id = $1 FOR UPDATE`, messageID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("lock message: %w", err)
	}

	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji)
	if err != nil {
		return "", fmt.Errorf("delete reaction: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	} else if n > 0 {
		return ReactionRemoved, nil
	}

	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)`,
		messageID, userID, emoji); err != nil {
		return "", fmt.Errorf("insert reaction: %w", err)
	}
	return ReactionApplied, nil
}

// FindOrCreateThread locks the parent message row before looking for its
// thread. A FOR UPDATE on a thread row that does not exist yet locks nothing,
// so the parent is what serializes concurrent creators.
func (t *pgTx) FindOrCreateThread(ctx context.Context, channelID, parentMessageID int64) (*Thread, bool, error) {
	var locked int64
	if err := t.tx.QueryRowContext(ctx,
		`SELECT id FROM messages WHERE id = $1 FOR UPDATE`, parentMessageID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("create thread: parent %d: %w", parentMessageID, ErrNotFound)
		}
		return nil, false, fmt.Errorf("lock parent message: %w", err)
	}

	th := &Thread{}
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, channel_id, parent_message_id, reply_count, last_reply_at, created_at
		 FROM threads WHERE parent_message_id = $1`, parentMessageID).
		Scan(&th.ID, &th.ChannelID, &th.ParentMessageID, &th.ReplyCount, &th.LastReplyAt, &th.CreatedAt)
	if err == nil {
		return th, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("find thread: %w", err)
	}

	err = t.tx.QueryRowContext(ctx,
		`INSERT INTO threads (channel_id, parent_message_id) VALUES ($1, $2)
		 RETURNING id, channel_id, parent_message_id, reply_count, last_reply_at, created_at`,
		channelID, parentMessageID).
		Scan(&th.ID, &th.ChannelID, &th.ParentMessageID, &th.ReplyCount, &th.LastReplyAt, &th.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("create thread: %w", err)
	}
	return th, true, nil
}

func (t *pgTx) ReplaceCustomStatus(ctx context.Context, userID int64, message string, emoji *string) (*CustomStatus, error) {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM user_status_messages WHERE user_id = $1`, userID); err != nil {
		return nil, fmt.Errorf("clear custom status: %w", err)
	}
	cs := &CustomStatus{UserID: userID}
	if err := t.tx.QueryRowContext(ctx,
		`INSERT INTO user_status_messages (user_id, status_message, emoji)
		 VALUES ($1, $2, $3) RETURNING id, status_message, emoji`,
		userID, message, nullString(emoji)).Scan(&cs.ID, &cs.StatusMessage, &cs.Emoji); err != nil {
		return nil, fmt.Errorf("insert custom status: %w", err)
	}
	return cs, nil
}

func (t *pgTx) LoadMessage(ctx context.Context, messageID int64) (*MessagePayload, error) {
	m := &MessagePayload{}
	err := t.tx.QueryRowContext(ctx,
		`SELECT m.id, m.channel_id, m.user_id, m.content, m.thread_id, m.created_at,
		        COALESCE(u.display_name, u.email), COALESCE(c.is_dm, false)
		 FROM messages m
		 JOIN users u ON m.user_id = u.id
		 LEFT JOIN channels c ON m.channel_id = c.id
		 WHERE m.id = $1`, messageID).
		Scan(&m.ID, &m.ChannelID, &m.UserID, &m.Content, &m.ThreadID, &m.CreatedAt, &m.DisplayName, &m.IsDM)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load message: %w", err)
	}

	if m.Attachments, err = t.loadAttachments(ctx, messageID); err != nil {
		return nil, err
	}
	if m.Reactions, err = t.LoadReactions(ctx, messageID); err != nil {
		return nil, err
	}

	var summary ThreadSummary
	err = t.tx.QueryRowContext(ctx,
		`SELECT id, reply_count, last_reply_at FROM threads WHERE parent_message_id = $1`, messageID).
		Scan(&summary.ID, &summary.ReplyCount, &summary.LastReplyAt)
	switch {
	case err == nil:
		m.IsThreadParent = true
		m.Thread = &summary
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("load thread summary: %w", err)
	}
	return m, nil
}

func (t *pgTx) loadAttachments(ctx context.Context, messageID int64) ([]Attachment, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, message_id, filename, mime_type, size, storage_path, is_image
		 FROM file_attachments WHERE message_id = $1 ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	defer rows.Close()

	attachments := []Attachment{}
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.MimeType, &a.Size, &a.StoragePath, &a.IsImage); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

func (t *pgTx) LoadReactions(ctx context.Context, messageID int64) (map[string]ReactionSummary, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT emoji, user_id FROM reactions WHERE message_id = $1 ORDER BY emoji, id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("load reactions: %w", err)
	}
	defer rows.Close()

	reactions := map[string]ReactionSummary{}
	for rows.Next() {
		var emoji string
		var userID int64
		if err := rows.Scan(&emoji, &userID); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		r := reactions[emoji]
		r.Count++
		r.Users = append(r.Users, userID)
		reactions[emoji] = r
	}
	return reactions, rows.Err()
}

func (t *pgTx) LoadThread(ctx context.Context, threadID int64) (*ThreadPayload, error) {
	th := &ThreadPayload{}
	err := t.tx.QueryRowContext(ctx,
		`SELECT t.id, t.channel_id, t.parent_message_id, t.reply_count, t.last_reply_at, t.created_at,
		        m.content, COALESCE(u.display_name, u.email), u.id
		 FROM threads t
		 JOIN messages m ON t.parent_message_id = m.id
		 JOIN users u ON m.user_id = u.id
		 WHERE t.id = $1`, threadID).
		Scan(&th.ID, &th.ChannelID, &th.ParentMessageID, &th.ReplyCount, &th.LastReplyAt, &th.CreatedAt,
			&th.StarterContent, &th.StarterName, &th.StarterID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load thread: %w", err)
	}
	return th, nil
}

func normalizeAttachment(messageID int64, in AttachmentInput) Attachment {
	mime := in.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return Attachment{
		MessageID:   messageID,
		Filename:    in.Filename,
		MimeType:    mime,
		Size:        in.Size,
		StoragePath: in.StoragePath,
		IsImage:     strings.HasPrefix(in.MimeType, "image/"),
	}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
