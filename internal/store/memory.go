package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Store. Transactions hold an exclusive lock and work
// on a private copy of the state that replaces the shared state on Commit.
// Failures can be injected per operation name for tests.
type Memory struct {
	txMu  sync.Mutex // serializes transactions
	mu    sync.Mutex // guards state and failures
	state *memState
	fail  map[string]error
	now   func() time.Time
}

var _ Store = (*Memory)(nil)

type memReaction struct {
	id        int64
	messageID int64
	userID    int64
	emoji     string
}

type memState struct {
	nextID      int64
	users       map[int64]*User
	lastActive  map[int64]time.Time
	channels    map[int64]bool // channel id -> is_dm
	messages    map[int64]*Message
	attachments map[int64][]Attachment
	reactions   []memReaction
	threads     map[int64]*Thread
	statuses    map[int64]*CustomStatus
	settings    map[int64]ProductivitySettings
	sessions    map[int64]*ProductivitySession // by user id, open sessions only
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		state: &memState{
			users:       map[int64]*User{},
			lastActive:  map[int64]time.Time{},
			channels:    map[int64]bool{},
			messages:    map[int64]*Message{},
			attachments: map[int64][]Attachment{},
			threads:     map[int64]*Thread{},
			statuses:    map[int64]*CustomStatus{},
			settings:    map[int64]ProductivitySettings{},
			sessions:    map[int64]*ProductivitySession{},
		},
		fail: map[string]error{},
		now:  time.Now,
	}
}

// WithTimeFunc overrides the timestamp source.
func (m *Memory) WithTimeFunc(now func() time.Time) *Memory {
	m.now = now
	return m
}

// AddUser seeds a user row.
func (m *Memory) AddUser(u User) {
	defer m.lockState()()
	if u.PresenceStatus == "" {
		u.PresenceStatus = PresenceOffline
	}
	m.state.users[u.ID] = &u
}

// AddChannel seeds a channel.
func (m *Memory) AddChannel(id int64, isDM bool) {
	defer m.lockState()()
	m.state.channels[id] = isDM
}

// FailOn makes every call of the named operation return err until cleared
// with a nil err. Names match the method names, plus "Commit" and "Begin".
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

func (m *Memory) failure(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail[op]
}

// Presence returns the stored presence of a user.
func (m *Memory) Presence(userID int64) PresenceStatus {
	defer m.lockState()()
	if u, ok := m.state.users[userID]; ok {
		return u.PresenceStatus
	}
	return ""
}

// MessageCount returns the number of committed messages.
func (m *Memory) MessageCount() int {
	defer m.lockState()()
	return len(m.state.messages)
}

// ReactionCount returns the number of committed reactions.
func (m *Memory) ReactionCount() int {
	defer m.lockState()()
	return len(m.state.reactions)
}

// lockState waits for any open transaction and locks the shared state. Lock
// order is txMu then mu.
func (m *Memory) lockState() func() {
	m.txMu.Lock()
	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		m.txMu.Unlock()
	}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Begin starts a transaction; it blocks while another one is open.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	if err := m.failure("Begin"); err != nil {
		return nil, err
	}
	m.txMu.Lock()
	if err := ctx.Err(); err != nil {
		m.txMu.Unlock()
		return nil, err
	}
	m.mu.Lock()
	working := m.state.clone()
	m.mu.Unlock()
	return &memTx{store: m, state: working}, nil
}

// SetPresence stores a user's presence.
func (m *Memory) SetPresence(_ context.Context, userID int64, status PresenceStatus) error {
	if err := m.failure("SetPresence"); err != nil {
		return err
	}
	defer m.lockState()()
	u, ok := m.state.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PresenceStatus = status
	return nil
}

// UpdateLastActive stamps the user's last activity with the store clock.
func (m *Memory) UpdateLastActive(_ context.Context, userID int64) error {
	if err := m.failure("UpdateLastActive"); err != nil {
		return err
	}
	defer m.lockState()()
	if _, ok := m.state.users[userID]; !ok {
		return ErrNotFound
	}
	m.state.lastActive[userID] = m.now()
	return nil
}

// GetUser returns a copy of the user row.
func (m *Memory) GetUser(_ context.Context, userID int64) (*User, error) {
	if err := m.failure("GetUser"); err != nil {
		return nil, err
	}
	defer m.lockState()()
	u, ok := m.state.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// ListUsers returns every user with presence and unexpired custom status.
func (m *Memory) ListUsers(_ context.Context) ([]UserSummary, error) {
	if err := m.failure("ListUsers"); err != nil {
		return nil, err
	}
	defer m.lockState()()
	return m.state.userSummaries(), nil
}

// ListPresence returns the presence snapshot of every user.
func (m *Memory) ListPresence(_ context.Context) ([]PresenceEntry, error) {
	if err := m.failure("ListPresence"); err != nil {
		return nil, err
	}
	defer m.lockState()()
	users := m.state.userSummaries()
	out := make([]PresenceEntry, 0, len(users))
	for _, u := range users {
		out = append(out, PresenceEntry{ID: u.ID, PresenceStatus: u.PresenceStatus, StatusMessage: u.StatusMessage, Emoji: u.Emoji})
	}
	return out, nil
}

// ProductivitySettings returns the user's settings or ErrNotFound.
func (m *Memory) ProductivitySettings(_ context.Context, userID int64) (*ProductivitySettings, error) {
	if err := m.failure("ProductivitySettings"); err != nil {
		return nil, err
	}
	defer m.lockState()()
	s, ok := m.state.settings[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// SaveProductivitySettings upserts the user's settings.
func (m *Memory) SaveProductivitySettings(_ context.Context, userID int64, s ProductivitySettings) error {
	if err := m.failure("SaveProductivitySettings"); err != nil {
		return err
	}
	defer m.lockState()()
	m.state.settings[userID] = s
	return nil
}

// RecordProductivityCheck extends the open session or starts one.
func (m *Memory) RecordProductivityCheck(_ context.Context, userID int64, productive bool, at time.Time) (*ProductivitySession, error) {
	if err := m.failure("RecordProductivityCheck"); err != nil {
		return nil, err
	}
	defer m.lockState()()
	if sess, ok := m.state.sessions[userID]; ok {
		sess.LastCheckTime = at
		sess.IsProductive = productive
		cp := *sess
		cp.Continued = true
		return &cp, nil
	}
	m.state.nextID++
	sess := &ProductivitySession{ID: m.state.nextID, UserID: userID, StartTime: at, LastCheckTime: at, IsProductive: productive}
	m.state.sessions[userID] = sess
	cp := *sess
	return &cp, nil
}

// ResetProductivitySession moves a session's start to at.
func (m *Memory) ResetProductivitySession(_ context.Context, sessionID int64, at time.Time) error {
	if err := m.failure("ResetProductivitySession"); err != nil {
		return err
	}
	defer m.lockState()()
	for _, sess := range m.state.sessions {
		if sess.ID == sessionID {
			sess.StartTime = at
			return nil
		}
	}
	return ErrNotFound
}

type memTx struct {
	store *Memory
	state *memState
	done  bool
}

func (t *memTx) check(op string) error {
	if t.done {
		return ErrTxDone
	}
	return t.store.failure(op)
}

func (t *memTx) finish() {
	t.done = true
	t.store.txMu.Unlock()
}

func (t *memTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	if err := t.store.failure("Commit"); err != nil {
		t.finish()
		return fmt.Errorf("commit: %w", err)
	}
	t.store.mu.Lock()
	t.store.state = t.state
	t.store.mu.Unlock()
	t.finish()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.finish()
	return nil
}

func (t *memTx) InsertMessage(_ context.Context, channelID, userID int64, content string, threadID *int64) (*Message, error) {
	if err := t.check("InsertMessage"); err != nil {
		return nil, err
	}
	if _, ok := t.state.users[userID]; !ok {
		return nil, fmt.Errorf("insert message: user %d: %w", userID, ErrNotFound)
	}
	now := t.store.now()
	if threadID != nil {
		th, ok := t.state.threads[*threadID]
		if !ok {
			return nil, fmt.Errorf("bump thread %d: %w", *threadID, ErrNotFound)
		}
		th.ReplyCount++
		at := now
		th.LastReplyAt = &at
	}
	t.state.nextID++
	msg := &Message{ID: t.state.nextID, ChannelID: channelID, UserID: userID, Content: content, ThreadID: threadID, CreatedAt: now}
	t.state.messages[msg.ID] = msg
	cp := *msg
	return &cp, nil
}

func (t *memTx) InsertAttachment(_ context.Context, messageID int64, in AttachmentInput) (*Attachment, error) {
	if err := t.check("InsertAttachment"); err != nil {
		return nil, err
	}
	if _, ok := t.state.messages[messageID]; !ok {
		return nil, ErrNotFound
	}
	a := normalizeAttachment(messageID, in)
	t.state.nextID++
	a.ID = t.state.nextID
	t.state.attachments[messageID] = append(t.state.attachments[messageID], a)
	return &a, nil
}

func (t *memTx) ToggleReaction(_ context.Context, messageID, userID int64, emoji string) (ReactionOutcome, error) {
	if err := t.check("ToggleReaction"); err != nil {
		return "", err
	}
	if _, ok := t.state.messages[messageID]; !ok {
		return "", ErrNotFound
	}
	for i, r := range t.state.reactions {
		if r.messageID == messageID && r.userID == userID && r.emoji == emoji {
			t.state.reactions = slices.Delete(t.state.reactions, i, i+1)
			return ReactionRemoved, nil
		}
	}
	t.state.nextID++
	t.state.reactions = append(t.state.reactions, memReaction{id: t.state.nextID, messageID: messageID, userID: userID, emoji: emoji})
	return ReactionApplied, nil
}

func (t *memTx) FindOrCreateThread(_ context.Context, channelID, parentMessageID int64) (*Thread, bool, error) {
	if err := t.check("FindOrCreateThread"); err != nil {
		return nil, false, err
	}
	for _, th := range t.state.threads {
		if th.ParentMessageID == parentMessageID {
			cp := *th
			return &cp, false, nil
		}
	}
	if _, ok := t.state.messages[parentMessageID]; !ok {
		return nil, false, fmt.Errorf("create thread: parent %d: %w", parentMessageID, ErrNotFound)
	}
	t.state.nextID++
	th := &Thread{ID: t.state.nextID, ChannelID: channelID, ParentMessageID: parentMessageID, CreatedAt: t.store.now()}
	t.state.threads[th.ID] = th
	cp := *th
	return &cp, true, nil
}

func (t *memTx) ReplaceCustomStatus(_ context.Context, userID int64, message string, emoji *string) (*CustomStatus, error) {
	if err := t.check("ReplaceCustomStatus"); err != nil {
		return nil, err
	}
	t.state.nextID++
	cs := &CustomStatus{ID: t.state.nextID, UserID: userID, StatusMessage: message, Emoji: emoji}
	t.state.statuses[userID] = cs
	cp := *cs
	return &cp, nil
}

func (t *memTx) LoadMessage(ctx context.Context, messageID int64) (*MessagePayload, error) {
	if err := t.check("LoadMessage"); err != nil {
		return nil, err
	}
	msg, ok := t.state.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	p := &MessagePayload{
		ID:          msg.ID,
		ChannelID:   msg.ChannelID,
		UserID:      msg.UserID,
		Content:     msg.Content,
		ThreadID:    msg.ThreadID,
		CreatedAt:   msg.CreatedAt,
		Attachments: append([]Attachment{}, t.state.attachments[messageID]...),
		IsDM:        t.state.channels[msg.ChannelID],
	}
	if u, ok := t.state.users[msg.UserID]; ok {
		p.DisplayName = displayName(u)
	}
	p.Reactions, _ = t.LoadReactions(ctx, messageID)
	for _, th := range t.state.threads {
		if th.ParentMessageID == messageID {
			p.IsThreadParent = true
			p.Thread = &ThreadSummary{ID: th.ID, ReplyCount: th.ReplyCount, LastReplyAt: th.LastReplyAt}
		}
	}
	return p, nil
}

func (t *memTx) LoadThread(_ context.Context, threadID int64) (*ThreadPayload, error) {
	if err := t.check("LoadThread"); err != nil {
		return nil, err
	}
	th, ok := t.state.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	p := &ThreadPayload{Thread: *th}
	if parent, ok := t.state.messages[th.ParentMessageID]; ok {
		p.StarterContent = parent.Content
		p.StarterID = parent.UserID
		if u, ok := t.state.users[parent.UserID]; ok {
			p.StarterName = displayName(u)
		}
	}
	return p, nil
}

func (t *memTx) LoadReactions(_ context.Context, messageID int64) (map[string]ReactionSummary, error) {
	if err := t.check("LoadReactions"); err != nil {
		return nil, err
	}
	out := map[string]ReactionSummary{}
	for _, r := range t.state.reactions {
		if r.messageID != messageID {
			continue
		}
		s := out[r.emoji]
		s.Count++
		s.Users = append(s.Users, r.userID)
		out[r.emoji] = s
	}
	return out, nil
}

func displayName(u *User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Email
}

func (s *memState) userSummaries() []UserSummary {
	var out []UserSummary
	for _, id := range slices.Sorted(maps.Keys(s.users)) {
		u := s.users[id]
		sum := UserSummary{ID: u.ID, DisplayName: displayName(u), Email: u.Email, PresenceStatus: u.PresenceStatus}
		if cs, ok := s.statuses[id]; ok {
			msg := cs.StatusMessage
			sum.StatusMessage = &msg
			sum.Emoji = cs.Emoji
		}
		out = append(out, sum)
	}
	return out
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:      s.nextID,
		users:       make(map[int64]*User, len(s.users)),
		lastActive:  maps.Clone(s.lastActive),
		channels:    maps.Clone(s.channels),
		messages:    make(map[int64]*Message, len(s.messages)),
		attachments: make(map[int64][]Attachment, len(s.attachments)),
		reactions:   slices.Clone(s.reactions),
		threads:     make(map[int64]*Thread, len(s.threads)),
		statuses:    make(map[int64]*CustomStatus, len(s.statuses)),
		settings:    maps.Clone(s.settings),
		sessions:    make(map[int64]*ProductivitySession, len(s.sessions)),
	}
	for k, v := range s.users {
		cp := *v
		c.users[k] = &cp
	}
	for k, v := range s.messages {
		cp := *v
		c.messages[k] = &cp
	}
	for k, v := range s.attachments {
		c.attachments[k] = slices.Clone(v)
	}
	for k, v := range s.threads {
		cp := *v
		c.threads[k] = &cp
	}
	for k, v := range s.statuses {
		cp := *v
		c.statuses[k] = &cp
	}
	for k, v := range s.sessions {
		cp := *v
		c.sessions[k] = &cp
	}
	return c
}
