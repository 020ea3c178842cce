package server

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-live/internal/clock"
	"github.com/Tyrowin/gochat-live/internal/telemetry"
)

type typingKey struct {
	contextType string
	contextID   int64
}

type typist struct {
	timer clock.Timer
}

// TypingStore tracks who is typing in each channel or thread. Every member
// expires ttl after its latest start. A context exists only while it has
// members, and each change broadcasts the full member list.
type TypingStore struct {
	mu       sync.Mutex
	contexts map[typingKey]map[int64]*typist

	clock     clock.Clock
	ttl       time.Duration
	broadcast func(payload []byte)
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

// NewTypingStore creates a store whose broadcasts go through broadcast.
func NewTypingStore(clk clock.Clock, ttl time.Duration, broadcast func([]byte), metrics *telemetry.Metrics, logger *slog.Logger) *TypingStore {
	return &TypingStore{
		contexts:  make(map[typingKey]map[int64]*typist),
		clock:     clk,
		ttl:       ttl,
		broadcast: broadcast,
		metrics:   metrics,
		logger:    logger,
	}
}

// Start adds userID to the context, or re-arms its expiry if present.
func (s *TypingStore) Start(contextType string, contextID, userID int64) {
	key := typingKey{contextType: contextType, contextID: contextID}

	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.contexts[key]
	if !ok {
		members = make(map[int64]*typist)
		s.contexts[key] = members
	}
	if prev, ok := members[userID]; ok {
		prev.timer.Stop()
	}

	t := &typist{}
	t.timer = s.clock.AfterFunc(s.ttl, func() { s.expire(key, userID, t) })
	members[userID] = t

	s.publishLocked(key)
}

// Stop removes userID from the context immediately.
func (s *TypingStore) Stop(contextType string, contextID, userID int64) {
	key := typingKey{contextType: contextType, contextID: contextID}

	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.contexts[key]
	if !ok {
		return
	}
	if t, ok := members[userID]; ok {
		t.timer.Stop()
		delete(members, userID)
	}
	s.publishLocked(key)
}

func (s *TypingStore) expire(key typingKey, userID int64, t *typist) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.contexts[key]
	if !ok || members[userID] != t {
		return
	}
	delete(members, userID)
	s.logger.Debug("typing expired", "context_type", key.contextType, "context_id", key.contextID, "user_id", userID)
	s.publishLocked(key)
}

// Members returns the sorted typists of a context.
func (s *TypingStore) Members(contextType string, contextID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membersLocked(typingKey{contextType: contextType, contextID: contextID})
}

// Contexts returns the number of contexts with at least one typist.
func (s *TypingStore) Contexts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}

func (s *TypingStore) membersLocked(key typingKey) []int64 {
	users := make([]int64, 0, len(s.contexts[key]))
	for id := range s.contexts[key] {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// publishLocked broadcasts the context's members and drops the key once
// empty. Broadcasting under s.mu keeps updates for one context in order.
func (s *TypingStore) publishLocked(key typingKey) {
	users := s.membersLocked(key)
	if len(users) == 0 {
		delete(s.contexts, key)
	}
	s.metrics.SetTypingContexts(len(s.contexts))

	payload, err := encode(TypingStatus{
		Type:        TypeTypingStatus,
		ContextType: key.contextType,
		ContextID:   key.contextID,
		Users:       users,
	})
	if err != nil {
		s.logger.Error("encode typing status", "error", err)
		return
	}
	s.broadcast(payload)
}
