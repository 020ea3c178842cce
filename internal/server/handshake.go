package server

import (
	"context"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/store"
)

// TokenVerifier validates bearer tokens. *auth.JWTService implements it.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

var _ TokenVerifier = (*auth.JWTService)(nil)

// startHandshake arms the grace timer of a freshly opened connection.
func (h *Hub) startHandshake(c *Client) {
	h.metrics.AddPendingHandshakes(1)

	c.mu.Lock()
	c.grace = h.clock.AfterFunc(h.cfg.AuthTimeout, func() { h.handshakeExpired(c) })
	c.mu.Unlock()
}

func (h *Hub) handshakeExpired(c *Client) {
	c.mu.Lock()
	if c.state != statePending {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	c.mu.Unlock()

	h.metrics.AddPendingHandshakes(-1)
	c.log().Info("authentication timeout", "grace", h.cfg.AuthTimeout)
	c.closeWith(CloseAuthTimeout, "authentication timeout")
}

// authenticate runs the handshake for c. Success admits c into the registry,
// acknowledges, sends the presence snapshot and queues the online
// transition. Failure closes the connection with CloseAuthFailed.
func (h *Hub) authenticate(c *Client, msg *inbound) {
	c.mu.Lock()
	switch c.state {
	case stateAdmitted:
		c.mu.Unlock()
		h.replyError(c, validationError("already authenticated"))
		return
	case stateClosed:
		c.mu.Unlock()
		return
	}

	id, err := h.verifier.Verify(msg.Token)
	if err != nil || id.UserID <= 0 {
		c.state = stateClosed
		c.grace.Stop()
		c.mu.Unlock()

		h.metrics.AddPendingHandshakes(-1)
		c.log().Info("authentication failed", "error", err)
		c.closeWith(CloseAuthFailed, "authentication failed")
		return
	}

	c.state = stateAdmitted
	c.identity = id
	c.grace.Stop()
	c.logger = c.logger.With("user_id", id.UserID)
	logger := c.logger
	c.mu.Unlock()

	h.metrics.AddPendingHandshakes(-1)

	if replaced := h.registry.Admit(c); replaced != nil {
		replaced.retire()
		replaced.log().Info("session replaced by a newer connection", "conn_id", c.id)
		replaced.closeWith(CloseSessionReplaced, "session replaced")
	}
	logger.Info("client authenticated", "registered", h.registry.Len())

	h.send(c, AuthSuccess{Type: TypeAuthSuccess, UserID: id.UserID})
	h.presence.Transition(id.UserID, store.PresenceOnline)
	h.sendPresenceSnapshot(c)
}

// sendPresenceSnapshot sends every user's stored presence to c alone.
func (h *Hub) sendPresenceSnapshot(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
	defer cancel()

	entries, err := h.store.ListPresence(ctx)
	if err != nil {
		c.log().Warn("load presence snapshot", "error", err)
		return
	}
	if entries == nil {
		entries = []store.PresenceEntry{}
	}
	// the caller's online transition may still be queued
	for i := range entries {
		if entries[i].ID == c.UserID() {
			entries[i].PresenceStatus = store.PresenceOnline
		}
	}
	h.send(c, BulkPresenceUpdate{Type: TypeBulkPresenceUpdate, PresenceData: entries})
}

// verifyEventToken checks the short-lived token carried by an event. It must
// be valid and name the connection's user.
func (h *Hub) verifyEventToken(c *Client, token string) (auth.Identity, error) {
	if !c.admitted() {
		return auth.Identity{}, authError("session closed", nil)
	}
	if token == "" {
		return auth.Identity{}, authError("token required", nil)
	}
	id, err := h.verifier.Verify(token)
	if err != nil {
		return auth.Identity{}, authError("invalid or expired token", err)
	}
	if id.UserID != c.UserID() {
		return auth.Identity{}, authError("token does not match connection", nil)
	}
	return id, nil
}
