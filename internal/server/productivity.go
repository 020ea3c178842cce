package server

import (
	"context"
	"errors"
	"time"

	"github.com/Tyrowin/gochat-live/internal/classifier"
	"github.com/Tyrowin/gochat-live/internal/store"
)

const (
	productivityReminderText = "Time to get back to work!"
	breakReminderText        = "Time for a short break! You've been working for a while."
)

func (h *Hub) handleProductivitySettings(ctx context.Context, c *Client, msg *inbound) error {
	if msg.Settings == nil {
		return validationError("settings are required")
	}
	if msg.Settings.BreakReminderInterval < 0 {
		return validationError("break_reminder_interval must not be negative")
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()

	if err := h.store.SaveProductivitySettings(ctx, c.UserID(), *msg.Settings); err != nil {
		return persistenceError("Failed to update productivity settings", err)
	}
	h.send(c, SettingsUpdated{Type: TypeSettingsUpdated, Success: true})
	return nil
}

// handleProductivityScreenshot classifies a capture and moves the user to
// productive_working or idle_and_not_working. Captures are ignored while
// tracking is disabled or no classifier is configured.
func (h *Hub) handleProductivityScreenshot(ctx context.Context, c *Client, msg *inbound) error {
	if msg.Data == nil || msg.Data.ScreenImage == "" {
		return validationError("No screen image provided")
	}
	kind := classifier.Kind(msg.Data.Type)
	if kind == "" {
		kind = classifier.KindScreen
	}
	if kind != classifier.KindScreen && kind != classifier.KindWebcam {
		return validationError("type must be screen or webcam")
	}

	userID := c.UserID()
	logger := c.log()

	settings, err := h.loadSettings(ctx, userID)
	if err != nil {
		return persistenceError("Failed to process productivity tracking", err)
	}
	if settings == nil || !settings.TrackingEnabled {
		logger.Debug("productivity tracking disabled; ignoring capture")
		return nil
	}
	if h.classifier == nil {
		logger.Debug("no classifier configured; ignoring capture")
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, h.cfg.CollaboratorTimeout)
	working, err := h.classifier.Classify(cctx, msg.Data.ScreenImage, kind)
	cancel()
	if err != nil {
		h.metrics.CollaboratorFailed("classifier")
		return collaboratorError("Failed to process productivity tracking", err)
	}

	now := h.clock.Now()
	sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()

	session, err := h.store.RecordProductivityCheck(sctx, userID, working, now)
	if err != nil {
		return persistenceError("Failed to process productivity tracking", err)
	}

	if working {
		h.presence.Transition(userID, store.PresenceProductiveWorking)
	} else {
		h.presence.Transition(userID, store.PresenceIdleAndNotWorking)
		h.send(c, Reminder{Type: TypeProductivityReminder, Message: productivityReminderText})
		return nil
	}

	interval := time.Duration(settings.BreakReminderInterval) * time.Second
	if !session.Continued || interval <= 0 || now.Sub(session.StartTime) < interval {
		return nil
	}

	h.send(c, Reminder{Type: TypeBreakReminder, Message: breakReminderText})
	if err := h.store.ResetProductivitySession(sctx, session.ID, now); err != nil {
		logger.Warn("reset productivity session", "session_id", session.ID, "error", err)
	}
	return nil
}

func (h *Hub) loadSettings(ctx context.Context, userID int64) (*store.ProductivitySettings, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()

	settings, err := h.store.ProductivitySettings(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return settings, err
}
