package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-live/internal/classifier"
	"github.com/Tyrowin/gochat-live/internal/store"
)

type stubClassifier struct {
	mu      sync.Mutex
	working bool
	err     error
	kinds   []classifier.Kind
}

func (s *stubClassifier) Classify(_ context.Context, _ string, kind classifier.Kind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
	return s.working, s.err
}

func (s *stubClassifier) set(working bool, err error) {
	s.mu.Lock()
	s.working, s.err = working, err
	s.mu.Unlock()
}

func (s *stubClassifier) calls() []classifier.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]classifier.Kind(nil), s.kinds...)
}

func newProductivityEnv(t *testing.T) (*testEnv, *stubClassifier) {
	t.Helper()
	stub := &stubClassifier{working: true}
	env := newTestEnv(t, func(cfg *Config, deps *Dependencies) {
		quietSweeps(cfg, deps)
		deps.Classifier = stub
	})
	return env, stub
}

func enableTracking(t *testing.T, env *testEnv, conn *fakeConn, breakInterval int) {
	t.Helper()
	conn.send(t, env.event(t, 1, TypeUpdateProductivitySettings, map[string]any{
		"settings": map[string]any{
			"tracking_enabled":        true,
			"screen_capture_enabled":  true,
			"break_reminder_interval": breakInterval,
		},
	}))
	var ack SettingsUpdated
	conn.expect(t, TypeSettingsUpdated).decode(t, &ack)
	require.True(t, ack.Success)
}

func screenshot(env *testEnv, t *testing.T, kind string) map[string]any {
	return env.event(t, 1, TypeProductivityScreenshot, map[string]any{
		"data": map[string]any{"screen_image": "data:image/png;base64,iVBORw0KGgo=", "type": kind},
	})
}

func TestProductivitySettingsAreStored(t *testing.T) {
	env, _ := newProductivityEnv(t)
	a := env.login(t, 1)

	enableTracking(t, env, a, 1800)

	settings, err := env.store.ProductivitySettings(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, settings.TrackingEnabled)
	assert.Equal(t, 1800, settings.BreakReminderInterval)

	a.send(t, env.event(t, 1, TypeUpdateProductivitySettings, nil))
	a.expectError(t, "settings are required")
}

func TestScreenshotIgnoredWhileTrackingDisabled(t *testing.T) {
	env, stub := newProductivityEnv(t)
	a := env.login(t, 1)

	a.send(t, screenshot(env, t, "screen"))
	a.expectNone(t, TypeError)
	assert.Empty(t, stub.calls())
}

func TestScreenshotValidation(t *testing.T) {
	env, stub := newProductivityEnv(t)
	a := env.login(t, 1)
	enableTracking(t, env, a, 0)

	a.send(t, env.event(t, 1, TypeProductivityScreenshot, map[string]any{"data": map[string]any{"type": "screen"}}))
	a.expectError(t, "No screen image provided")

	a.send(t, screenshot(env, t, "microphone"))
	a.expectError(t, "type must be screen or webcam")
	assert.Empty(t, stub.calls())
}

func TestNotWorkingSendsReminderAndPresence(t *testing.T) {
	env, stub := newProductivityEnv(t)
	a := env.login(t, 1)
	b := env.login(t, 2)
	enableTracking(t, env, a, 0)
	stub.set(false, nil)

	a.send(t, screenshot(env, t, "webcam"))

	var reminder Reminder
	a.expect(t, TypeProductivityReminder).decode(t, &reminder)
	assert.Equal(t, "Time to get back to work!", reminder.Message)
	b.expectPresence(t, 1, store.PresenceIdleAndNotWorking)
	assert.Equal(t, []classifier.Kind{classifier.KindWebcam}, stub.calls())
}

func TestBreakReminderAfterInterval(t *testing.T) {
	env, _ := newProductivityEnv(t)
	a := env.login(t, 1)
	b := env.login(t, 2)
	enableTracking(t, env, a, 60)

	a.send(t, screenshot(env, t, ""))
	b.expectPresence(t, 1, store.PresenceProductiveWorking)
	a.expectNone(t, TypeBreakReminder)

	env.clock.Advance(2 * time.Minute)
	a.send(t, screenshot(env, t, "screen"))
	var reminder Reminder
	a.expect(t, TypeBreakReminder).decode(t, &reminder)
	assert.Equal(t, "Time for a short break! You've been working for a while.", reminder.Message)

	// the session restarted with the reminder
	a.send(t, screenshot(env, t, "screen"))
	a.expectNone(t, TypeBreakReminder)
}

func TestClassifierFailureLeavesPresenceUnchanged(t *testing.T) {
	env, stub := newProductivityEnv(t)
	a := env.login(t, 1)
	b := env.login(t, 2)
	enableTracking(t, env, a, 0)
	stub.set(false, errors.New("vision API returned 503"))

	a.send(t, screenshot(env, t, "screen"))

	a.expectError(t, "Failed to process productivity tracking")
	b.expectNoPresence(t, 1, store.PresenceIdleAndNotWorking)
	assert.Eventually(t, func() bool { return env.store.Presence(1) == store.PresenceOnline }, waitTimeout, time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.CollaboratorFailures.WithLabelValues("classifier")), 0)
}
