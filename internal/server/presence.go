package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-live/internal/store"
	"github.com/Tyrowin/gochat-live/internal/telemetry"
)

type presenceChange struct {
	userID int64
	status store.PresenceStatus
}

// Presence is the presence state machine. Transitions are queued without
// blocking and applied in order by one worker: persist, then broadcast.
//
// offline is only broadcast while the user is absent from the registry and
// every other status only while present. The check runs under the registry
// lock at broadcast time, so a stale transition is dropped instead of
// contradicting the registry.
type Presence struct {
	registry *Registry
	fanout   *Fanout
	store    store.Store
	timeout  time.Duration
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	queue []presenceChange
	wake  chan struct{}
}

// NewPresence creates the state machine. Run must be started to apply
// transitions.
func NewPresence(registry *Registry, fanout *Fanout, st store.Store, timeout time.Duration, metrics *telemetry.Metrics, logger *slog.Logger) *Presence {
	return &Presence{
		registry: registry,
		fanout:   fanout,
		store:    st,
		timeout:  timeout,
		metrics:  metrics,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Transition queues a status change for userID.
func (p *Presence) Transition(userID int64, status store.PresenceStatus) {
	p.mu.Lock()
	p.queue = append(p.queue, presenceChange{userID: userID, status: status})
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run applies queued transitions until ctx is cancelled, then drains what is
// left so final offline states still reach the store.
func (p *Presence) Run(ctx context.Context) {
	for {
		select {
		case <-p.wake:
			p.drain()
		case <-ctx.Done():
			p.drain()
			return
		}
	}
}

func (p *Presence) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		change := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.apply(change)
	}
}

func (p *Presence) apply(change presenceChange) {
	logger := p.logger.With("user_id", change.userID, "status", change.status)
	registered := change.status != store.PresenceOffline

	if p.registry.Contains(change.userID) != registered {
		logger.Debug("presence transition superseded by registry change")
		return
	}

	if err := p.persist(change); err != nil {
		logger.Warn("persist presence", "error", err)
	}

	payload, err := encode(PresenceUpdate{Type: TypePresenceUpdate, UserID: change.userID, Status: change.status})
	if err != nil {
		logger.Error("encode presence update", "error", err)
		return
	}

	delivered := p.registry.broadcastIf(change.userID, registered, func(c *Client) {
		p.fanout.deliver(c, payload)
	})
	if !delivered {
		logger.Debug("presence transition superseded by registry change")
		return
	}
	p.metrics.PresenceTransition(string(change.status))
	logger.Debug("presence broadcast")
}

func (p *Presence) persist(change presenceChange) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.store.SetPresence(ctx, change.userID, change.status); err != nil {
		return err
	}
	if change.status == store.PresenceOnline || change.status == store.PresenceOffline {
		return p.store.UpdateLastActive(ctx, change.userID)
	}
	return nil
}
