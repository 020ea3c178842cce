package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-live/internal/classifier"
	"github.com/Tyrowin/gochat-live/internal/clock"
	"github.com/Tyrowin/gochat-live/internal/indexer"
	"github.com/Tyrowin/gochat-live/internal/store"
	"github.com/Tyrowin/gochat-live/internal/telemetry"
)

// Dependencies are the collaborators of a Hub. Store and Verifier are
// required; the rest fall back to no-op or default implementations.
type Dependencies struct {
	Store      store.Store
	Verifier   TokenVerifier
	Indexer    indexer.Indexer
	Classifier classifier.Classifier
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
	Tracer     *telemetry.Tracer
}

// Hub owns every connection and the shared state they act on.
type Hub struct {
	cfg        Config
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	verifier   TokenVerifier
	store      store.Store
	indexer    indexer.Indexer
	classifier classifier.Classifier

	registry *Registry
	fanout   *Fanout
	presence *Presence
	typing   *TypingStore
	liveness *LivenessMonitor
	handlers map[string]eventHandler
	origins  *originPolicy
	upgrader websocket.Upgrader

	// clients holds every open connection, authenticated or not.
	clients map[*Client]struct{}
	mutex   sync.Mutex

	wg      sync.WaitGroup // client pumps
	effects sync.WaitGroup // detached side effects

	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	started      atomic.Bool
	workerCancel context.CancelFunc
	workerDone   chan struct{}
}

// NewHub wires the core components. Call Run before serving connections.
func NewHub(cfg Config, deps Dependencies) (*Hub, error) {
	if deps.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("server: token verifier is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Indexer == nil {
		deps.Indexer = indexer.Noop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NoopTracer()
	}
	cfg = cfg.Sanitize()

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:        cfg,
		clock:      deps.Clock,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		verifier:   deps.Verifier,
		store:      deps.Store,
		indexer:    deps.Indexer,
		classifier: deps.Classifier,
		clients:    make(map[*Client]struct{}),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}

	h.registry = NewRegistry(h.clock.Now, h.metrics)
	h.fanout = NewFanout(h.registry, h.metrics)
	h.presence = NewPresence(h.registry, h.fanout, h.store, cfg.StoreTimeout, h.metrics, h.logger.With("component", "presence"))
	h.typing = NewTypingStore(h.clock, cfg.TypingTTL, func(p []byte) { h.fanout.Broadcast(p) }, h.metrics, h.logger.With("component", "typing"))
	h.liveness = NewLivenessMonitor(h.registry, h.presence, h.clock, cfg.IdleThreshold, h.metrics, h.logger.With("component", "liveness"))
	h.handlers = h.eventHandlers()
	h.origins = newOriginPolicy(cfg.AllowedOrigins, h.logger)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.checkOrigin,
	}
	return h, nil
}

// Registry exposes the connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Typing exposes the typing indicator store.
func (h *Hub) Typing() *TypingStore { return h.typing }

// Run starts the presence worker and the liveness sweeps, and blocks until
// Shutdown is called.
func (h *Hub) Run() {
	h.mutex.Lock()
	if h.ctx.Err() != nil || h.started.Load() {
		h.mutex.Unlock()
		return
	}
	h.started.Store(true)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	h.workerCancel = workerCancel
	h.mutex.Unlock()
	defer close(h.done)

	go func() {
		defer close(h.workerDone)
		h.presence.Run(workerCtx)
	}()

	heartbeat := h.clock.NewTicker(h.cfg.HeartbeatInterval)
	idle := h.clock.NewTicker(h.cfg.IdleSweepInterval)
	defer heartbeat.Stop()
	defer idle.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return
		case <-heartbeat.C():
			h.liveness.heartbeatSweep()
		case <-idle.C():
			h.liveness.idleSweep()
		}
	}
}

// ServeConn takes ownership of an upgraded connection: it is tracked, its
// handshake timer armed and its pumps started.
func (h *Hub) ServeConn(conn Conn, addr string) *Client {
	c := newClient(h, conn, addr)

	h.mutex.Lock()
	if h.ctx.Err() != nil {
		h.mutex.Unlock()
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.writeClose()
		c.closeConnection()
		return c
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.wg.Add(2)
	h.mutex.Unlock()

	c.log().Debug("connection opened", "connections", count)
	h.startHandshake(c)

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
	return c
}

// disconnect runs once the read pump of c has ended.
func (h *Hub) disconnect(c *Client) {
	c.mu.Lock()
	prev := c.state
	c.state = stateClosed
	if c.grace != nil {
		c.grace.Stop()
	}
	userID := c.identity.UserID
	c.mu.Unlock()

	if prev == statePending {
		h.metrics.AddPendingHandshakes(-1)
	}
	c.terminate()

	h.mutex.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mutex.Unlock()

	if prev == stateAdmitted && h.registry.Remove(c) {
		h.presence.Transition(userID, store.PresenceOffline)
	}
	c.log().Debug("connection closed", "connections", count)
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mutex.Unlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	h.logger.Info("closing client connections", "count", len(clients))
}

// Shutdown closes every connection, waits for the pumps, drains queued
// presence transitions and waits for detached side effects, all within
// timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")
	deadline := time.Now().Add(timeout)

	h.mutex.Lock()
	h.cancel()
	h.mutex.Unlock()

	if !h.started.Load() {
		h.shutdownClients()
		return waitUntil(&h.wg, deadline)
	}
	<-h.done

	var errs []error
	if err := waitUntil(&h.wg, deadline); err != nil {
		errs = append(errs, errors.New("client pumps still running"))
	}

	h.mutex.Lock()
	workerCancel := h.workerCancel
	h.mutex.Unlock()
	workerCancel()
	select {
	case <-h.workerDone:
	case <-time.After(time.Until(deadline)):
		errs = append(errs, errors.New("presence worker still running"))
	}

	if err := waitUntil(&h.effects, deadline); err != nil {
		errs = append(errs, errors.New("side effects still running"))
	}

	if len(errs) > 0 {
		h.logger.Warn("hub shutdown timeout reached", "error", errors.Join(errs...))
		return context.DeadlineExceeded
	}
	h.logger.Info("hub shutdown completed")
	return nil
}

func waitUntil(wg *sync.WaitGroup, deadline time.Time) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(time.Until(deadline)):
		return context.DeadlineExceeded
	}
}
