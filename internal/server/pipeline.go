package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Tyrowin/gochat-live/internal/store"
	"github.com/Tyrowin/gochat-live/internal/telemetry"
)

type eventHandler func(ctx context.Context, c *Client, msg *inbound) error

// Stage is one persisted event kind. runStage drives it through
// validate, token check, transaction, broadcast and then detached side
// effects. Nothing is broadcast unless the transaction committed.
type Stage[T any] struct {
	Name string
	// Failure is the client-facing message for persistence errors.
	Failure  string
	Validate func(msg *inbound) error
	// Transact performs every write and the reads needed for the broadcast
	// in one transaction.
	Transact  func(ctx context.Context, tx store.Tx, userID int64, msg *inbound) (T, error)
	Broadcast func(result T) []any
	// After runs detached once the broadcast is queued. Its failures are
	// logged only.
	After func(ctx context.Context, result T)
}

func stageHandler[T any](h *Hub, st Stage[T]) eventHandler {
	return func(ctx context.Context, c *Client, msg *inbound) error {
		return runStage(ctx, h, c, msg, st)
	}
}

func runStage[T any](ctx context.Context, h *Hub, c *Client, msg *inbound, st Stage[T]) error {
	if st.Validate != nil {
		if err := st.Validate(msg); err != nil {
			return err
		}
	}

	id, err := h.verifyEventToken(c, msg.Token)
	if err != nil {
		return err
	}

	result, err := commitStage(ctx, h, c, id.UserID, msg, st)
	if err != nil {
		// checks that need the store report their own kind
		var evErr *EventError
		if errors.As(err, &evErr) {
			return evErr
		}
		return persistenceError(st.Failure, err)
	}

	for _, envelope := range st.Broadcast(result) {
		h.broadcast(envelope)
	}

	if st.After != nil {
		h.detach(ctx, st.Name, func(ctx context.Context) { st.After(ctx, result) })
	}
	return nil
}

func commitStage[T any](ctx context.Context, h *Hub, c *Client, userID int64, msg *inbound, st Stage[T]) (result T, err error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()

	tx, err := h.store.Begin(ctx)
	if err != nil {
		return result, err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, store.ErrTxDone) {
			c.log().Warn("rollback failed", "event", st.Name, "error", rbErr)
		}
	}()

	result, err = st.Transact(ctx, tx, userID, msg)
	if err != nil {
		return result, err
	}
	if err = tx.Commit(); err != nil {
		return result, err
	}
	committed = true
	return result, nil
}

// dispatch decodes one inbound frame and routes it. Every failure is reported
// to c alone; the connection stays open.
func (h *Hub) dispatch(c *Client, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log().Debug("invalid message", "error", err)
		h.replyError(c, validationError("invalid message format"))
		return
	}

	if msg.Type == TypeAuthenticate {
		h.authenticate(c, &msg)
		return
	}

	if !c.admitted() {
		h.replyError(c, authError("authentication required", nil))
		return
	}

	if registered, wasIdle := h.registry.Touch(c); registered && wasIdle {
		h.presence.Transition(c.UserID(), store.PresenceOnline)
	}

	handler, ok := h.handlers[msg.Type]
	if !ok {
		c.log().Debug("unknown event type", "event", msg.Type)
		h.replyError(c, validationError("unknown event type"))
		return
	}

	start := time.Now()
	ctx, span := h.tracer.StartEvent(context.Background(), msg.Type, c.UserID())
	err := handler(ctx, c, &msg)
	telemetry.RecordError(span, err)
	span.End()

	outcome, level := outcomeOf(err)
	h.metrics.PipelineEvent(msg.Type, outcome, time.Since(start).Seconds())
	if err == nil {
		return
	}

	c.log().Log(ctx, level, "event failed", "event", msg.Type, "error", err)
	var evErr *EventError
	if !errors.As(err, &evErr) {
		evErr = persistenceError("internal error", err)
	}
	h.replyError(c, evErr)
}

// detach runs fn on its own goroutine with the collaborator timeout. The
// span context of ctx is kept; its cancellation is not.
func (h *Hub) detach(ctx context.Context, name string, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	h.effects.Add(1)
	go func() {
		defer h.effects.Done()
		ctx, cancel := context.WithTimeout(ctx, h.cfg.CollaboratorTimeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("recovered from panic in side effect", "event", name, "panic", r)
			}
		}()
		fn(ctx)
	}()
}

func (h *Hub) send(c *Client, v any) bool {
	payload, err := encode(v)
	if err != nil {
		h.logger.Error("encode envelope", "error", err)
		return false
	}
	return h.fanout.SendTo(c, payload)
}

func (h *Hub) broadcast(v any) int {
	payload, err := encode(v)
	if err != nil {
		h.logger.Error("encode envelope", "error", err)
		return 0
	}
	return h.fanout.Broadcast(payload)
}

func (h *Hub) replyError(c *Client, err *EventError) {
	h.send(c, ErrorReply{Type: TypeError, Message: err.Message})
}
