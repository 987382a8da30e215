// Package relay orchestrates the message flow: durable accept with
// idempotent retry, local and cross-process broadcast, and recovery
// replay for reconnecting clients.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"relayd/pkg/backplane"
	"relayd/pkg/logger"
	"relayd/pkg/models"
	"relayd/pkg/registry"
	"relayd/pkg/store"
	"relayd/pkg/telemetry"
)

var (
	// ErrRateLimited rejects a publish that exceeds the per-connection
	// budget. The message was not accepted; the client may retry with the
	// same token.
	ErrRateLimited = errors.New("publish rate limited")
	// ErrReplayFailed reports that a session could not backfill history.
	// The session stays live for new messages; only this client is
	// affected.
	ErrReplayFailed = errors.New("recovery replay failed")
)

// Limits configures per-connection publish rate limiting.
type Limits struct {
	PublishRPS   float64
	PublishBurst int
}

// Core drives the per-connection state machine: Connecting (Connect,
// one-shot recovery) then Active (Publish, broadcasts) then Closed
// (Disconnect, terminal).
type Core struct {
	nodeID string
	log    *store.Log
	reg    *registry.Registry
	bp     backplane.Backplane
	limits *limiterPool

	// highest sequence applied per origin node; catches token-less
	// redeliveries from the at-least-once fabric
	originMu   sync.Mutex
	originHigh map[string]uint64
}

// New wires the core to its collaborators and subscribes it to the
// backplane.
func New(nodeID string, log *store.Log, reg *registry.Registry, bp backplane.Backplane, lim Limits) *Core {
	c := &Core{
		nodeID:     nodeID,
		log:        log,
		reg:        reg,
		bp:         bp,
		limits:     newLimiterPool(lim.PublishRPS, lim.PublishBurst),
		originHigh: make(map[string]uint64),
	}
	bp.Subscribe(c.handleEnvelope)
	return c
}

// NodeID returns the id this process stamps on outgoing envelopes.
func (c *Core) NodeID() string { return c.nodeID }

// Connect registers a session and, unless the transport resumed it,
// replays every stored message past the client's known offset to that
// session alone. A replay failure is returned wrapped in ErrReplayFailed:
// the session is still registered and live, it just lacks history.
func (c *Core) Connect(ctx context.Context, connID string, offset uint64, recovered bool, snd registry.Sender) (*registry.Session, error) {
	sess := c.reg.Register(connID, offset, recovered, snd)
	telemetry.LiveSessions.Set(float64(c.reg.Len()))

	if sess.Recovered {
		logger.Debug("session_resumed", "conn", connID, "offset", offset)
		return sess, nil
	}
	sess.BeginReplay()
	if err := c.replay(ctx, sess); err != nil {
		telemetry.ReplayFailures.Inc()
		logger.Warn("replay_failed", "conn", connID, "offset", offset, "error", err)
		return sess, fmt.Errorf("%w: %v", ErrReplayFailed, err)
	}
	return sess, nil
}

// replay backfills the session from the log. Live broadcasts buffer in
// the session until FinishReplay, which flushes everything newer than
// the replayed tail, so the client sees each sequence exactly once and
// in order. Every exit path closes the window.
func (c *Core) replay(ctx context.Context, sess *registry.Session) error {
	msgs, err := c.log.ReadFrom(sess.KnownOffset())
	if err != nil {
		_ = sess.FinishReplay(0)
		return err
	}
	var last uint64
	for _, m := range msgs {
		// a client that disconnects mid-recovery aborts the rest of the
		// replay; there is no partial-commit state to clean up
		if ctx.Err() != nil {
			_ = sess.FinishReplay(last)
			return nil
		}
		// a send failure here means the client is missing history it was
		// promised; the caller reports it so the client can reconnect
		if err := sess.Replay(m.Sequence, m.Content); err != nil {
			_ = sess.FinishReplay(last)
			return fmt.Errorf("deliver seq %d: %v", m.Sequence, err)
		}
		last = m.Sequence
		telemetry.MessagesReplayed.Inc()
	}
	if len(msgs) > 0 {
		logger.Debug("replay_complete", "conn", sess.ID, "messages", len(msgs), "offset", sess.KnownOffset())
	}
	return sess.FinishReplay(last)
}

// Publish accepts a message from a session. On success the message is
// durably stored and broadcast locally and via the backplane before the
// call returns. A duplicate token acknowledges the earlier accept: the
// returned message carries the original sequence, duplicate is true and
// nothing is re-broadcast. A store failure is returned to the caller,
// who may retry with the same token.
func (c *Core) Publish(ctx context.Context, sess *registry.Session, token, content string) (models.Message, bool, error) {
	if !c.limits.allow(sess.ID) {
		return models.Message{}, false, ErrRateLimited
	}

	m, err := c.log.Append(token, content)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		telemetry.DuplicatePublishes.Inc()
		logger.Debug("duplicate_publish", "conn", sess.ID, "token", token, "seq", m.Sequence)
		return m, true, nil
	case err != nil:
		telemetry.PublishFailures.Inc()
		logger.Error("publish_append_failed", "conn", sess.ID, "error", err)
		return models.Message{}, false, err
	}
	telemetry.MessagesAccepted.Inc()

	env := m.Envelope(c.nodeID)
	delivered := c.reg.LocalBroadcast(env)
	telemetry.BroadcastDeliveries.Add(float64(delivered))

	// a backplane failure degrades to local-only delivery; the publish
	// itself already succeeded and is acknowledged as such
	if err := c.bp.Publish(ctx, env); err != nil {
		logger.Warn("backplane_publish_failed", "seq", m.Sequence, "error", err)
	}
	return m, false, nil
}

// handleEnvelope applies a message accepted on a sibling process: append
// it to the local log so history stays replayable here, then broadcast
// under the locally assigned sequence. The at-least-once fabric may
// redeliver: tokened envelopes dedup at the store, and the per-origin
// high-water catches token-less redeliveries (origin sequences are
// assigned in publish order, so an already-applied one never grows).
func (c *Core) handleEnvelope(env models.Envelope) {
	c.originMu.Lock()
	seen := env.Sequence <= c.originHigh[env.Origin]
	c.originMu.Unlock()
	if seen {
		return
	}
	m, err := c.log.Append(env.Token, env.Content)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		c.markOrigin(env.Origin, env.Sequence)
		return
	case err != nil:
		logger.Error("remote_append_failed", "origin", env.Origin, "origin_seq", env.Sequence, "error", err)
		return
	}
	c.markOrigin(env.Origin, env.Sequence)
	delivered := c.reg.LocalBroadcast(m.Envelope(c.nodeID))
	telemetry.BroadcastDeliveries.Add(float64(delivered))
}

func (c *Core) markOrigin(origin string, seq uint64) {
	c.originMu.Lock()
	if seq > c.originHigh[origin] {
		c.originHigh[origin] = seq
	}
	c.originMu.Unlock()
}

// Disconnect closes the session. Closed is terminal; registry cleanup is
// unconditional and idempotent.
func (c *Core) Disconnect(sess *registry.Session) {
	if sess == nil {
		return
	}
	c.reg.Unregister(sess)
	c.limits.forget(sess.ID)
	telemetry.LiveSessions.Set(float64(c.reg.Len()))
}

// Stats is a point-in-time view for the admin surface. Retained can be
// smaller than LastSeq once retention has pruned.
type Stats struct {
	Node             string `json:"node"`
	Sessions         int    `json:"sessions"`
	LastSeq          uint64 `json:"last_seq"`
	Retained         int    `json:"retained"`
	BackplaneHealthy bool   `json:"backplane_healthy"`
}

func (c *Core) Stats() Stats {
	st := Stats{
		Node:             c.nodeID,
		Sessions:         c.reg.Len(),
		LastSeq:          c.log.LastSeq(),
		BackplaneHealthy: c.bp.Healthy(),
	}
	if ls, err := c.log.Stats(); err == nil {
		st.Retained = ls.Messages
	}
	return st
}

// Healthy reports whether the core can accept publishes.
func (c *Core) Healthy() bool {
	return c.log.Ready()
}
