package registry

import (
	"sync"
	"sync/atomic"

	"relayd/pkg/logger"
	"relayd/pkg/models"
)

// Sender pushes one message frame to a client. Implementations must not
// block the caller for long; the transport edge is expected to buffer and
// fail fast when the client cannot keep up.
type Sender interface {
	Send(seq uint64, content string) error
}

// Session is one live client connection on this process. It is created by
// Register, mutated only by the owning process, and never persisted.
type Session struct {
	ID        string
	Recovered bool

	sender Sender
	offset atomic.Uint64
	closed atomic.Bool

	// mu serializes sends with the replay window so a broadcast racing
	// the backfill can neither duplicate nor overtake a replayed sequence.
	mu        sync.Mutex
	replaying bool
	pending   []frame
}

type frame struct {
	seq     uint64
	content string
}

// KnownOffset returns the highest sequence the client is known to have seen.
func (s *Session) KnownOffset() uint64 {
	return s.offset.Load()
}

// Deliver sends one live message to this session and advances its offset
// to max(offset, seq). During a recovery replay the message is buffered
// instead and flushed by FinishReplay.
func (s *Session) Deliver(seq uint64, content string) error {
	if s.closed.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaying {
		s.pending = append(s.pending, frame{seq: seq, content: content})
		return nil
	}
	return s.send(seq, content)
}

// BeginReplay opens the one-shot recovery window: live deliveries buffer
// until FinishReplay. Call it before reading the replay snapshot — any
// delivery completed before the switch has already advanced the offset,
// so the snapshot read excludes it.
func (s *Session) BeginReplay() {
	s.mu.Lock()
	s.replaying = true
	s.mu.Unlock()
}

// Replay sends one backfilled message directly, bypassing the live
// buffer. The caller owns ordering.
func (s *Session) Replay(seq uint64, content string) error {
	if s.closed.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send(seq, content)
}

// FinishReplay closes the recovery window and flushes buffered live
// deliveries in arrival order, skipping sequences the replay already
// covered. Safe on a session that never entered replay.
func (s *Session) FinishReplay(lastReplayed uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaying = false
	pending := s.pending
	s.pending = nil
	var firstErr error
	for _, f := range pending {
		if f.seq <= lastReplayed {
			continue
		}
		if err := s.send(f.seq, f.content); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// send pushes one frame and advances the offset. Callers hold mu.
func (s *Session) send(seq uint64, content string) error {
	if err := s.sender.Send(seq, content); err != nil {
		return err
	}
	s.advance(seq)
	return nil
}

func (s *Session) advance(seq uint64) {
	for {
		cur := s.offset.Load()
		if seq <= cur || s.offset.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Registry is the per-process table of live sessions. All mutation goes
// through its mutex; senders are invoked outside of hot per-session state
// but under the read lock, so they must be quick.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func New() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register creates a session for a newly accepted connection. The offset is
// the client's advertised known offset, zero for a new client.
func (r *Registry) Register(id string, offset uint64, recovered bool, snd Sender) *Session {
	s := &Session{ID: id, Recovered: recovered, sender: snd}
	s.offset.Store(offset)
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	logger.Debug("session_registered", "conn", id, "offset", offset, "recovered", recovered)
	return s
}

// Unregister removes a session. Idempotent.
func (r *Registry) Unregister(s *Session) {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
	logger.Debug("session_unregistered", "conn", s.ID, "offset", s.KnownOffset())
}

// LocalBroadcast delivers the envelope to every registered session on this
// process. A failure delivering to one session is logged and never aborts
// delivery to the others. Returns the number of successful deliveries.
func (r *Registry) LocalBroadcast(env models.Envelope) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Deliver(env.Sequence, env.Content); err != nil {
			logger.Warn("broadcast_delivery_failed", "conn", s.ID, "seq", env.Sequence, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
