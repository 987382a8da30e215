package backplane

import (
	"context"
	"sync"

	"relayd/pkg/models"
	"relayd/pkg/telemetry"
)

// Bus is an in-process fabric shared by Memory backplanes. It stands in
// for the Redis channel when running single-node and in tests.
type Bus struct {
	mu      sync.RWMutex
	members []*Memory
}

func NewBus() *Bus {
	return &Bus{}
}

// Memory is a Backplane attached to a Bus. Every member receives every
// published envelope, including the publisher; origin filtering happens
// on the subscriber side exactly like the Redis implementation.
type Memory struct {
	bus    *Bus
	origin string

	mu      sync.RWMutex
	handler Handler
	closed  bool
}

// Join attaches a new member identified by the given origin node id.
func (b *Bus) Join(origin string) *Memory {
	m := &Memory{bus: b, origin: origin}
	b.mu.Lock()
	b.members = append(b.members, m)
	b.mu.Unlock()
	return m
}

// NewMemory returns a backplane on a private bus: a single-node fabric
// that satisfies the interface without any cross-process reach.
func NewMemory(origin string) *Memory {
	return NewBus().Join(origin)
}

func (m *Memory) Publish(_ context.Context, env models.Envelope) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil
	}
	telemetry.BackplanePublished.Inc()

	m.bus.mu.RLock()
	members := append([]*Memory(nil), m.bus.members...)
	m.bus.mu.RUnlock()
	for _, member := range members {
		member.receive(env)
	}
	return nil
}

func (m *Memory) receive(env models.Envelope) {
	m.mu.RLock()
	h := m.handler
	closed := m.closed
	m.mu.RUnlock()
	if closed || h == nil || env.Origin == m.origin {
		return
	}
	telemetry.BackplaneReceived.Inc()
	h(env)
}

func (m *Memory) Subscribe(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *Memory) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
