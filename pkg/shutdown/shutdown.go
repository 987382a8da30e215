package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"relayd/pkg/logger"
)

// Context returns a context canceled on SIGINT or SIGTERM.
func Context() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type closer struct {
	name string
	fn   func() error
}

// Manager collects named closers and runs them in reverse registration
// order exactly once, so resources shut down opposite to how they came up.
type Manager struct {
	mu      sync.Mutex
	closers []closer
	done    bool
}

func NewManager() *Manager {
	return &Manager{}
}

// Register adds a closer. Closers registered later run earlier.
func (m *Manager) Register(name string, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, closer{name: name, fn: fn})
}

// Close runs all closers in reverse order, logging failures. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	closers := append([]closer(nil), m.closers...)
	m.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.fn(); err != nil {
			logger.Error("shutdown_close_failed", "component", c.name, "error", err)
			continue
		}
		logger.Info("shutdown_closed", "component", c.name)
	}
}
