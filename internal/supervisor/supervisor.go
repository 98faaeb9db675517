// Package supervisor holds explicit, non-global server state: a Server
// value that owns the bridge registries and the set of tasks to cancel on
// forced exit, passed into handlers instead of relying on process-wide
// globals.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antmicro/renode-ws-proxy/internal/config"
	"github.com/antmicro/renode-ws-proxy/internal/metrics"
	"github.com/antmicro/renode-ws-proxy/internal/streambridge"
	"github.com/antmicro/renode-ws-proxy/internal/tcpbridge"
)

// Server is the single owner of every process-wide resource: bridge
// registries, the cancellation registry, metrics, and resolved config.
type Server struct {
	Config  *config.Config
	Log     *logrus.Entry
	Metrics *metrics.Registry
	TCP     *tcpbridge.Registry
	Stream  *streambridge.Registry

	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

// New builds a Server ready to back cmd/renode-ws-proxy's router.
func New(cfg *config.Config, log *logrus.Entry, m *metrics.Registry) *Server {
	return &Server{
		Config:  cfg,
		Log:     log,
		Metrics: m,
		TCP:     tcpbridge.NewRegistry(log.WithField("component", "tcpbridge")),
		Stream:  streambridge.NewRegistry(log.WithField("component", "streambridge")),
		tasks:   make(map[string]context.CancelFunc),
	}
}

// RegisterTask records a cancel function under id so Shutdown can cancel it
// on forced exit. Re-registering the same id replaces the previous entry
// without cancelling it.
func (s *Server) RegisterTask(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id] = cancel
}

// UnregisterTask removes id, typically called from the owning connection's
// own cleanup path once it has already released its resources.
func (s *Server) UnregisterTask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// Shutdown cancels every registered task, then drops every shared bridge.
// Per-connection emulator teardown happens as each task's context
// cancellation unwinds its own Kill call; Shutdown does not call Kill
// directly since it has no handle on per-connection emulators — each is
// owned by its own control connection.
func (s *Server) Shutdown(ctx context.Context, grace time.Duration) {
	s.mu.Lock()
	tasks := make([]context.CancelFunc, 0, len(s.tasks))
	for _, cancel := range s.tasks {
		tasks = append(tasks, cancel)
	}
	s.tasks = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	for _, cancel := range tasks {
		cancel()
	}

	select {
	case <-ctx.Done():
	case <-time.After(grace):
	}

	s.TCP.DropAll()
	s.Stream.DropAll()
}
