// Package tcpbridge implements the transparent WebSocket <-> local-TCP
// relay used for the emulator's interactive monitor/log streams.
package tcpbridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const readChunkSize = 128

// Binding is one active WebSocket<->TCP relay, keyed by the emulator's
// listening port.
type Binding struct {
	Port int
	conn net.Conn
	ws   *websocket.Conn
	done chan struct{}
}

// Registry owns every live TCP binding, keyed by port. It belongs to the
// server, not to any one connection.
type Registry struct {
	mu       sync.Mutex
	bindings map[int]*Binding
	log      *logrus.Entry
}

// NewRegistry returns an empty, server-owned TCP bridge registry.
func NewRegistry(log *logrus.Entry) *Registry {
	return &Registry{bindings: make(map[int]*Binding), log: log}
}

// Serve dials localhost:port and relays bytes between ws and that
// connection until either side closes. It blocks until the relay ends.
func (r *Registry) Serve(ctx context.Context, ws *websocket.Conn, port int) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), 5*time.Second)
	if err != nil {
		return fmt.Errorf("tcpbridge: dial localhost:%d: %w", port, err)
	}

	b := &Binding{Port: port, conn: conn, ws: ws, done: make(chan struct{})}
	r.mu.Lock()
	r.bindings[port] = b
	r.mu.Unlock()
	defer r.drop(port)
	defer conn.Close()
	defer close(b.done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pumpWSToTCP(gctx, ws, conn) })
	g.Go(func() error { return pumpTCPToWS(gctx, conn, ws) })
	g.Go(func() error {
		// Neither pump's blocking read is context-aware; once either side
		// ends (or the connection is torn down from above), force-close
		// both ends so the other pump's read unblocks instead of hanging.
		<-gctx.Done()
		ws.Close()
		conn.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		r.log.WithError(err).WithField("port", port).Debug("tcp bridge relay ended")
	}
	return nil
}

func pumpWSToTCP(ctx context.Context, ws *websocket.Conn, tcp net.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if _, err := tcp.Write(data); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func pumpTCPToWS(ctx context.Context, tcp net.Conn, ws *websocket.Conn) error {
	buf := make([]byte, readChunkSize)
	for {
		n, err := tcp.Read(buf)
		if n > 0 {
			if writeErr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); writeErr != nil {
				return writeErr
			}
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// DropPort closes and removes a binding by port, used when the owning
// emulator is killed: TCP bridges are torn down before the child stops.
func (r *Registry) DropPort(port int) {
	r.mu.Lock()
	b, ok := r.bindings[port]
	delete(r.bindings, port)
	r.mu.Unlock()
	if ok {
		b.conn.Close()
	}
}

// DropAll closes and removes every binding, used on forced server exit.
func (r *Registry) DropAll() {
	r.mu.Lock()
	bindings := r.bindings
	r.bindings = make(map[int]*Binding)
	r.mu.Unlock()
	for _, b := range bindings {
		b.conn.Close()
	}
}

// Ports lists the currently bound TCP ports, for the `status` action.
func (r *Registry) Ports() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ports := make([]int, 0, len(r.bindings))
	for p := range r.bindings {
		ports = append(ports, p)
	}
	return ports
}

func (r *Registry) drop(port int) {
	r.mu.Lock()
	delete(r.bindings, port)
	r.mu.Unlock()
}
