// Package streambridge implements the transparent WebSocket <-> child-
// process-stdio relay used for debugger sessions.
package streambridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Binding is one active WebSocket<->child-stdio relay, keyed by the program
// path that was launched.
type Binding struct {
	Program string
	cmd     *exec.Cmd
}

// Registry owns every live stream binding, keyed by program path.
type Registry struct {
	mu       sync.Mutex
	bindings map[string]*Binding
	log      *logrus.Entry

	// DefaultProgram is used when a /run/ connection names no program, and
	// GDBPath resolves -g/--gdb auto-detection (see internal/config).
	DefaultProgram string
}

// NewRegistry returns an empty, server-owned stream bridge registry.
func NewRegistry(log *logrus.Entry) *Registry {
	return &Registry{bindings: make(map[string]*Binding), log: log}
}

// Serve launches program (or r.DefaultProgram if empty) and relays its
// stdio against ws until either side closes. It blocks until the relay ends.
func (r *Registry) Serve(ctx context.Context, ws *websocket.Conn, program string) error {
	if program == "" {
		program = r.DefaultProgram
	}
	if program == "" {
		return fmt.Errorf("streambridge: no debugger program configured")
	}

	cmd := exec.CommandContext(ctx, program)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("streambridge: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("streambridge: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("streambridge: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("streambridge: start %q: %w", program, err)
	}

	b := &Binding{Program: program, cmd: cmd}
	r.mu.Lock()
	r.bindings[program] = b
	r.mu.Unlock()
	defer r.drop(program)
	defer func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
	}()

	go r.logStderr(program, stderr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pumpWSToStdin(gctx, ws, stdin) })
	g.Go(func() error { return pumpStdoutToWS(gctx, stdout, ws) })
	g.Go(func() error {
		// Neither pump's blocking read is context-aware; once either side
		// ends (or the connection is torn down from above), force-close
		// ws and kill the child so the other pump's read unblocks instead
		// of hanging until something external intervenes.
		<-gctx.Done()
		ws.Close()
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		r.log.WithError(err).WithField("program", program).Debug("stream bridge relay ended")
	}
	return nil
}

func (r *Registry) logStderr(program string, stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		r.log.WithField("program", program).WithField("stream", "stderr").Info(sc.Text())
	}
}

func pumpWSToStdin(ctx context.Context, ws *websocket.Conn, stdin io.WriteCloser) error {
	defer stdin.Close()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if _, err := stdin.Write(data); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func pumpStdoutToWS(ctx context.Context, stdout io.Reader, ws *websocket.Conn) error {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
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

// DropAll terminates every child and clears the registry, used on forced
// server exit.
func (r *Registry) DropAll() {
	r.mu.Lock()
	bindings := r.bindings
	r.bindings = make(map[string]*Binding)
	r.mu.Unlock()
	for _, b := range bindings {
		if b.cmd.Process != nil {
			b.cmd.Process.Kill()
		}
	}
}

// Programs lists currently running debugger programs, for the `status` action.
func (r *Registry) Programs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.bindings))
	for p := range r.bindings {
		out = append(out, p)
	}
	return out
}

func (r *Registry) drop(program string) {
	r.mu.Lock()
	delete(r.bindings, program)
	r.mu.Unlock()
}
