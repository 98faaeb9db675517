// Package emulatorproc owns the emulator child process: spawning it,
// serializing command execution against it, and demultiplexing its
// asynchronous events from its synchronous responses.
package emulatorproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/antmicro/renode-ws-proxy/internal/protocol"
)

// State is the emulator child's lifecycle state.
type State int

const (
	StateAbsent State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "absent"
	}
}

// SpawnConfig carries the arguments needed to launch the emulator agent.
type SpawnConfig struct {
	AgentBinary          string // path to the renode-instance agent binary
	EmulatorBinary       string // passed through env as PYRENODE_BIN
	EmulatorRuntime      string // passed through env as PYRENODE_RUNTIME
	Cwd                  string
	LoggingPort          int
	GUIEnabled           bool
	MonitorForwardingOff bool
}

const (
	readyAttempts     = 10
	readyAttemptDelay = time.Second
	quitDeadline      = 500 * time.Millisecond
	killPollAttempts  = 10
	killPollInterval  = time.Second
)

// Process supervises one emulator child for the lifetime of a control
// connection. At most one Process is ever "Running" at a time; callers
// serialize through Execute, never by touching cmd/stdin directly.
type Process struct {
	log *logrus.Entry

	mu    sync.Mutex // single-writer lock: serializes Execute calls
	state State

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	responses *fifoQueue[json.RawMessage]
	events    *fifoQueue[protocol.ChildEvent]

	filterMu sync.Mutex
	filter   map[string]struct{} // empty = pass everything

	readersDone sync.WaitGroup
}

// New creates an idle Process; call Spawn to start the child.
func New(log *logrus.Entry) *Process {
	return &Process{
		log:       log,
		responses: newFIFOQueue[json.RawMessage](),
		events:    newFIFOQueue[protocol.ChildEvent](),
		filter:    make(map[string]struct{}),
	}
}

// State reports the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Spawn launches the emulator agent as a child process and waits for its
// readiness handshake. It refuses to run if a child is already active.
func (p *Process) Spawn(ctx context.Context, cfg SpawnConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateAbsent {
		return fmt.Errorf("spawn: emulator already %s", p.state)
	}
	p.state = StateStarting

	args := []string{
		fmt.Sprint(cfg.LoggingPort),
		fmt.Sprint(cfg.GUIEnabled),
		fmt.Sprint(cfg.MonitorForwardingOff),
	}
	cmd := exec.CommandContext(ctx, cfg.AgentBinary, args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = append(os.Environ(),
		"PYRENODE_BIN="+cfg.EmulatorBinary,
		"PYRENODE_RUNTIME="+cfg.EmulatorRuntime,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.state = StateAbsent
		return fmt.Errorf("spawn: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.state = StateAbsent
		return fmt.Errorf("spawn: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.state = StateAbsent
		return fmt.Errorf("spawn: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.state = StateAbsent
		return fmt.Errorf("spawn: start: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout

	// One scanner for the whole life of stdout: bufio.Scanner reads ahead in
	// chunks, so a readiness scanner that goes out of scope after the first
	// line would silently discard any bytes it already buffered past it
	// (e.g. a uart-opened event queued right behind the ready handshake).
	// awaitReady consumes the readiness line from this scanner; pumpStdout
	// takes over the same scanner afterward so nothing buffered is lost.
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 256*1024*1024)

	if err := p.awaitReady(scanner); err != nil {
		p.killLocked()
		p.state = StateAbsent
		return fmt.Errorf("spawn: %w", err)
	}

	p.state = StateRunning

	p.readersDone.Add(2)
	go p.pumpStdout(scanner)
	go p.pumpStderr(stderr)

	return nil
}

// awaitReady reads stdout lines with a 1s-per-attempt deadline, up to
// readyAttempts times, expecting exactly {"rsp":"ready"}. scanner is handed
// off to pumpStdout afterward, so no buffered bytes past the readiness line
// are ever dropped.
func (p *Process) awaitReady(scanner *bufio.Scanner) error {
	type result struct {
		line []byte
		err  error
	}
	lines := make(chan result, 1)

	go func() {
		if scanner.Scan() {
			lines <- result{line: append([]byte(nil), scanner.Bytes()...)}
			return
		}
		lines <- result{err: scanner.Err()}
	}()

	for attempt := 0; attempt < readyAttempts; attempt++ {
		select {
		case r := <-lines:
			if r.err != nil {
				return fmt.Errorf("readiness handshake: %w", r.err)
			}
			var rsp struct {
				Rsp string `json:"rsp"`
			}
			if err := json.Unmarshal(r.line, &rsp); err != nil || rsp.Rsp != "ready" {
				return fmt.Errorf("readiness handshake: unexpected first message %q", string(r.line))
			}
			return nil
		case <-time.After(readyAttemptDelay):
			continue
		}
	}
	return fmt.Errorf("readiness handshake: timed out after %d attempts", readyAttempts)
}

// pumpStdout is the single reader goroutine for the child's stdout. Every
// line is either a response (rsp/out/err key) or an event (evt key); this is
// the only place that discriminates between the two FIFOs. scanner is the
// same one awaitReady used for the handshake line, carried over so any
// look-ahead it already buffered is still delivered.
func (p *Process) pumpStdout(scanner *bufio.Scanner) {
	defer p.readersDone.Done()
	defer p.responses.Close()
	defer p.events.Close()

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if protocol.HasKey(line, "evt") {
			var wrapper struct {
				Evt protocol.ChildEvent `json:"evt"`
			}
			if err := json.Unmarshal(line, &wrapper); err != nil {
				p.log.WithError(err).Warn("malformed event from emulator child")
				continue
			}
			p.events.Push(wrapper.Evt)
			continue
		}
		p.responses.Push(line)
	}
	if err := scanner.Err(); err != nil {
		p.log.WithError(err).Warn("emulator stdout reader exited with error")
	}
}

func (p *Process) pumpStderr(stderr io.Reader) {
	defer p.readersDone.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.log.WithField("stream", "stderr").Info(scanner.Text())
	}
}

// Execute serializes one request/response round trip against the child.
func (p *Process) Execute(ctx context.Context, command string, kwargs map[string]any) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRunning {
		if p.state == StateAbsent {
			return false, fmt.Errorf("not started")
		}
		return false, fmt.Errorf("closed")
	}

	req := protocol.ChildRequest{Cmd: command, Kwargs: kwargs}
	line, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("execute %s: encode request: %w", command, err)
	}
	line = append(line, '\n')
	if _, err := p.stdin.Write(line); err != nil {
		return false, fmt.Errorf("execute %s: write: %w", command, err)
	}

	respCh := make(chan json.RawMessage, 1)
	go func() {
		if raw, ok := p.responses.Pop(); ok {
			respCh <- raw
		} else {
			close(respCh)
		}
	}()

	select {
	case raw, ok := <-respCh:
		if !ok {
			return false, fmt.Errorf("communication error")
		}
		return decodeChildResponse(raw)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func decodeChildResponse(raw json.RawMessage) (any, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false, fmt.Errorf("communication error")
	}
	if rsp, ok := probe["rsp"]; ok {
		var v any
		_ = json.Unmarshal(rsp, &v)
		return v, nil
	}
	if out, ok := probe["out"]; ok {
		var pair []any
		if err := json.Unmarshal(out, &pair); err != nil || len(pair) != 2 {
			return false, fmt.Errorf("communication error")
		}
		return pair, nil
	}
	if errVal, ok := probe["err"]; ok {
		var msg string
		_ = json.Unmarshal(errVal, &msg)
		return false, fmt.Errorf("Emulator: %s", msg)
	}
	return false, fmt.Errorf("communication error")
}

// NextEvent blocks until an event passes the current filter, or the child's
// event stream is closed (ok=false).
func (p *Process) NextEvent(ctx context.Context) (protocol.ChildEvent, bool) {
	for {
		type popResult struct {
			ev protocol.ChildEvent
			ok bool
		}
		done := make(chan popResult, 1)
		go func() {
			ev, ok := p.events.Pop()
			done <- popResult{ev, ok}
		}()

		select {
		case r := <-done:
			if !r.ok {
				return protocol.ChildEvent{}, false
			}
			if p.eventAllowed(r.ev.Event) {
				return r.ev, true
			}
			continue
		case <-ctx.Done():
			return protocol.ChildEvent{}, false
		}
	}
}

// SetFilter replaces the event-name allow-list. An empty set passes every
// event, matching the wire contract for `filter-events []`.
func (p *Process) SetFilter(names []string) {
	p.filterMu.Lock()
	defer p.filterMu.Unlock()
	p.filter = make(map[string]struct{}, len(names))
	for _, n := range names {
		p.filter[n] = struct{}{}
	}
}

func (p *Process) eventAllowed(name string) bool {
	p.filterMu.Lock()
	defer p.filterMu.Unlock()
	if len(p.filter) == 0 {
		return true
	}
	_, ok := p.filter[name]
	return ok
}

// Kill stops the emulator child. It is idempotent and safe to call from
// multiple goroutines or after the child has already exited on its own.
func (p *Process) Kill(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killLocked()
}

func (p *Process) killLocked() error {
	if p.cmd == nil || p.cmd.Process == nil {
		p.log.Warn("kill: no emulator child to stop")
		p.state = StateAbsent
		return fmt.Errorf("no emulator running")
	}
	if p.state == StateAbsent {
		return nil
	}
	p.state = StateStopping

	var errs *multierror.Error

	// Stage 1: graceful quit with a short deadline.
	quitCtx, cancel := context.WithTimeout(context.Background(), quitDeadline)
	_, quitErr := p.executeUnlocked(quitCtx, "quit", nil)
	cancel()
	if quitErr != nil {
		errs = multierror.Append(errs, fmt.Errorf("graceful quit: %w", quitErr))
	}

	if p.waitExit(killPollAttempts, killPollInterval) {
		p.readersDone.Wait()
		p.state = StateAbsent
		return errs.ErrorOrNil()
	}

	// Stage 2: hard signal.
	if err := p.cmd.Process.Signal(syscall.SIGKILL); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("sigkill: %w", err))
	}
	if !p.waitExit(killPollAttempts, killPollInterval) {
		errs = multierror.Append(errs, fmt.Errorf("emulator did not exit after SIGKILL"))
		return errs.ErrorOrNil()
	}

	p.readersDone.Wait()
	p.state = StateAbsent
	return errs.ErrorOrNil()
}

// executeUnlocked is Execute's body without re-acquiring p.mu, for use from
// within killLocked which already holds it.
func (p *Process) executeUnlocked(ctx context.Context, command string, kwargs map[string]any) (any, error) {
	req := protocol.ChildRequest{Cmd: command, Kwargs: kwargs}
	line, err := json.Marshal(req)
	if err != nil {
		return false, err
	}
	line = append(line, '\n')
	if _, err := p.stdin.Write(line); err != nil {
		return false, err
	}
	respCh := make(chan json.RawMessage, 1)
	go func() {
		if raw, ok := p.responses.Pop(); ok {
			respCh <- raw
		} else {
			close(respCh)
		}
	}()
	select {
	case raw, ok := <-respCh:
		if !ok {
			return false, fmt.Errorf("communication error")
		}
		return decodeChildResponse(raw)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (p *Process) waitExit(attempts int, interval time.Duration) bool {
	for i := 0; i < attempts; i++ {
		if p.exited() {
			return true
		}
		time.Sleep(interval)
	}
	return p.exited()
}

func (p *Process) exited() bool {
	if p.cmd == nil || p.cmd.ProcessState != nil {
		return true
	}
	// Nothing calls cmd.Wait, so an exited child lingers as a zombie that
	// still answers signal 0: reap it without blocking to observe the exit.
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(p.cmd.Process.Pid, &ws, syscall.WNOHANG, nil)
	if pid == p.cmd.Process.Pid || err == syscall.ECHILD {
		return true
	}
	// Non-blocking liveness probe: signal 0 fails if the process is gone.
	return p.cmd.Process.Signal(syscall.Signal(0)) != nil
}
