package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/antmicro/renode-ws-proxy/internal/emulatorproc"
	"github.com/antmicro/renode-ws-proxy/internal/protocol"
	"github.com/antmicro/renode-ws-proxy/internal/sandbox"
	"github.com/antmicro/renode-ws-proxy/internal/supervisor"
	"github.com/antmicro/renode-ws-proxy/internal/workspace"
)

// actionHandler dispatches one control action. A returned error becomes a
// failure response; its text is used verbatim as the response's error field.
type actionHandler func(ctx context.Context, sess *session, payload map[string]any) (any, error)

// session is the per-WebSocket control-protocol handler. It also owns the
// subprocess bridge for its connection: at most one emulator child per
// session, spawned and killed alongside it.
type session struct {
	id  string
	ws  *safeConn
	srv *supervisor.Server
	sb  *sandbox.Sandbox
	log *logrus.Entry

	procMu sync.Mutex
	proc   *emulatorproc.Process
}

// getProc and setProc guard s.proc: the receive loop mutates it (spawn/kill
// handlers) while the event loop reads it concurrently.
func (s *session) getProc() *emulatorproc.Process {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	return s.proc
}

func (s *session) setProc(p *emulatorproc.Process) {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	s.proc = p
}

func newSession(srv *supervisor.Server, ws *safeConn, sb *sandbox.Sandbox) *session {
	id := uuid.NewString()
	return &session{
		id:  id,
		ws:  ws,
		srv: srv,
		sb:  sb,
		log: srv.Log.WithField("session", id),
	}
}

// Run drives two concurrent subtasks for the life of the connection: a
// request receiver and an event forwarder, cancelling together and killing
// the emulator on exit regardless of which side ended the connection.
func (s *session) Run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.srv.RegisterTask(s.id, cancel)
	defer s.srv.UnregisterTask(s.id)

	s.srv.Metrics.ActiveControlConnections.Inc()
	defer s.srv.Metrics.ActiveControlConnections.Dec()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiveLoop(gctx) })
	g.Go(func() error { return s.eventLoop(gctx) })
	g.Go(func() error {
		// The receive loop's blocking read does not observe ctx; closing the
		// socket once either loop ends or the session is cancelled unblocks it.
		<-gctx.Done()
		_ = s.ws.Close()
		return nil
	})

	if err := g.Wait(); err != nil && !isExpectedWSClose(err) {
		s.log.WithError(err).Warn("control session ended with error")
	}

	if proc := s.getProc(); proc != nil {
		s.srv.Metrics.EmulatorKillsTotal.Inc()
		killCtx, killCancel := context.WithTimeout(context.Background(), 12*time.Second)
		_ = proc.Kill(killCtx)
		killCancel()
	}
	_ = s.ws.Close()
	_ = s.sb.Close()
}

func (s *session) receiveLoop(ctx context.Context) error {
	for {
		_, msg, err := s.ws.ReadMessage()
		if err != nil {
			return err
		}
		// A frame that does not parse is answered without an id and the
		// loop goes on; only a transport error ends the connection.
		var req protocol.Request
		var resp protocol.Response
		if err := json.Unmarshal(msg, &req); err != nil {
			resp = protocol.Failure(nil, fmt.Sprintf("parse error: %v", err))
		} else {
			resp = s.dispatch(ctx, req)
		}
		if err := s.ws.WriteJSON(resp); err != nil {
			return err
		}
	}
}

func (s *session) eventLoop(ctx context.Context) error {
	for {
		proc := s.getProc()
		if proc == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}
		ev, ok := proc.NextEvent(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(20 * time.Millisecond):
				continue
			}
		}
		out := protocol.Event{Version: protocol.DataProtocolVersion, Event: ev.Event, Data: ev.Data}
		if err := s.ws.WriteJSON(out); err != nil {
			return err
		}
	}
}

func (s *session) dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	id := req.ID
	if !protocol.VersionCompatible(req.Version) {
		return protocol.Failure(&id, fmt.Sprintf("version mismatch: server is %s", protocol.DataProtocolVersion))
	}

	handler, ok := actionTable[req.Action]
	if !ok {
		return protocol.Failure(&id, fmt.Sprintf("Operation %s not supported", req.Action))
	}

	start := time.Now()
	data, err := handler(ctx, s, req.Payload)
	s.srv.Metrics.ActionLatencySeconds.WithLabelValues(req.Action).Observe(time.Since(start).Seconds())
	if err != nil {
		return protocol.FailureWithData(&id, data, err.Error())
	}
	return protocol.Success(id, data)
}

var actionTable = map[string]actionHandler{
	"spawn":         actionSpawn,
	"kill":          actionKill,
	"status":        actionStatus,
	"command":       actionCommand,
	"exec-monitor":  actionExecMonitor,
	"exec-renode":   actionExecRenode,
	"fs/list":       actionFSList,
	"fs/mkdir":      actionFSMkdir,
	"fs/stat":       actionFSStat,
	"fs/dwnl":       actionFSDownload,
	"fs/upld":       actionFSUpload,
	"fs/remove":     actionFSRemove,
	"fs/move":       actionFSMove,
	"fs/copy":       actionFSCopy,
	"fs/fetch":      actionFSFetch,
	"fs/zip":        actionFSZip,
	"tweak/socket":  actionTweakSocket,
	"filter-events": actionFilterEvents,
}

const errBadPayload = "Bad payload"

// boolResult turns a plain error into the (data, error) shape dispatch
// expects: true on success, and no data at all on failure — status alone
// already says the operation failed, so a bare boolean there would read as
// a leftover "true" sitting next to a failure response.
func boolResult(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return true, nil
}

func argsList(payload map[string]any) ([]string, error) {
	raw, ok := payload["args"]
	if !ok {
		return nil, fmt.Errorf(errBadPayload)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf(errBadPayload)
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf(errBadPayload)
		}
		out = append(out, str)
	}
	return out, nil
}

func argsAtLeast(payload map[string]any, n int) ([]string, error) {
	args, err := argsList(payload)
	if err != nil {
		return nil, err
	}
	if len(args) < n {
		return nil, fmt.Errorf(errBadPayload)
	}
	return args, nil
}

// resolveEmulatorRuntime lets a workspace pin its own runtime via
// .renode-workspace.yaml, overriding the server-wide default for spawns
// that happen inside that sandbox root.
func resolveEmulatorRuntime(s *session) string {
	runtime := s.srv.Config.EmulatorRuntime
	manifest, err := workspace.Load(s.sb.WorkDir())
	if err != nil || manifest == nil || manifest.EmulatorRuntime == "" {
		return runtime
	}
	return manifest.EmulatorRuntime
}

func actionSpawn(ctx context.Context, s *session, payload map[string]any) (any, error) {
	if proc := s.getProc(); proc != nil && proc.State() != emulatorproc.StateAbsent {
		return nil, fmt.Errorf("emulator already running")
	}
	name, _ := payload["name"].(string)
	if name == "" {
		name = "renode"
	}
	gui, _ := payload["gui"].(bool)
	cwd, _ := payload["cwd"].(string)

	runtime := resolveEmulatorRuntime(s)

	proc := emulatorproc.New(s.log.WithField("component", "emulatorproc"))
	err := proc.Spawn(ctx, emulatorproc.SpawnConfig{
		AgentBinary:          s.srv.Config.AgentBinary,
		EmulatorBinary:       s.srv.Config.EmulatorBinary,
		EmulatorRuntime:      runtime,
		Cwd:                  s.sb.ResolveAbs(cwd),
		LoggingPort:          s.srv.Config.Port + 1,
		GUIEnabled:           gui && !s.srv.Config.GUIDisabled,
		MonitorForwardingOff: s.srv.Config.MonitorForwardingDisabled,
	})
	if err != nil {
		return nil, err
	}
	s.setProc(proc)
	s.srv.Metrics.EmulatorSpawnsTotal.Inc()
	return true, nil
}

func actionKill(ctx context.Context, s *session, payload map[string]any) (any, error) {
	proc := s.getProc()
	if proc == nil {
		return nil, fmt.Errorf("not started")
	}
	s.srv.Metrics.EmulatorKillsTotal.Inc()
	for _, port := range s.srv.TCP.Ports() {
		s.srv.TCP.DropPort(port)
	}
	err := proc.Kill(ctx)
	s.setProc(nil)
	return boolResult(err)
}

func actionStatus(ctx context.Context, s *session, payload map[string]any) (any, error) {
	name, _ := payload["name"].(string)
	switch name {
	case "renode", "":
		proc := s.getProc()
		running := proc != nil && proc.State() == emulatorproc.StateRunning
		return map[string]any{"running": running}, nil
	case "telnet":
		return map[string]any{"ports": s.srv.TCP.Ports()}, nil
	case "run":
		return map[string]any{"programs": s.srv.Stream.Programs()}, nil
	default:
		return nil, fmt.Errorf("unknown status target %q", name)
	}
}

func actionCommand(ctx context.Context, s *session, payload map[string]any) (any, error) {
	name, ok := payload["name"].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf(errBadPayload)
	}
	parts, err := shlex.Split(name)
	if err != nil || len(parts) == 0 {
		return nil, fmt.Errorf(errBadPayload)
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = s.sb.WorkDir()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	result := map[string]any{"stdout": stdout.String(), "stderr": stderr.String()}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok && exitErr.ExitCode() != 0 {
			return result, fmt.Errorf("command exited with status %d", exitErr.ExitCode())
		}
		return result, runErr
	}
	return result, nil
}

func actionExecMonitor(ctx context.Context, s *session, payload map[string]any) (any, error) {
	proc := s.getProc()
	if proc == nil {
		return nil, fmt.Errorf("not started")
	}
	raw, ok := payload["commands"].([]any)
	if !ok {
		return nil, fmt.Errorf(errBadPayload)
	}
	results := make([]any, 0, len(raw))
	for _, c := range raw {
		cmdStr, ok := c.(string)
		if !ok {
			return nil, fmt.Errorf(errBadPayload)
		}
		res, err := proc.Execute(ctx, cmdStr, nil)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func actionExecRenode(ctx context.Context, s *session, payload map[string]any) (any, error) {
	proc := s.getProc()
	if proc == nil {
		return nil, fmt.Errorf("not started")
	}
	command, ok := payload["command"].(string)
	if !ok || command == "" {
		return nil, fmt.Errorf(errBadPayload)
	}
	kwargs, _ := payload["args"].(map[string]any)
	return proc.Execute(ctx, command, kwargs)
}

func actionFSList(ctx context.Context, s *session, payload map[string]any) (any, error) {
	args, err := argsAtLeast(payload, 1)
	if err != nil {
		return nil, err
	}
	entries, err := s.sb.List(args[0])
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func actionFSMkdir(ctx context.Context, s *session, payload map[string]any) (any, error) {
	args, err := argsAtLeast(payload, 1)
	if err != nil {
		return nil, err
	}
	return boolResult(s.sb.Mkdir(args[0]))
}

func actionFSStat(ctx context.Context, s *session, payload map[string]any) (any, error) {
	args, err := argsAtLeast(payload, 1)
	if err != nil {
		return nil, err
	}
	return s.sb.StatPath(args[0])
}

func actionFSDownload(ctx context.Context, s *session, payload map[string]any) (any, error) {
	args, err := argsAtLeast(payload, 1)
	if err != nil {
		return nil, err
	}
	b64, err := s.sb.DownloadBase64(args[0])
	if err != nil {
		return nil, err
	}
	return map[string]any{"data": b64}, nil
}

func actionFSUpload(ctx context.Context, s *session, payload map[string]any) (any, error) {
	args, err := argsAtLeast(payload, 1)
	if err != nil {
		return nil, err
	}
	data, ok := payload["data"].(string)
	if !ok {
		return nil, fmt.Errorf(errBadPayload)
	}
	return boolResult(s.sb.UploadBase64(args[0], data))
}

func actionFSRemove(ctx context.Context, s *session, payload map[string]any) (any, error) {
	args, err := argsAtLeast(payload, 1)
	if err != nil {
		return nil, err
	}
	return boolResult(s.sb.Remove(args[0]))
}

func actionFSMove(ctx context.Context, s *session, payload map[string]any) (any, error) {
	args, err := argsAtLeast(payload, 2)
	if err != nil {
		return nil, err
	}
	return boolResult(s.sb.Move(args[0], args[1]))
}

func actionFSCopy(ctx context.Context, s *session, payload map[string]any) (any, error) {
	args, err := argsAtLeast(payload, 2)
	if err != nil {
		return nil, err
	}
	return boolResult(s.sb.Copy(args[0], args[1]))
}

func actionFSFetch(ctx context.Context, s *session, payload map[string]any) (any, error) {
	args, err := argsAtLeast(payload, 2)
	if err != nil {
		return nil, err
	}
	return boolResult(s.sb.FetchFromURL(args[0], args[1]))
}

func actionFSZip(ctx context.Context, s *session, payload map[string]any) (any, error) {
	args, err := argsAtLeast(payload, 2)
	if err != nil {
		return nil, err
	}
	return boolResult(s.sb.DownloadExtractZip(args[0], args[1]))
}

func actionTweakSocket(ctx context.Context, s *session, payload map[string]any) (any, error) {
	args, err := argsAtLeast(payload, 1)
	if err != nil {
		return nil, err
	}
	return boolResult(s.sb.ReplaceAnalyzer(args[0]))
}

func actionFilterEvents(ctx context.Context, s *session, payload map[string]any) (any, error) {
	proc := s.getProc()
	if proc == nil {
		return nil, fmt.Errorf("not started")
	}
	names, err := argsList(payload)
	if err != nil {
		return nil, err
	}
	proc.SetFilter(names)
	return true, nil
}
