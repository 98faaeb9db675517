package router

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antmicro/renode-ws-proxy/internal/config"
	"github.com/antmicro/renode-ws-proxy/internal/metrics"
	"github.com/antmicro/renode-ws-proxy/internal/protocol"
	"github.com/antmicro/renode-ws-proxy/internal/sandbox"
	"github.com/antmicro/renode-ws-proxy/internal/supervisor"
	"github.com/antmicro/renode-ws-proxy/internal/workspace"
)

func testSession(t *testing.T) *session {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{WorkspaceDir: dir, EmulatorBinary: "/bin/true", Port: config.DefaultPort}
	log := logrus.New()
	log.SetOutput(bytes.NewBuffer(nil))
	srv := supervisor.New(cfg, log.WithField("test", true), metrics.New())
	sb, err := sandbox.Open(dir, "")
	require.NoError(t, err)
	return newSession(srv, nil, sb)
}

func TestArgsListRejectsMissingOrWrongShape(t *testing.T) {
	_, err := argsList(map[string]any{})
	require.Error(t, err)
	assert.Equal(t, errBadPayload, err.Error())

	_, err = argsList(map[string]any{"args": "not-a-list"})
	require.Error(t, err)

	_, err = argsList(map[string]any{"args": []any{1, 2}})
	require.Error(t, err)

	out, err := argsList(map[string]any{"args": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out)
}

func TestArgsAtLeastEnforcesArity(t *testing.T) {
	_, err := argsAtLeast(map[string]any{"args": []any{"only-one"}}, 2)
	require.Error(t, err)

	out, err := argsAtLeast(map[string]any{"args": []any{"a", "b"}}, 2)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestActionStatusWithoutEmulator(t *testing.T) {
	s := testSession(t)
	data, err := actionStatus(context.Background(), s, map[string]any{"name": "renode"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"running": false}, data)
}

func TestActionStatusUnknownTarget(t *testing.T) {
	s := testSession(t)
	_, err := actionStatus(context.Background(), s, map[string]any{"name": "bogus"})
	require.Error(t, err)
}

func TestActionKillWithoutSpawnFails(t *testing.T) {
	s := testSession(t)
	_, err := actionKill(context.Background(), s, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, "not started", err.Error())
}

func TestActionFSRoundTrip(t *testing.T) {
	s := testSession(t)
	_, err := actionFSUpload(context.Background(), s, map[string]any{
		"args": []any{"a.txt"},
		"data": "aGVsbG8=",
	})
	require.NoError(t, err)

	data, err := actionFSDownload(context.Background(), s, map[string]any{"args": []any{"a.txt"}})
	require.NoError(t, err)
	assert.Equal(t, "aGVsbG8=", data.(map[string]any)["data"])
}

func TestActionCommandCapturesStdout(t *testing.T) {
	s := testSession(t)
	data, err := actionCommand(context.Background(), s, map[string]any{"name": "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", data.(map[string]any)["stdout"])
}

func TestActionCommandBadPayload(t *testing.T) {
	s := testSession(t)
	_, err := actionCommand(context.Background(), s, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, errBadPayload, err.Error())
}

func TestDispatchUnsupportedAction(t *testing.T) {
	s := testSession(t)
	resp := s.dispatch(context.Background(), reqOf("nope", 7, nil))
	assert.Equal(t, "failure", resp.Status)
	assert.Equal(t, "Operation nope not supported", resp.Error)
}

func TestDispatchVersionMismatch(t *testing.T) {
	s := testSession(t)
	req := reqOf("status", 1, map[string]any{"name": "renode"})
	req.Version = "2.0.0"
	resp := s.dispatch(context.Background(), req)
	assert.Equal(t, "failure", resp.Status)
}

func TestResolveEmulatorRuntimeFallsBackToServerDefault(t *testing.T) {
	s := testSession(t)
	s.srv.Config.EmulatorRuntime = "coreclr"
	assert.Equal(t, "coreclr", resolveEmulatorRuntime(s))
}

func TestResolveEmulatorRuntimePrefersWorkspaceManifest(t *testing.T) {
	s := testSession(t)
	s.srv.Config.EmulatorRuntime = "coreclr"

	content := "emulator_runtime: mono\n"
	require.NoError(t, os.WriteFile(filepath.Join(s.sb.WorkDir(), workspace.ManifestFileName), []byte(content), 0o644))

	assert.Equal(t, "mono", resolveEmulatorRuntime(s))
}

func reqOf(action string, id int64, payload map[string]any) protocol.Request {
	return protocol.Request{Version: "1.1.0", Action: action, ID: id, Payload: payload}
}
