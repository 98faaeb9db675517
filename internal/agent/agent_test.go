package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(bytes.NewBuffer(nil))
	return l.WithField("test", true)
}

func TestParseArgs(t *testing.T) {
	cfg, err := ParseArgs([]string{"18184", "false", "true"})
	require.NoError(t, err)
	assert.Equal(t, 18184, cfg.LoggingPort)
	assert.False(t, cfg.GUIEnabled)
	assert.True(t, cfg.MonitorForwardingOff)

	_, err = ParseArgs([]string{"18184"})
	require.Error(t, err)
}

func runLines(t *testing.T, a *Agent, requests []string) []map[string]any {
	t.Helper()
	in := strings.NewReader(strings.Join(requests, "\n") + "\n")
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), in, &out) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent.Run did not return")
	}

	var lines []map[string]any
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	return lines
}

func TestReadinessHandshake(t *testing.T) {
	a := New(testLog(), Config{LoggingPort: 3333, GUIEnabled: true})
	lines := runLines(t, a, []string{`{"cmd":"quit"}`})
	require.NotEmpty(t, lines)
	assert.Equal(t, "ready", lines[0]["rsp"])
}

func TestMachinesAndDefaultMonitorFallthrough(t *testing.T) {
	a := New(testLog(), Config{LoggingPort: 3333, GUIEnabled: true})
	lines := runLines(t, a, []string{
		`{"cmd":"machines"}`,
		`{"cmd":"mach create"}`,
		`{"cmd":"quit"}`,
	})
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Contains(t, lines[1]["rsp"], "machine0")
	assert.NotNil(t, lines[2]["out"])
}

func TestButtonSetAndSensorRoundTripOverWire(t *testing.T) {
	a := New(testLog(), Config{LoggingPort: 3333, GUIEnabled: true})
	lines := runLines(t, a, []string{
		`{"cmd":"button-set","machine":"machine0","peripheral":"sysbus.machine0.button0","value":true}`,
		`{"cmd":"sensor-set","machine":"machine0","peripheral":"sysbus.machine0.sensors0","type":"temperature","value":23500}`,
		`{"cmd":"sensor-get","machine":"machine0","peripheral":"sysbus.machine0.sensors0","type":"temperature"}`,
		`{"cmd":"quit"}`,
	})
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, true, lines[1]["rsp"])
	assert.Equal(t, true, lines[2]["rsp"])
	assert.EqualValues(t, 23500, lines[3]["rsp"])
}

func TestUnknownCommandReturnsErr(t *testing.T) {
	a := New(testLog(), Config{LoggingPort: 3333, GUIEnabled: true})
	r := NewRegistry()
	_, err := r.Dispatch("nope", nil)
	require.Error(t, err)
	assert.Equal(t, "Operation nope not supported", err.Error())
	_ = a
}

func TestKebabAliasing(t *testing.T) {
	calls := 0
	r := NewRegistry()
	r.Register("button_set", func(map[string]any) (any, error) {
		calls++
		return true, nil
	})
	_, err := r.Dispatch("button-set", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
