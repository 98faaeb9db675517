package emulatorproc

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcess(t *testing.T) *Process {
	t.Helper()
	log := logrus.New()
	log.SetOutput(testWriter{t})
	return New(log.WithField("test", t.Name()))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

func TestSpawnRejectsMisbehavingAgent(t *testing.T) {
	p := newTestProcess(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.Spawn(ctx, SpawnConfig{
		AgentBinary:     "sh",
		EmulatorBinary:  "/bin/true",
		EmulatorRuntime: "mono",
		Cwd:             t.TempDir(),
	})
	// sh takes the first positional argument (the logging port, "0") as a
	// script path, fails to open it and exits without printing anything;
	// Spawn sees EOF instead of the readiness line and fails, which is itself
	// the behavior under test for a misbehaving agent binary.
	require.Error(t, err)
	assert.Equal(t, StateAbsent, p.State())
}

func TestDecodeChildResponseVariants(t *testing.T) {
	v, err := decodeChildResponse([]byte(`{"rsp":true}`))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = decodeChildResponse([]byte(`{"rsp":false}`))
	require.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = decodeChildResponse([]byte(`{"out":["hello",0]}`))
	require.NoError(t, err)
	pair, ok := v.([]any)
	require.True(t, ok)
	assert.Equal(t, "hello", pair[0])

	_, err = decodeChildResponse([]byte(`{"err":"boom"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = decodeChildResponse([]byte(`{"unexpected":1}`))
	require.Error(t, err)
}

func TestEventFilterDefaultPassesAll(t *testing.T) {
	p := newTestProcess(t)
	assert.True(t, p.eventAllowed("uart-opened"))
	assert.True(t, p.eventAllowed("anything"))

	p.SetFilter([]string{"uart-opened"})
	assert.True(t, p.eventAllowed("uart-opened"))
	assert.False(t, p.eventAllowed("renode-quitted"))

	p.SetFilter(nil)
	assert.True(t, p.eventAllowed("renode-quitted"))
}

func TestKillWithoutSpawnReportsNoEmulator(t *testing.T) {
	p := newTestProcess(t)
	err := p.Kill(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no emulator running")
}

func TestFIFOQueueOrderAndClose(t *testing.T) {
	q := newFIFOQueue[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	q.Close()

	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, v)
	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestFIFOQueueBlocksUntilPush(t *testing.T) {
	q := newFIFOQueue[string]()
	done := make(chan string, 1)
	go func() {
		v, ok := q.Pop()
		if ok {
			done <- v
		} else {
			done <- "closed"
		}
	}()

	select {
	case <-done:
		t.Fatal("Pop returned before Push")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push("hello")
	select {
	case v := <-done:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
}
