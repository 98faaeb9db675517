package tcpbridge

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadChunkSizedReadsReassembleStream(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		server.Write([]byte("hello world"))
		server.Close()
	}()

	var got bytes.Buffer
	buf := make([]byte, readChunkSize)
	for {
		n, err := client.Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
	}
	assert.Equal(t, "hello world", got.String())
}

func TestRegistryDropPortClosesBinding(t *testing.T) {
	log := logrus.New().WithField("test", true)
	r := NewRegistry(log)

	client, server := net.Pipe()
	defer client.Close()
	b := &Binding{Port: 9999, conn: server, done: make(chan struct{})}
	r.mu.Lock()
	r.bindings[9999] = b
	r.mu.Unlock()

	assert.Contains(t, r.Ports(), 9999)
	r.DropPort(9999)
	assert.NotContains(t, r.Ports(), 9999)

	errCh := make(chan error, 1)
	go func() {
		_, err := server.Write([]byte("x"))
		errCh <- err
	}()
	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected write on closed pipe to fail")
	}
}

func TestRegistryDropAllClearsEverything(t *testing.T) {
	log := logrus.New().WithField("test", true)
	r := NewRegistry(log)
	_, s1 := net.Pipe()
	_, s2 := net.Pipe()
	r.bindings[1] = &Binding{Port: 1, conn: s1}
	r.bindings[2] = &Binding{Port: 2, conn: s2}

	r.DropAll()
	assert.Empty(t, r.Ports())
}
