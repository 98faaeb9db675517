package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCompatible(t *testing.T) {
	assert.True(t, VersionCompatible("1.1.0"))
	assert.True(t, VersionCompatible("1.9.9"))
	assert.False(t, VersionCompatible("2.0.0"))
	assert.False(t, VersionCompatible(""))
}

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := NewCodec(&buf, &buf)

	req := Request{Version: "1.1.0", Action: "spawn", ID: 1, Payload: map[string]any{"name": "renode"}}
	require.NoError(t, c.Encode(req))

	var got Request
	require.NoError(t, c.Decode(&got))
	assert.Equal(t, req.Action, got.Action)
	assert.Equal(t, req.ID, got.ID)
	assert.EqualValues(t, "renode", got.Payload["name"])
}

func TestDecodeEOF(t *testing.T) {
	c := NewCodec(bytes.NewReader(nil), &bytes.Buffer{})
	var req Request
	err := c.Decode(&req)
	assert.ErrorIs(t, err, io.EOF)
}

func TestHasKey(t *testing.T) {
	assert.True(t, HasKey([]byte(`{"evt":{"event":"x"}}`), "evt"))
	assert.False(t, HasKey([]byte(`{"rsp":"ready"}`), "evt"))
	assert.False(t, HasKey([]byte("not json"), "evt"))
}

func TestChildEventRoundTrip(t *testing.T) {
	raw := []byte(`{"event":"uart-opened","port":1234,"name":"sysbus.uart0","machineName":"m0"}`)
	var ev ChildEvent
	require.NoError(t, DecodeLine(raw, &ev))
	assert.Equal(t, "uart-opened", ev.Event)
	assert.EqualValues(t, 1234, ev.Data["port"])
	assert.Equal(t, "sysbus.uart0", ev.Data["name"])
}
