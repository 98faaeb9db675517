package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Codec reads and writes newline-delimited JSON frames on one stream. It is
// deliberately dumb about message shape: callers decode/encode the concrete
// Request/Response/Event/ChildRequest types against the raw bytes it moves.
type Codec struct {
	r *bufio.Scanner
	w io.Writer
}

// maxLineSize bounds a single NDJSON line; large binary payloads are
// base64-encoded inside a JSON string so this still comfortably covers
// megabyte-sized uploads without unbounded growth.
const maxLineSize = 256 * 1024 * 1024

// NewCodec wraps a duplex stream (e.g. a child process's stdin/stdout pair
// glued together by the caller, or two halves of a WebSocket).
func NewCodec(r io.Reader, w io.Writer) *Codec {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Codec{r: sc, w: w}
}

// ReadLine returns the next NDJSON line's raw bytes, without the trailing
// newline. It returns io.EOF when the underlying stream is exhausted.
func (c *Codec) ReadLine() ([]byte, error) {
	if !c.r.Scan() {
		if err := c.r.Err(); err != nil {
			return nil, fmt.Errorf("read line: %w", err)
		}
		return nil, io.EOF
	}
	// Scanner reuses its buffer; callers that retain the slice past the next
	// ReadLine call must copy it themselves (decode callers unmarshal
	// immediately, which is safe).
	return c.r.Bytes(), nil
}

// Decode reads one line and unmarshals it into v. A malformed line yields a
// wrapped JSON error; the caller decides whether that is recoverable.
func (c *Codec) Decode(v any) error {
	line, err := c.ReadLine()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("decode NDJSON line: %w", err)
	}
	return nil
}

// Encode marshals v and writes it as one LF-terminated line. Encode is total
// for any well-typed input: marshal failures here indicate a programming
// error (e.g. a channel or func value in a payload), not a protocol error.
func (c *Codec) Encode(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode NDJSON line: %w", err)
	}
	b = append(b, '\n')
	if _, err := c.w.Write(b); err != nil {
		return fmt.Errorf("write NDJSON line: %w", err)
	}
	return nil
}

// DecodeLine unmarshals an already-read line, for callers that need to peek
// at raw bytes (e.g. to discriminate a child response from an event) before
// picking a concrete type to decode into.
func DecodeLine(line []byte, v any) error {
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("decode NDJSON line: %w", err)
	}
	return nil
}

// HasKey reports whether a raw JSON object line contains the given top-level
// key, without fully decoding it into a typed struct.
func HasKey(line []byte, key string) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		return false
	}
	_, ok := probe[key]
	return ok
}
