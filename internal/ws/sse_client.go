package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// SSEClient streams Server-Sent Events over an HTTP response writer.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	event   string
	log     *slog.Logger
	closed  bool
}

// NewSSEClient builds an SSE client instance. Every frame is tagged with
// the event name when one is given.
func NewSSEClient(writer io.Writer, flusher http.Flusher, event string, logger *slog.Logger) *SSEClient {
	return &SSEClient{writer: writer, flusher: flusher, event: event, log: logger}
}

// Send emits a data event to the SSE stream.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	var err error
	if c.event != "" {
		_, err = fmt.Fprintf(c.writer, "event: %s\ndata: %s\n\n", c.event, payload)
	} else {
		_, err = fmt.Fprintf(c.writer, "data: %s\n\n", payload)
	}
	if err != nil {
		c.closed = true
		c.log.Warn("sse send failed", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprint(c.writer, ": ping\n\n"); err != nil {
		c.closed = true
		c.log.Warn("sse heartbeat failed", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
