package ws

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
)

func TestSSEClientFramesEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, "membership", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := client.Send([]byte(`{"type":"member.left"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	want := "event: membership\ndata: {\"type\":\"member.left\"}\n\n: ping\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("unexpected stream %q", got)
	}

	client.Close()
	if err := client.Send([]byte("late")); err != io.EOF {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}
