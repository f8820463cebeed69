package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"goa.design/docscout/runtime/agent/stream"
)

// sseWriter streams events to one HTTP client as server-sent events, one
// `data:` line per event. Construction commits the response: it writes the
// SSE headers and flushes them so clients see the stream open before the
// first event is ready.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	pacing  time.Duration
}

func newSSEWriter(w http.ResponseWriter, pacing time.Duration) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Tell nginx-style proxies not to buffer the stream.
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher, pacing: pacing}, nil
}

// Send implements stream.Sink. Each event is flushed immediately; a short
// pause follows every non-terminal event so browser clients can render
// updates as they arrive instead of receiving them in one burst.
func (s *sseWriter) Send(ctx context.Context, event stream.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write stream event: %w", err)
	}
	s.flusher.Flush()
	if s.pacing > 0 && event.Type != stream.EventDone {
		select {
		case <-time.After(s.pacing):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close implements stream.Sink. The connection itself is owned by net/http
// and closes when the handler returns.
func (s *sseWriter) Close(context.Context) error { return nil }
