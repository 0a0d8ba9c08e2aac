package relay

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pysugar/claude-relay/internal/claude"
)

// SSEWriter frames Claude events as server-sent events. Writes are serialized
// so the keepalive ticker can interleave pings safely.
type SSEWriter struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	flusher  http.Flusher
	last     time.Time
	started  bool
	streamed bool
}

// NewSSEWriter prepares the response for streaming. It returns an error when
// the ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &SSEWriter{w: w, flusher: flusher, last: time.Now()}, nil
}

// Begin sets the SSE headers. Called once, before the first event.
func (s *SSEWriter) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.started = true
}

// Started reports whether Begin has set the SSE headers. Streamed reports
// whether any bytes were written.
func (s *SSEWriter) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// WriteEvent writes one `event:`/`data:` pair and flushes.
func (s *SSEWriter) WriteEvent(ev claude.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, ev.Encode()); err != nil {
		return err
	}
	s.flusher.Flush()
	s.last = time.Now()
	s.streamed = true
	return nil
}

// WriteRaw forwards pre-framed SSE bytes (passthrough channel).
func (s *SSEWriter) WriteRaw(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	s.flusher.Flush()
	s.last = time.Now()
	s.streamed = true
	return nil
}

// Streamed reports whether any event bytes went downstream.
func (s *SSEWriter) Streamed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamed
}

// shouldPing reports whether the stream is open and has been silent for the
// interval. Before the first event nothing may be written: the sequence must
// open with message_start, never a ping.
func (s *SSEWriter) shouldPing(interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamed && time.Since(s.last) >= interval
}

// StartKeepalive emits a ping whenever the stream has been silent for the
// interval, once message_start has opened it. The returned stop function must
// be called before the final message_stop.
func (s *SSEWriter) StartKeepalive(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if s.shouldPing(interval) {
					s.WriteEvent(claude.NewPing())
				}
			case <-done:
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
