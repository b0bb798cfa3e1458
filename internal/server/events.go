package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// eventRecord stores a single SSE event with ID for replay.
type eventRecord struct {
	id   string
	data string // fully formatted "id:/event:/data:" block
}

// broker fans server-sent events out to connected viewer pages and keeps
// a short replay buffer for clients reconnecting with Last-Event-ID.
type broker struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[chan string]bool
	events  []eventRecord
	counter uint64
	maxSize int

	done      chan struct{}
	closeOnce sync.Once
}

func newBroker(maxSize int, log *zap.Logger) *broker {
	return &broker{
		log:     log,
		clients: make(map[chan string]bool),
		events:  make([]eventRecord, 0, maxSize),
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
}

// publish assigns an event ID, stores the event and sends it to every
// client. Slow clients drop events rather than block the sender.
func (b *broker) publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("cannot encode event", zap.String("event", event), zap.Error(err))
		return
	}

	b.mu.Lock()
	b.counter++
	id := strconv.FormatUint(b.counter, 10)
	msg := fmt.Sprintf("id: %s\nevent: %s\ndata: %s", id, event, data)
	if len(b.events) >= b.maxSize {
		b.events = b.events[1:]
	}
	b.events = append(b.events, eventRecord{id: id, data: msg})
	for ch := range b.clients {
		select {
		case ch <- msg:
		default:
		}
	}
	b.mu.Unlock()
}

// after returns all buffered events newer than lastID.
func (b *broker) after(lastID string) []eventRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []eventRecord
	found := false
	for _, evt := range b.events {
		if found {
			result = append(result, evt)
		}
		if evt.id == lastID {
			found = true
		}
	}
	return result
}

func (b *broker) subscribe() (chan string, int) {
	ch := make(chan string, 10)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[ch] = true
	return ch, len(b.clients)
}

func (b *broker) unsubscribe(ch chan string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, ch)
	return len(b.clients)
}

func (b *broker) clientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// close ends every open stream so a graceful shutdown is not held up by
// long-lived SSE connections.
func (b *broker) close() {
	b.closeOnce.Do(func() { close(b.done) })
}

type connectionStatus struct {
	Count int `json:"count"`
}

const keepAliveInterval = 10 * time.Second

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.log.Error("streaming unsupported by response writer")
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, count := s.events.subscribe()
	s.events.publish("connection_status", connectionStatus{Count: count})
	defer func() {
		remaining := s.events.unsubscribe(ch)
		s.events.publish("connection_status", connectionStatus{Count: remaining})
	}()

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		missed := s.events.after(lastID)
		s.log.Debug("sse replay", zap.String("last_event_id", lastID), zap.Int("events", len(missed)))
		for _, evt := range missed {
			fmt.Fprintf(w, "%s\n\n", evt.data)
		}
		flusher.Flush()
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-ch:
			if _, err := fmt.Fprintf(w, "%s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.events.done:
			return
		}
	}
}
