// Package telemetry implements the SSE hub that streams device activity to
// operators.
//
// The hub fans events out to every connected client and keeps a ring buffer
// of recent events so a reconnecting client can resume from its
// Last-Event-ID header. Slow clients are skipped rather than allowed to
// block the device.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a telemetry event in SSE framing.
type Event struct {
	ID   int64                  `json:"id,omitempty"`
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// client is one SSE subscriber. The events channel is never closed: a
// publisher may hold a snapshot of a client that is concurrently
// unregistering, so teardown is signaled through the contexts only.
type client struct {
	id     string
	writer http.ResponseWriter
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	mu     sync.Mutex // serializes writer access
}

// Hub distributes telemetry events to SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client

	buffer   []Event
	capacity int
	nextID   int64

	heartbeat time.Duration
	done      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
}

// NewHub creates a hub with the given replay-buffer capacity and heartbeat
// interval.
func NewHub(bufferSize int, heartbeat time.Duration) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	h := &Hub{
		clients:   make(map[string]*client),
		buffer:    make([]Event, 0, bufferSize),
		capacity:  bufferSize,
		heartbeat: heartbeat,
		done:      make(chan struct{}),
	}
	if heartbeat > 0 {
		h.wg.Add(1)
		go h.heartbeatLoop()
	}
	return h
}

// Publish assigns the event a monotonic ID, buffers it for replay and fans
// it out to all connected clients.
func (h *Hub) Publish(eventType string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	if _, ok := data["ts"]; !ok {
		data["ts"] = time.Now().UTC().Format(time.RFC3339)
	}

	h.mu.Lock()
	h.nextID++
	event := Event{ID: h.nextID, Type: eventType, Data: data}
	if len(h.buffer) == h.capacity {
		copy(h.buffer, h.buffer[1:])
		h.buffer[len(h.buffer)-1] = event
	} else {
		h.buffer = append(h.buffer, event)
	}
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case <-c.ctx.Done():
		case <-h.done:
			return
		case c.events <- event:
		default:
			// Slow client; drop rather than block the publisher.
		}
	}
}

// Subscribe registers an SSE client and blocks until it disconnects or the
// hub stops.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	select {
	case <-h.done:
		return fmt.Errorf("telemetry hub stopped")
	default:
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientCtx, cancel := context.WithCancel(ctx)
	c := &client{
		id:     uuid.NewString(),
		writer: w,
		ctx:    clientCtx,
		cancel: cancel,
		events: make(chan Event, 100),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	defer h.unregister(c.id)

	// Resume from Last-Event-ID if the client reconnects.
	lastID := int64(0)
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastID = id
		}
	}
	if lastID > 0 {
		for _, event := range h.eventsAfter(lastID) {
			if err := c.send(event); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-clientCtx.Done():
			return nil
		case <-h.done:
			return nil
		case event := <-c.events:
			if err := c.send(event); err != nil {
				return err
			}
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects all clients and stops the heartbeat.
func (h *Hub) Stop() {
	h.once.Do(func() {
		close(h.done)
	})

	h.mu.Lock()
	for id, c := range h.clients {
		c.cancel()
		delete(h.clients, id)
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// eventsAfter returns buffered events with IDs greater than lastID.
func (h *Hub) eventsAfter(lastID int64) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Event
	for _, event := range h.buffer {
		if event.ID > lastID {
			out = append(out, event)
		}
	}
	return out
}

// unregister removes a client and cancels its context.
func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[id]; ok {
		c.cancel()
		delete(h.clients, id)
	}
}

// heartbeatLoop writes periodic comment lines so idle connections stay
// open through proxies.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.RLock()
			targets := make([]*client, 0, len(h.clients))
			for _, c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.RUnlock()

			for _, c := range targets {
				c.comment("heartbeat")
			}
		}
	}
}

// send writes one event in SSE framing and flushes.
func (c *client) send(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if event.ID > 0 {
		if _, err := fmt.Fprintf(c.writer, "id: %d\n", event.ID); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(c.writer, "event: %s\n", event.Type); err != nil {
		return fmt.Errorf("failed to write event type: %w", err)
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(c.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event data: %w", err)
	}

	if flusher, ok := c.writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// comment writes an SSE comment line; errors are ignored, the next real
// event will surface a broken connection.
func (c *client) comment(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.writer, ": %s\n\n", text)
	if flusher, ok := c.writer.(http.Flusher); ok {
		flusher.Flush()
	}
}
