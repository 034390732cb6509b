package controlplane

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/fentz26/signet/internal/models"
	"github.com/gorilla/websocket"
)

// Event is one run lifecycle notification pushed to dashboard clients.
type Event struct {
	Type   string               `json:"type"`
	TaskID string               `json:"task_id,omitempty"`
	Run    *models.ExecutionRun `json:"run,omitempty"`
	Time   time.Time            `json:"time"`
}

// Hub fans run events out to connected websocket clients. It implements
// runner.Notifier.
type Hub struct {
	mu      sync.Mutex
	clients map[chan Event]bool
}

// NewHub creates an event hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[chan Event]bool)}
}

// RunStarted broadcasts the start of a firing.
func (h *Hub) RunStarted(taskID string, trigger models.TriggerKind) {
	h.broadcast(Event{Type: "run." + string(trigger), TaskID: taskID, Time: time.Now().UTC()})
}

// RunFinished broadcasts a completed (or skipped) run.
func (h *Hub) RunFinished(run *models.ExecutionRun) {
	h.broadcast(Event{Type: "run." + string(run.Status), TaskID: run.TaskID, Run: run, Time: time.Now().UTC()})
}

func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.clients[ch] = true
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	if h.clients[ch] {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// broadcast delivers to every client, dropping events for clients that
// cannot keep up rather than blocking a run.
func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard runs on its own origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades the connection and streams events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events: upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	// Read pump: we expect no client messages, but reading surfaces
	// the close frame.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
