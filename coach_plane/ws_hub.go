package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/observability"
	"github.com/quitflow/coachplane/coach_plane/streaming"
)

const (
	maxStreamClients  = 200
	dashboardInterval = 5 * time.Second
	writeWait         = 5 * time.Second
	hubBuffer         = 256
)

// subjectDashboard carries periodic snapshots on the operator stream only.
const subjectDashboard = "coach.dashboard.snapshot"

// EventHub fans service events out to connected operator websocket clients
// and pushes a dashboard snapshot on an interval. It implements
// streaming.Publisher so it sits behind the same fanout as the broker: every
// transition and delivery published by the service reaches the dashboard.
type EventHub struct {
	dashboard *DashboardService
	log       *zap.Logger

	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan streaming.Event
	mu         sync.RWMutex
}

func NewEventHub(log *zap.Logger) *EventHub {
	return &EventHub{
		log:        log.Named("hub"),
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan streaming.Event, hubBuffer),
	}
}

// SetDashboard attaches the snapshot source for the periodic push. Must be
// called before Run.
func (h *EventHub) SetDashboard(d *DashboardService) {
	h.dashboard = d
}

// Publish queues an event for the connected clients. Never blocks: when the
// hub is saturated the event is dropped, the broker copy is the durable one.
func (h *EventHub) Publish(ctx context.Context, subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := streaming.Event{
		ID:        uuid.NewString(),
		Subject:   subject,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "coachplane",
	}
	select {
	case h.events <- ev:
	default:
		observability.PublishFailures.WithLabelValues(subject).Inc()
	}
	return nil
}

func (h *EventHub) Close() error { return nil }

// Run owns the client set. Register/unregister and broadcasting run on this
// loop; it exits with the context.
func (h *EventHub) Run(ctx context.Context) {
	ticker := time.NewTicker(dashboardInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxStreamClients {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn("stream client rejected, cap reached",
					zap.Int("cap", maxStreamClients))
				continue
			}
			h.clients[conn] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(n))
			h.log.Debug("stream client connected", zap.Int("total", n))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(n))
			h.log.Debug("stream client disconnected", zap.Int("total", n))

		case ev := <-h.events:
			h.broadcast(ev)

		case <-ticker.C:
			h.pushDashboard(ctx)
		}
	}
}

// pushDashboard sends a snapshot to every client. Skipped when nobody is
// connected so an idle hub costs nothing.
func (h *EventHub) pushDashboard(ctx context.Context) {
	if h.dashboard == nil || h.ClientCount() == 0 {
		return
	}
	snap, err := h.dashboard.Snapshot(ctx)
	if err != nil {
		h.log.Warn("dashboard snapshot failed", zap.Error(err))
		return
	}
	snap.StreamClients = h.ClientCount()

	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	h.broadcast(streaming.Event{
		ID:        uuid.NewString(),
		Subject:   subjectDashboard,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "coachplane",
	})
}

func (h *EventHub) broadcast(ev streaming.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			h.log.Debug("stream write failed", zap.Error(err))
			go h.Unregister(conn)
		}
	}
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	observability.WSClients.Set(0)
}

// Register hands a new connection to the hub loop.
func (h *EventHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
