package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

const (
	eventHistorical  = "historical"
	eventMeasurement = "measurement"

	// How many past measurements a freshly connected client is caught up
	// with before live events start.
	replayDepth = 50
)

// StreamEvent is the wire shape pushed to websocket clients.
type StreamEvent struct {
	Type       string    `json:"type"`
	SensorID   uuid.UUID `json:"sensor_id"`
	SensorName string    `json:"sensor_name"`
	MAC        string    `json:"mac"`
	Pressure   float64   `json:"pressure"`
	Timestamp  time.Time `json:"timestamp"`
}

func newStreamEvent(eventType string, m *Measurement) StreamEvent {
	return StreamEvent{
		Type:       eventType,
		SensorID:   m.Sensor.UUID,
		SensorName: m.Sensor.Name,
		MAC:        m.Sensor.MACAddress,
		Pressure:   m.Pressure,
		Timestamp:  m.RecordedAt,
	}
}

// StreamHub fans persisted measurements out to connected websocket clients.
// Delivery is best-effort: a client that cannot keep up has events dropped
// rather than blocking the ingestion path.
type StreamHub struct {
	mu      sync.RWMutex
	clients map[chan StreamEvent]struct{}
	log     *slog.Logger
}

func NewStreamHub() *StreamHub {
	return &StreamHub{
		clients: make(map[chan StreamEvent]struct{}),
		log:     slog.Default().With("component", "stream_hub"),
	}
}

// Subscribe registers a new client and returns its event channel.
func (h *StreamHub) Subscribe() chan StreamEvent {
	ch := make(chan StreamEvent, 16)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes the client. Events already buffered on the channel
// stay readable; the channel is not closed so late reads cannot panic.
func (h *StreamHub) Unsubscribe(ch chan StreamEvent) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

func (h *StreamHub) Broadcast(ev StreamEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.log.Warn("stream client too slow, dropping event", "mac", ev.MAC)
		}
	}
}

func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var streamUpgrader = websocket.FastHTTPUpgrader{
	// Browsers connect from the dashboard origin, same posture as the CORS
	// middleware on the REST routes.
	CheckOrigin: func(_ *fasthttp.RequestCtx) bool { return true },
}

// Stream upgrades the connection, replays recent history and then pushes
// measurements live as the bus subscriber persists them.
func (h *TelemetryHandler) Stream(c fiber.Ctx) error {
	return streamUpgrader.Upgrade(c.Context(), h.streamClient)
}

func (h *TelemetryHandler) streamClient(conn *websocket.Conn) {
	defer conn.Close()

	recent, err := h.service.RecentMeasurements(context.Background(), replayDepth)
	if err != nil {
		slog.Error("stream: loading recent measurements", "error", err)
		return
	}
	// RecentMeasurements returns newest first; replay in chronological order
	// so clients can append as they would live events.
	for i := len(recent) - 1; i >= 0; i-- {
		if err := conn.WriteJSON(newStreamEvent(eventHistorical, &recent[i])); err != nil {
			return
		}
	}

	events := h.hub.Subscribe()
	defer h.hub.Unsubscribe(events)

	// Reader goroutine exists only to notice the peer going away.
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
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
