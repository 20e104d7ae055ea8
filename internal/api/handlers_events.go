package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stads98/telnyx-crm-sub001/internal/dialer"
)

const (
	eventsWriteTimeout = 10 * time.Second
	eventsPingInterval = 30 * time.Second
)

// EventsHandler streams engine events to operator consoles over WebSocket.
type EventsHandler struct {
	engine   *dialer.Engine
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewEventsHandler(engine *dialer.Engine, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		engine: engine,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Stream handles GET /events. The first frames are a full snapshot so a
// console can render without further requests.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := h.engine.Bus().Subscribe(64)
	defer unsubscribe()

	snapshot := []dialer.Event{
		{Type: dialer.EventStatus, Data: h.engine.Status(), At: time.Now()},
		{Type: dialer.EventLines, Data: h.engine.Lines(), At: time.Now()},
		{Type: dialer.EventQueue, Data: h.engine.Queue(), At: time.Now()},
	}
	for _, ev := range snapshot {
		if err := h.write(conn, ev); err != nil {
			return
		}
	}

	// The read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.write(conn, ev); err != nil {
				h.logger.Debug("event stream closed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *EventsHandler) write(conn *websocket.Conn, ev dialer.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
	return conn.WriteJSON(ev)
}
