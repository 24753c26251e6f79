package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/droverhq/drover/internal/store"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// watchFrame is what a client sends on the watch socket.
type watchFrame struct {
	OperationID string `json:"operation_id"`
	Unsubscribe bool   `json:"unsubscribe,omitempty"`
}

// wsConn adapts a websocket connection to the hub. Writes are serialized;
// the hub and the ping loop both send.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) Send(snapshot store.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.ws.WriteJSON(snapshot)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// handleWatch upgrades to a WebSocket over which the client subscribes to
// operations by sending {"operation_id": "..."} frames; the server pushes a
// snapshot on every tracked change. Closing the socket unsubscribes.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	connID := "conn_" + ulid.Make().String()
	conn := &wsConn{ws: ws}
	slog.Debug("watch connection opened", "connection_id", connID, "remote", r.RemoteAddr)

	defer func() {
		s.hub.Disconnect(connID)
		ws.Close()
		slog.Debug("watch connection closed", "connection_id", connID)
	}()

	ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		var frame watchFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		if frame.OperationID == "" {
			continue
		}
		if frame.Unsubscribe {
			s.hub.Unsubscribe(connID, frame.OperationID)
			continue
		}
		s.hub.Subscribe(connID, frame.OperationID, conn)
		// Seed the subscriber with the current state so it does not have
		// to wait for the next change.
		if snap, err := s.store.GetSnapshot(frame.OperationID); err == nil {
			if err := conn.Send(*snap); err != nil {
				return
			}
		}
	}
}
