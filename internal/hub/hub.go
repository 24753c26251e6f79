// Package hub fans progress snapshots out to subscribed connections. The hub
// never holds authoritative state; a missed push is always recoverable via a
// status read.
package hub

import (
	"log/slog"
	"sync"

	"github.com/droverhq/drover/internal/store"
)

// Conn is one subscriber connection. Send must be safe for concurrent use.
type Conn interface {
	Send(snapshot store.Snapshot) error
}

// Hub maps operation IDs to subscribed connections (many-to-many). It is the
// sole writer of the registry; connection lifecycle is explicit — insert on
// subscribe, remove on unsubscribe, disconnect or failed send.
type Hub struct {
	mu sync.RWMutex
	// subs: operation id -> connection id -> conn
	subs map[string]map[string]Conn
	// watched: connection id -> set of operation ids
	watched map[string]map[string]struct{}
	conns   map[string]Conn
}

func New() *Hub {
	return &Hub{
		subs:    make(map[string]map[string]Conn),
		watched: make(map[string]map[string]struct{}),
		conns:   make(map[string]Conn),
	}
}

// Subscribe registers conn to receive snapshots for opID.
func (h *Hub) Subscribe(connID, opID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[opID] == nil {
		h.subs[opID] = make(map[string]Conn)
	}
	h.subs[opID][connID] = conn
	if h.watched[connID] == nil {
		h.watched[connID] = make(map[string]struct{})
	}
	h.watched[connID][opID] = struct{}{}
	h.conns[connID] = conn
	slog.Debug("subscribed", "connection_id", connID, "operation_id", opID)
}

// Unsubscribe drops one subscription.
func (h *Hub) Unsubscribe(connID, opID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(connID, opID)
}

// Disconnect drops every subscription of a connection.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for opID := range h.watched[connID] {
		h.dropLocked(connID, opID)
	}
	delete(h.watched, connID)
	delete(h.conns, connID)
}

func (h *Hub) dropLocked(connID, opID string) {
	if m := h.subs[opID]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(h.subs, opID)
		}
	}
	if m := h.watched[connID]; m != nil {
		delete(m, opID)
	}
}

// Publish pushes a snapshot to every connection subscribed to its operation.
// Delivery is best-effort: a send failure removes all of that connection's
// subscriptions rather than retrying.
func (h *Hub) Publish(snapshot store.Snapshot) {
	h.mu.RLock()
	targets := make(map[string]Conn, len(h.subs[snapshot.OperationID]))
	for connID, conn := range h.subs[snapshot.OperationID] {
		targets[connID] = conn
	}
	h.mu.RUnlock()

	for connID, conn := range targets {
		if err := conn.Send(snapshot); err != nil {
			slog.Debug("push failed, dropping connection",
				"connection_id", connID,
				"operation_id", snapshot.OperationID,
				"error", err)
			h.Disconnect(connID)
		}
	}
}

// Watchers returns the number of connections subscribed to opID.
func (h *Hub) Watchers(opID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[opID])
}
