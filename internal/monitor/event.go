// Package monitor implements the read-only HTTP + WebSocket status
// surface (SPEC_FULL.md §13). Grounded on internal/api/server.go +
// internal/api/middleware.go (gorilla/mux router, logging middleware)
// and internal/websocket/hub.go + client.go (hub/client broadcast
// pattern, gorilla/websocket), trimmed of the teacher's database-backed
// client registry: the monitor has no clients to authenticate, only
// anonymous loopback observers.
//
// The monitor's HTTP goroutines run outside the single-threaded
// EventLoop (spec.md §5): it only ever reads swarm/peer state through
// a Source accessor, never mutates it, mirroring spec.md's treatment
// of the console as an external, non-core component.
package monitor

import (
	"encoding/json"
	"time"
)

// EventType names a state transition the monitor can report over its
// websocket feed.
type EventType string

const (
	EventPeerConnected EventType = "peer_connected"
	EventPeerHandshook EventType = "peer_handshook"
	EventPeerClosed    EventType = "peer_closed"
	EventRefChangeSent EventType = "ref_change_sent"
	EventRefChangeRecv EventType = "ref_change_received"
	EventChildSpawned  EventType = "child_spawned"
	EventChildExited   EventType = "child_exited"
)

// Event is one JSON line pushed to every connected /ws client.
type Event struct {
	Type      EventType `json:"type"`
	SwarmID   string    `json:"swarm_id,omitempty"`
	PeerID    string    `json:"peer_id,omitempty"`
	Addr      string    `json:"addr,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps the current time onto a new Event.
func NewEvent(t EventType, swarmID, peerID, addr, detail string) Event {
	return Event{
		Type:      t,
		SwarmID:   swarmID,
		PeerID:    peerID,
		Addr:      addr,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

func (e Event) toJSON() ([]byte, error) { return json.Marshal(e) }
