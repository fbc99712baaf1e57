package client

import "github.com/pushchain/mpc-relay/mpc/protocol"

// EventKind identifies a client notification.
type EventKind string

const (
	EventServerConnected EventKind = "server_connected"
	EventPeerConnected   EventKind = "peer_connected"
	EventSessionCreated  EventKind = "session_created"
	EventSessionActive   EventKind = "session_active"
	EventSessionTimeout  EventKind = "session_timeout"
	EventSessionFinished EventKind = "session_finished"
	EventClose           EventKind = "close"
)

// Event is delivered on Client.Events. Peer is set for peer events, Session
// for session events and Err for a Close caused by a failure.
type Event struct {
	Kind    EventKind
	Peer    protocol.HexBytes
	Session *protocol.Session
	Err     error
}

func sessionEventKind(kind protocol.ServerMessageKind) (EventKind, bool) {
	switch kind {
	case protocol.ServerSessionCreated:
		return EventSessionCreated, true
	case protocol.ServerSessionActive:
		return EventSessionActive, true
	case protocol.ServerSessionTimeout:
		return EventSessionTimeout, true
	case protocol.ServerSessionFinished:
		return EventSessionFinished, true
	default:
		return "", false
	}
}
