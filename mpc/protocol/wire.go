package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// FrameKind tags a websocket frame between a client and the relay.
type FrameKind string

const (
	// FrameHandshake carries the client to server Noise handshake.
	FrameHandshake FrameKind = "handshake"
	// FrameServer carries a ServerMessage encrypted for the relay.
	FrameServer FrameKind = "server"
	// FrameRelay carries an opaque PeerFrame the relay forwards without reading.
	FrameRelay FrameKind = "relay"
)

// Frame is the unit written to the websocket. For relay frames Peer is the
// recipient when sent by a client and the authenticated sender when
// delivered by the relay.
type Frame struct {
	Kind    FrameKind `json:"kind"`
	Peer    HexBytes  `json:"peer,omitempty"`
	Payload []byte    `json:"payload"`
}

// PeerFrameKind tags a frame exchanged between two peers through the relay.
type PeerFrameKind string

const (
	PeerHandshakeInitiator PeerFrameKind = "handshake_initiator"
	PeerHandshakeResponder PeerFrameKind = "handshake_responder"
	PeerTransport          PeerFrameKind = "transport"
)

// PeerFrame is the payload of a relay frame.
type PeerFrame struct {
	Kind    PeerFrameKind `json:"kind"`
	Payload []byte        `json:"payload"`
}

// ServerMessageKind tags requests, replies and events on the server channel.
type ServerMessageKind string

const (
	// requests
	ServerNewSession    ServerMessageKind = "new_session"
	ServerJoinSession   ServerMessageKind = "join_session"
	ServerFinishSession ServerMessageKind = "finish_session"

	// replies
	ServerOK    ServerMessageKind = "ok"
	ServerError ServerMessageKind = "error"

	// events, also used as the reply to new_session
	ServerSessionCreated  ServerMessageKind = "session_created"
	ServerSessionActive   ServerMessageKind = "session_active"
	ServerSessionTimeout  ServerMessageKind = "session_timeout"
	ServerSessionFinished ServerMessageKind = "session_finished"
)

// ErrorReply is a server reported failure.
type ErrorReply struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// ServerMessage is exchanged over the encrypted server channel. RequestID
// correlates a reply with its request and is zero on events.
type ServerMessage struct {
	Kind         ServerMessageKind `json:"kind"`
	RequestID    uint64            `json:"requestId,omitempty"`
	SessionID    *SessionID        `json:"sessionId,omitempty"`
	Participants []HexBytes        `json:"participants,omitempty"`
	Parameters   *Parameters       `json:"parameters,omitempty"`
	Session      *Session          `json:"session,omitempty"`
	Output       string            `json:"output,omitempty"`
	Error        *ErrorReply       `json:"error,omitempty"`
}

// Encode marshals a wire value.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	return data, nil
}

// Decode unmarshals a wire value.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "failed to decode message")
	}
	return nil
}
