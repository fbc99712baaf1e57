package protocol

import "encoding/json"

// RoundMessage is one unit of protocol traffic. Receiver is zero for a
// broadcast and set on point-to-point messages.
type RoundMessage[B any] struct {
	Round    uint16 `json:"round"`
	Sender   uint16 `json:"sender"`
	Receiver uint16 `json:"receiver,omitempty"`
	Body     B      `json:"body"`
}

// IsBroadcast reports whether the message is addressed to every other participant.
func (m RoundMessage[B]) IsBroadcast() bool {
	return m.Receiver == 0
}

// Envelope is the application payload exchanged over a peer channel. The body
// stays encoded until the session's owner decodes it for its driver. Stage
// separates the ceremonies run one after another in the same session.
type Envelope struct {
	SessionID SessionID                     `json:"sessionId"`
	Stage     string                        `json:"stage,omitempty"`
	Message   RoundMessage[json.RawMessage] `json:"message"`
}

// EncodeRound converts a typed round message into its wire form.
func EncodeRound[B any](msg RoundMessage[B]) (RoundMessage[json.RawMessage], error) {
	body, err := json.Marshal(msg.Body)
	if err != nil {
		return RoundMessage[json.RawMessage]{}, err
	}
	return RoundMessage[json.RawMessage]{
		Round:    msg.Round,
		Sender:   msg.Sender,
		Receiver: msg.Receiver,
		Body:     body,
	}, nil
}

// DecodeRound converts a wire round message into its typed form.
func DecodeRound[B any](msg RoundMessage[json.RawMessage]) (RoundMessage[B], error) {
	var body B
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return RoundMessage[B]{}, err
	}
	return RoundMessage[B]{
		Round:    msg.Round,
		Sender:   msg.Sender,
		Receiver: msg.Receiver,
		Body:     body,
	}, nil
}
