package client

import (
	"fmt"

	mpcerrors "github.com/pushchain/mpc-relay/mpc/errors"
)

var (
	ErrConnect         = mpcerrors.New(mpcerrors.CodeTransport, "failed to connect to relay")
	ErrServer          = mpcerrors.New(mpcerrors.CodeTransport, "relay reported an error")
	ErrNoReply         = mpcerrors.New(mpcerrors.CodeTransport, "server did not reply")
	ErrClosed          = mpcerrors.New(mpcerrors.CodeTransport, "client closed")
	ErrServerHandshake = mpcerrors.New(mpcerrors.CodeHandshake, "server handshake failed")
	ErrUnexpectedReply = mpcerrors.New(mpcerrors.CodeTransport, "unexpected server reply")
	ErrInvalidPeer     = mpcerrors.New(mpcerrors.CodeHandshake, "invalid peer identity")
)

// ConnectError is returned when the relay answers the websocket upgrade with
// anything other than 101 Switching Protocols.
type ConnectError struct {
	Status int
	Body   string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %d %s", ErrConnect.Message, e.Status, e.Body)
}

func (e *ConnectError) Unwrap() error { return ErrConnect }

// ServerError is a failure the relay reported for a request.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %d %s", ErrServer.Message, e.Status, e.Message)
}

func (e *ServerError) Unwrap() error { return ErrServer }
