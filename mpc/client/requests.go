package client

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/pushchain/mpc-relay/mpc/protocol"
)

// request sends msg to the relay and waits for the matching reply. An error
// reply is returned as *ServerError.
func (c *Client) request(ctx context.Context, msg protocol.ServerMessage) (*protocol.ServerMessage, error) {
	id := c.nextID.Add(1)
	msg.RequestID = id

	ch := make(chan protocol.ServerMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeServer(msg); err != nil {
		return nil, errors.Wrapf(err, "failed to send %s request", msg.Kind)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Kind == protocol.ServerError {
			if reply.Error == nil {
				return nil, &ServerError{Message: "unspecified error"}
			}
			return nil, &ServerError{Status: reply.Error.Status, Message: reply.Error.Message}
		}
		return &reply, nil
	case <-timer.C:
		return nil, errors.Wrapf(ErrNoReply, "%s after %s", msg.Kind, c.opts.RequestTimeout)
	case <-c.done:
		return nil, ErrNoReply.WithCause(ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NewSession asks the relay to create a session over the given identities.
// The caller still has to join it.
func (c *Client) NewSession(ctx context.Context, participants [][]byte, params protocol.Parameters) (*protocol.Session, error) {
	keys := make([]protocol.HexBytes, len(participants))
	for i, p := range participants {
		keys[i] = p
	}
	reply, err := c.request(ctx, protocol.ServerMessage{
		Kind:         protocol.ServerNewSession,
		Participants: keys,
		Parameters:   &params,
	})
	if err != nil {
		return nil, err
	}
	if reply.Kind != protocol.ServerSessionCreated || reply.Session == nil {
		return nil, errors.Wrapf(ErrUnexpectedReply, "got %s", reply.Kind)
	}
	return reply.Session, nil
}

// JoinSession registers the local identity with a session.
func (c *Client) JoinSession(ctx context.Context, id protocol.SessionID) (*protocol.Session, error) {
	reply, err := c.request(ctx, protocol.ServerMessage{Kind: protocol.ServerJoinSession, SessionID: &id})
	if err != nil {
		return nil, err
	}
	if reply.Kind != protocol.ServerOK || reply.Session == nil {
		return nil, errors.Wrapf(ErrUnexpectedReply, "got %s", reply.Kind)
	}
	return reply.Session, nil
}

// FinishSession tells the relay the ceremony of a session is over. output
// marks what it produced, such as the key address.
func (c *Client) FinishSession(ctx context.Context, id protocol.SessionID, output string) error {
	reply, err := c.request(ctx, protocol.ServerMessage{Kind: protocol.ServerFinishSession, SessionID: &id, Output: output})
	if err != nil {
		return err
	}
	if reply.Kind != protocol.ServerOK {
		return errors.Wrapf(ErrUnexpectedReply, "got %s", reply.Kind)
	}
	return nil
}
