package client

import (
	"context"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/pushchain/mpc-relay/mpc/peer"
	"github.com/pushchain/mpc-relay/mpc/protocol"
	"github.com/pushchain/mpc-relay/mpc/transport"
)

// readyChan returns the channel closed once the peer channel is in transport.
func (c *Client) readyChan(remote []byte) chan struct{} {
	key := hex.EncodeToString(remote)
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	ch, ok := c.ready[key]
	if !ok {
		ch = make(chan struct{})
		c.ready[key] = ch
	}
	return ch
}

func (c *Client) peerConnected(remote []byte) {
	ch := c.readyChan(remote)
	c.readyMu.Lock()
	select {
	case <-ch:
		c.readyMu.Unlock()
		return
	default:
		close(ch)
	}
	c.readyMu.Unlock()

	c.logger.Debug().Str("peer", hex.EncodeToString(remote)).Msg("peer channel ready")
	c.emit(Event{Kind: EventPeerConnected, Peer: append(protocol.HexBytes(nil), remote...)})
}

func (c *Client) writePeer(remote []byte, kind protocol.PeerFrameKind, payload []byte) error {
	inner, err := protocol.Encode(protocol.PeerFrame{Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	return c.writeFrame(protocol.Frame{Kind: protocol.FrameRelay, Peer: remote, Payload: inner})
}

// ConnectPeer performs the peer handshake with remote unless a channel is
// already established, and waits until the channel reaches transport state.
// When both sides connect at the same time the race is settled by key order.
func (c *Client) ConnectPeer(ctx context.Context, remote []byte) error {
	if len(remote) != protocol.KeySize {
		return errors.Wrapf(ErrInvalidPeer, "public key must be %d bytes", protocol.KeySize)
	}
	ready := c.readyChan(remote)

	msg, err := c.peers.Initiate(remote)
	switch {
	case err == nil:
		if err := c.writePeer(remote, protocol.PeerHandshakeInitiator, msg); err != nil {
			c.peers.Remove(remote)
			return err
		}
	case errors.Is(err, peer.ErrPeerAlreadyExists):
		// a handshake is under way or done
	default:
		return err
	}

	select {
	case <-ready:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) handleRelay(remote []byte, payload []byte) {
	logger := c.logger.With().Str("peer", hex.EncodeToString(remote)).Logger()

	var frame protocol.PeerFrame
	if err := protocol.Decode(payload, &frame); err != nil {
		logger.Warn().Err(err).Msg("dropping malformed peer frame")
		return
	}

	switch frame.Kind {
	case protocol.PeerHandshakeInitiator:
		reply, err := c.peers.Respond(remote, frame.Payload)
		if errors.Is(err, peer.ErrPeerAlreadyExistsMaybeRace) {
			var yielded bool
			reply, yielded, err = c.peers.ResolveRace(remote, frame.Payload)
			if err == nil && !yielded {
				logger.Debug().Msg("ignoring rival handshake, local initiation wins")
				return
			}
		}
		if errors.Is(err, peer.ErrPeerAlreadyExists) {
			// the peer reconnected and lost its end of the channel
			reply, err = c.peers.Replace(remote, frame.Payload)
			if err == nil {
				logger.Info().Msg("replaced peer channel after reconnect")
			}
		}
		if err != nil {
			logger.Warn().Err(err).Msg("rejected peer handshake")
			return
		}
		if err := c.writePeer(remote, protocol.PeerHandshakeResponder, reply); err != nil {
			logger.Warn().Err(err).Msg("failed to answer peer handshake")
			c.peers.Remove(remote)
			return
		}
		c.peerConnected(remote)

	case protocol.PeerHandshakeResponder:
		if _, err := c.peers.AdvanceHandshake(remote, frame.Payload); err != nil {
			logger.Warn().Err(err).Msg("failed to complete peer handshake")
			return
		}
		c.peerConnected(remote)

	case protocol.PeerTransport:
		plain, err := c.peers.Decrypt(remote, frame.Payload)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping undecryptable peer message")
			return
		}
		c.handlerMu.RLock()
		handler := c.handler
		c.handlerMu.RUnlock()
		if handler == nil {
			logger.Debug().Msg("no handler registered, dropping peer message")
			return
		}
		if err := handler(c.ctx, hex.EncodeToString(remote), plain); err != nil {
			logger.Warn().Err(err).Msg("peer message handler failed")
		}

	default:
		logger.Warn().Str("kind", string(frame.Kind)).Msg("dropping unexpected peer frame")
	}
}

// SendPeer encrypts payload for remote and relays it.
func (c *Client) SendPeer(remote, payload []byte) error {
	ct, err := c.peers.Encrypt(remote, payload)
	if err != nil {
		return err
	}
	return c.writePeer(remote, protocol.PeerTransport, ct)
}

// Broadcast sends payload to every other participant of a session. Every
// peer channel must already be established.
func (c *Client) Broadcast(session *protocol.Session, payload []byte) error {
	for _, p := range session.Others(c.opts.Keypair.Public) {
		if err := c.SendPeer(p.PublicKey, payload); err != nil {
			return errors.Wrapf(err, "failed to send to party %d", p.Index)
		}
	}
	return nil
}

// RegisterHandler installs the callback for decrypted peer messages.
func (c *Client) RegisterHandler(handler transport.Handler) error {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if c.handler != nil {
		return errors.New("relay client: handler already registered")
	}
	c.handler = handler
	return nil
}

// EnsurePeer connects to the peer identified by its hex public key.
func (c *Client) EnsurePeer(ctx context.Context, peerID string) error {
	remote, err := hex.DecodeString(peerID)
	if err != nil {
		return ErrInvalidPeer.WithCause(err)
	}
	return c.ConnectPeer(ctx, remote)
}

// Send delivers payload to the peer identified by its hex public key.
func (c *Client) Send(ctx context.Context, peerID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remote, err := hex.DecodeString(peerID)
	if err != nil {
		return ErrInvalidPeer.WithCause(err)
	}
	return c.SendPeer(remote, payload)
}
