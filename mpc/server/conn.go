package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/mpc-relay/mpc/protocol"
)

// conn is one authenticated client. Reads happen on the connection's own
// goroutine; writes from any goroutine are serialized by writeMu.
type conn struct {
	id        string
	publicKey protocol.HexBytes
	ws        *websocket.Conn
	logger    zerolog.Logger

	writeTimeout time.Duration
	writeMu      sync.Mutex
	send    *noise.CipherState
	recv    *noise.CipherState

	closeOnce sync.Once
}

func (c *conn) writeFrame(frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.write(data)
}

// write sends one frame; the caller holds writeMu. A client that stops
// reading fails the write after writeTimeout instead of stalling the caller.
func (c *conn) write(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return errors.Wrap(err, "failed to set write deadline")
	}
	return errors.Wrap(c.ws.WriteMessage(websocket.BinaryMessage, data), "failed to write frame")
}

func (c *conn) writeServer(msg protocol.ServerMessage) error {
	plain, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ct, err := c.send.Encrypt(nil, nil, plain)
	if err != nil {
		return errors.Wrap(err, "failed to encrypt server message")
	}
	data, err := protocol.Encode(protocol.Frame{Kind: protocol.FrameServer, Payload: ct})
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

// handleWebsocket upgrades the request, authenticates the client and serves
// its frames until the connection drops.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c, err := s.accept(ws)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("client handshake failed")
		s.metrics.DroppedFrames.WithLabelValues("handshake").Inc()
		_ = ws.Close()
		return
	}
	s.register(c)
	c.logger.Info().Msg("client connected")

	defer func() {
		s.unregister(c)
		c.close()
		c.logger.Info().Msg("client disconnected")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		var frame protocol.Frame
		if err := protocol.Decode(data, &frame); err != nil {
			s.metrics.DroppedFrames.WithLabelValues("malformed").Inc()
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch frame.Kind {
		case protocol.FrameServer:
			plain, err := c.recv.Decrypt(nil, nil, frame.Payload)
			if err != nil {
				// the cipher state is out of step with the client
				c.logger.Warn().Err(err).Msg("failed to decrypt server message")
				return
			}
			var msg protocol.ServerMessage
			if err := protocol.Decode(plain, &msg); err != nil {
				s.metrics.DroppedFrames.WithLabelValues("malformed").Inc()
				c.logger.Warn().Err(err).Msg("dropping malformed request")
				continue
			}
			s.handleRequest(c, msg)

		case protocol.FrameRelay:
			s.forward(c, frame)

		default:
			s.metrics.DroppedFrames.WithLabelValues("unexpected").Inc()
			c.logger.Warn().Str("kind", string(frame.Kind)).Msg("dropping unexpected frame")
		}
	}
}

// accept runs the responder side of the IK handshake. The first frame must be
// the client's handshake message; it reveals the client's static key.
func (s *Server) accept(ws *websocket.Conn) (*conn, error) {
	hs, err := protocol.ServerHandshake(s.keypair, nil, false)
	if err != nil {
		return nil, err
	}

	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read handshake")
	}
	_ = ws.SetReadDeadline(time.Time{})

	var frame protocol.Frame
	if err := protocol.Decode(data, &frame); err != nil {
		return nil, err
	}
	if frame.Kind != protocol.FrameHandshake {
		return nil, errors.Errorf("expected handshake frame, got %s", frame.Kind)
	}
	if _, _, _, err := hs.ReadMessage(nil, frame.Payload); err != nil {
		return nil, errors.Wrap(err, "invalid handshake message")
	}
	reply, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to write handshake reply")
	}
	if cs1 == nil || cs2 == nil {
		return nil, errors.New("handshake did not complete")
	}

	pub := protocol.HexBytes(append([]byte(nil), hs.PeerStatic()...))
	c := &conn{
		id:        pub.String(),
		publicKey: pub,
		ws:        ws,
		logger:    s.logger.With().Str("client", pub.String()).Logger(),
		send:      cs2,
		recv:      cs1,

		writeTimeout: s.cfg.WriteTimeout,
	}
	if err := c.writeFrame(protocol.Frame{Kind: protocol.FrameHandshake, Payload: reply}); err != nil {
		return nil, err
	}
	return c, nil
}

// forward relays an opaque peer frame, rewriting the recipient to the
// authenticated sender.
func (s *Server) forward(from *conn, frame protocol.Frame) {
	to := s.lookup(frame.Peer)
	if to == nil {
		s.metrics.DroppedFrames.WithLabelValues("unknown_peer").Inc()
		from.logger.Debug().Str("peer", frame.Peer.String()).Msg("dropping frame for unconnected peer")
		return
	}
	out := protocol.Frame{Kind: protocol.FrameRelay, Peer: from.publicKey, Payload: frame.Payload}
	if err := to.writeFrame(out); err != nil {
		s.metrics.DroppedFrames.WithLabelValues("write").Inc()
		to.logger.Debug().Err(err).Msg("failed to forward frame")
		return
	}
	s.metrics.RelayedFrames.Inc()
}
